package session

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultWindow is the sliding-window size applied when the configuration
// does not set one.
const DefaultWindow = 20

// Turn is a single conversational exchange half.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
