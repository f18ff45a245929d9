// Package bus provides the in-process typed pub/sub used for workflow
// progress events. Publishing never blocks: each subscriber owns a bounded
// queue and overflow evicts the oldest queued message.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/metrics"
)

// Type identifies a message kind on the bus.
type Type string

const (
	TaskStarted       Type = "task.started"
	TaskFinished      Type = "task.finished"
	SubtaskAssigned   Type = "subtask.assigned"
	SubtaskStarted    Type = "subtask.started"
	SubtaskCompleted  Type = "subtask.completed"
	SubtaskFailed     Type = "subtask.failed"
	KnowledgeReloaded Type = "knowledge.reloaded"
	PersonaCreated    Type = "persona.created"
)

// DefaultQueueSize bounds a subscriber queue unless it asks for another size.
const DefaultQueueSize = 256

// Message is one event on the bus.
type Message struct {
	Type       Type      `json:"type"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	SubtaskID  string    `json:"subtask_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	PersonaID  string    `json:"persona_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE frames or logs.
func (m Message) Marshal() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Filter decides which message types a subscriber receives.
type Filter func(Type) bool

// All accepts every message type.
func All(Type) bool { return true }

// TypesOf accepts only the listed types.
func TypesOf(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(t Type) bool {
		_, ok := set[t]
		return ok
	}
}

// Subscription is one registered consumer. The caller drains C() and must
// call Bus.Unsubscribe when done.
type Subscription struct {
	name    string
	ch      chan Message
	filter  Filter
	dropped uint64
}

// C returns the receive channel. It is closed on Unsubscribe and on Bus.Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Name returns the subscriber name given at registration.
func (s *Subscription) Name() string { return s.name }

// Bus is the in-memory message bus.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	history map[string]*ring
	cap     int
	nextSeq uint64
	closed  bool
	logger  *zap.Logger
}

// New creates a bus whose per-workflow replay rings hold capacity messages.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		history: make(map[string]*ring),
		cap:     capacity,
		logger:  logger,
	}
}

// Subscribe registers a consumer. filter may be nil to receive everything;
// buffer <= 0 selects DefaultQueueSize.
func (b *Bus) Subscribe(name string, filter Filter, buffer int) *Subscription {
	if filter == nil {
		filter = All
	}
	if buffer <= 0 {
		buffer = DefaultQueueSize
	}
	sub := &Subscription{
		name:   name,
		ch:     make(chan Message, buffer),
		filter: filter,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish assigns a sequence number and delivers msg to every matching
// subscriber without blocking. A full queue evicts its oldest entry so slow
// consumers lose history, never hold up publishers.
func (b *Bus) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	msg.Seq = b.nextSeq
	b.nextSeq++

	if msg.WorkflowID != "" {
		rg := b.history[msg.WorkflowID]
		if rg == nil {
			rg = newRing(b.cap)
			b.history[msg.WorkflowID] = rg
		}
		rg.push(msg)
	}

	metrics.BusPublished.WithLabelValues(string(msg.Type)).Inc()

	for sub := range b.subs {
		if !sub.filter(msg.Type) {
			continue
		}
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		// Queue full: evict the oldest entry, then retry once.
		select {
		case <-sub.ch:
		default:
		}
		sub.dropped++
		metrics.BusDropped.WithLabelValues(sub.name).Inc()
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// Dropped returns how many messages have been evicted from sub's queue.
func (b *Bus) Dropped(sub *Subscription) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sub.dropped
}

// ReplaySince returns buffered messages for a workflow with Seq > since,
// best-effort within ring capacity.
func (b *Bus) ReplaySince(workflowID string, since uint64) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	rg := b.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// DropHistory releases the replay ring for a finished workflow.
func (b *Bus) DropHistory(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, workflowID)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// ring is a fixed-capacity buffer of messages for replay.
type ring struct {
	buf   []Message
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Message, capacity)} }

func (r *ring) push(m Message) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Message {
	if r.count == 0 {
		return nil
	}
	out := make([]Message, 0, r.count)
	for i := 0; i < r.count; i++ {
		m := r.buf[(r.start+i)%len(r.buf)]
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}
