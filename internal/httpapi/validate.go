package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/dirigent-run/dirigent/internal/taskerr"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeTaskError maps a taxonomy error onto its response status.
func writeTaskError(w http.ResponseWriter, err error) {
	code := taskerr.CodeOf(err)
	writeJSON(w, httpStatusOf(code), errorBody{Error: err.Error(), Code: string(code)})
}

// httpStatusOf maps taxonomy codes onto HTTP statuses. Subtask-level
// inference failures never reach here; they ride inside the 200 record.
func httpStatusOf(code taskerr.Code) int {
	switch code {
	case taskerr.CodeValidation:
		return http.StatusBadRequest
	case taskerr.CodeDecomposition:
		return http.StatusUnprocessableEntity
	case taskerr.CodeState:
		return http.StatusConflict
	case taskerr.CodeInferenceUnreachable, taskerr.CodeInferenceBackend:
		return http.StatusBadGateway
	case taskerr.CodeInferenceTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON binds the request body to v, rejecting unknown fields,
// oversize bodies and trailing garbage.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return taskerr.New(taskerr.CodeValidation, "request body exceeds %d bytes", maxErr.Limit)
		}
		return taskerr.Wrap(taskerr.CodeValidation, err, "malformed request body")
	}
	if dec.More() {
		return taskerr.New(taskerr.CodeValidation, "request body has trailing data")
	}
	return nil
}

// checkString enforces the field length cap and rejects control characters
// other than tab, carriage return and newline.
func (s *Server) checkString(field, value string) error {
	if len(value) > s.cfg.MaxStringLen {
		return taskerr.New(taskerr.CodeValidation, "%s exceeds %d bytes", field, s.cfg.MaxStringLen)
	}
	for _, r := range value {
		if r == '\t' || r == '\r' || r == '\n' {
			continue
		}
		if unicode.IsControl(r) {
			return taskerr.New(taskerr.CodeValidation, "%s contains control characters", field)
		}
	}
	return nil
}

// sandboxPath resolves p against the workspace and rejects anything that
// escapes it: absolute paths, dot-dot traversal and symlinks pointing out.
// The returned path is absolute and safe to open.
func sandboxPath(base, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", taskerr.New(taskerr.CodeValidation, "path is required")
	}
	if filepath.IsAbs(p) {
		return "", taskerr.New(taskerr.CodeValidation, "absolute paths are not allowed")
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", taskerr.New(taskerr.CodeValidation, "path escapes the workspace")
	}

	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeValidation, err, "resolve workspace")
	}
	baseReal, err := resolveExisting(baseAbs)
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeValidation, err, "resolve workspace")
	}

	full := filepath.Join(baseAbs, clean)
	resolved, err := resolveExisting(full)
	if err != nil {
		return "", taskerr.Wrap(taskerr.CodeValidation, err, "resolve %s", p)
	}
	if resolved != baseReal && !strings.HasPrefix(resolved, baseReal+string(os.PathSeparator)) {
		return "", taskerr.New(taskerr.CodeValidation, "path escapes the workspace")
	}
	return full, nil
}

// resolveExisting follows symlinks on the longest existing prefix of p so
// a not-yet-created file still validates against its real parent.
func resolveExisting(p string) (string, error) {
	suffix := ""
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}
