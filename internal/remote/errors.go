package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the cluster.
type APIError struct {
	Op     string
	Status int
	Type   string
	Reason string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: HTTP %d", e.Op, e.Status)
	if e.Type != "" {
		b.WriteString(" " + e.Type)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	return b.String()
}

// Is lets errors.Is match the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAlreadyExists:
		return e.Status == http.StatusBadRequest &&
			(e.Type == "invalid_snapshot_name_exception" || strings.Contains(e.Reason, "already exists"))
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

type esErrorBody struct {
	Error json.RawMessage `json:"error"`
}

type esErrorDetail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func decodeAPIError(op string, status int, body []byte) *APIError {
	e := &APIError{Op: op, Status: status}
	var wrap esErrorBody
	if err := json.Unmarshal(body, &wrap); err != nil || len(wrap.Error) == 0 {
		e.Reason = truncate(strings.TrimSpace(string(body)), 300)
		return e
	}
	var d esErrorDetail
	if err := json.Unmarshal(wrap.Error, &d); err == nil {
		e.Type, e.Reason = d.Type, d.Reason
		return e
	}
	// older clusters send "error" as a plain string
	var s string
	if err := json.Unmarshal(wrap.Error, &s); err == nil {
		e.Reason = s
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsAlreadyExists is shorthand for errors.Is(err, ErrAlreadyExists).
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
