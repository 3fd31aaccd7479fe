package session

import (
	"fmt"
)

// ProtocolError reports a non-success response or an undecodable body from
// the session service.
type ProtocolError struct {
	Op     string // ensure-session, upload-file, execute-code, get-status, download-file
	Status int    // HTTP status, 0 when the response itself was fine
	Body   string // truncated response body
	Err    error  // decode failure or other cause
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: session service returned %d: %s", e.Op, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": protocol error"
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StatusCode exposes the HTTP status for retry classification.
func (e *ProtocolError) StatusCode() int { return e.Status }

// Kind names the error class in persisted run state.
func (e *ProtocolError) Kind() string { return "ProtocolError" }

const maxErrorBody = 512

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
