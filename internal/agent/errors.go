package agent

import (
	"errors"
	"fmt"

	"github.com/coder/acp-go-sdk"

	"github.com/claudeacp/claudeacp/internal/session"
)

// JSON-RPC error codes for request failures. Clients can dispatch on these
// without parsing messages.
const (
	CodeSessionNotFound    = -32001
	CodeBackendUnavailable = -32002
	CodeInvalidMode        = -32003
	CodeDuplicateSession   = -32010
	CodeAlreadyInFlight    = -32011
)

var errNoConnection = errors.New("no client connection attached")

// Error is a request failure tagged with its protocol code and the session
// it concerns.
type Error struct {
	Code      int
	SessionID acp.SessionId
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// sessionError maps session-layer failures to coded errors. Failures without
// a protocol code pass through wrapped with the session id.
func sessionError(id acp.SessionId, err error) error {
	code := codeFor(err)
	if code == 0 {
		return fmt.Errorf("session %s: %w", id, err)
	}
	return &Error{Code: code, SessionID: id, Err: err}
}

func codeFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		return CodeSessionNotFound
	case errors.Is(err, session.ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, session.ErrInvalidMode):
		return CodeInvalidMode
	case errors.Is(err, session.ErrDuplicateSession):
		return CodeDuplicateSession
	case errors.Is(err, session.ErrAlreadyInFlight):
		return CodeAlreadyInFlight
	}
	return 0
}
