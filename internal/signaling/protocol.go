package signaling

import (
	"errors"
	"fmt"
)

// Relay event names.
const (
	EventJoin    = "join"
	EventJoined  = "joined"
	EventReady   = "ready"
	EventTrickle = "trickle"
	EventMessage = "message"
)

const (
	authCheckPath = "/api/auth/check"
	rtcConfigPath = "/api/webrtc/rtcConfig"
)

var (
	// ErrTransport covers relay connect and emit failures.
	ErrTransport = errors.New("signaling: transport error")
	// ErrHTTP is matched by every *HTTPError.
	ErrHTTP = errors.New("signaling: http error")
	// ErrProtocol marks malformed or unexpected relay payloads.
	ErrProtocol = errors.New("signaling: protocol error")
)

// HTTPError reports a failed side-channel request. StatusCode is zero when the
// request never produced a response.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *HTTPError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("signaling: GET %s: %v", e.URL, e.Err)
	case e.Body != "":
		return fmt.Sprintf("signaling: GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("signaling: GET %s: status %d", e.URL, e.StatusCode)
	}
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrHTTP
}

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
}
