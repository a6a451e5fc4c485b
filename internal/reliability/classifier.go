package reliability

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsNormalClose reports whether err ended a websocket the way the peer
// intended: a normal or going-away close frame.
func IsNormalClose(err error) bool {
	if err == nil {
		return true
	}
	switch CloseCode(err) {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return true
	default:
		return false
	}
}

// CloseCode extracts the websocket close code, or 0 when err carries none.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// TransportErrorCode is a short label for metrics and status text.
func TransportErrorCode(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsNormalClose(err):
		return "closed"
	case CloseCode(err) == websocket.CloseAbnormalClosure:
		return "abnormal_closure"
	case CloseCode(err) != 0:
		return "close_error"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "transport_error"
}
