package live

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/partskiosk/internal/redact"
)

// DefaultURL is the BidiGenerateContent websocket endpoint.
const DefaultURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// Transport is one duplex message channel to the live endpoint.
// Send may be called concurrently with Receive; Close unblocks both.
type Transport interface {
	Send(ctx context.Context, msg any) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WebsocketDialer dials the live endpoint with the API key in the query string.
type WebsocketDialer struct {
	URL       string
	APIKey    string
	ReadLimit int64
	dialer    websocket.Dialer
}

func NewWebsocketDialer(rawURL, apiKey string) *WebsocketDialer {
	if strings.TrimSpace(rawURL) == "" {
		rawURL = DefaultURL
	}
	return &WebsocketDialer{
		URL:       rawURL,
		APIKey:    apiKey,
		ReadLimit: 16 << 20,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	u, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil {
		return nil, fmt.Errorf("parse live url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("live url must use ws or wss, got %q", u.Scheme)
	}
	if key := strings.TrimSpace(d.APIKey); key != "" {
		q := u.Query()
		q.Set("key", key)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		// Handshake errors can echo the request URL, which carries the key.
		msg := redact.Secrets(err.Error(), d.APIKey)
		if resp != nil {
			return nil, fmt.Errorf("dial live endpoint (%s): %s", resp.Status, msg)
		}
		return nil, fmt.Errorf("dial live endpoint: %s", msg)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Send(ctx context.Context, msg any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// Close sends a normal closure frame and closes the socket. WriteControl is
// safe to call concurrently with a blocked WriteJSON.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
