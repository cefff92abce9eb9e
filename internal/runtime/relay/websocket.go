package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// recordSeparator terminates every frame of the SignalR JSON hub protocol.
const recordSeparator = 0x1e

const invocationMessageType = 1

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

type invocation struct {
	Type      int      `json:"type"`
	Target    string   `json:"target"`
	Arguments []string `json:"arguments"`
}

// WebSocketNotifier invokes a method on a SignalR hub. Every notification
// opens its own connection, performs the JSON protocol handshake, sends one
// non-blocking invocation and closes.
type WebSocketNotifier struct {
	endpoint string
	method   string
	timeout  time.Duration
	dialer   *websocket.Dialer
}

// NewWebSocketNotifier creates a notifier for the hub at endpoint. http and
// https endpoints are dialled as ws and wss.
func NewWebSocketNotifier(endpoint, method string, timeout time.Duration) *WebSocketNotifier {
	method, timeout = withDefaults(method, timeout)
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeout
	return &WebSocketNotifier{
		endpoint: websocketURL(endpoint),
		method:   method,
		timeout:  timeout,
		dialer:   &dialer,
	}
}

func (w *WebSocketNotifier) Endpoint() string { return w.endpoint }

func (w *WebSocketNotifier) Notify(ctx context.Context, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	conn, resp, err := w.dialer.DialContext(ctx, w.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	if err := w.handshake(conn); err != nil {
		return err
	}

	frame, err := encodeFrame(invocation{
		Type:      invocationMessageType,
		Target:    w.method,
		Arguments: []string{n.Subject, n.CorrelationID},
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send invocation: %w", err)
	}

	// best effort; the invocation is already on the wire
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func (w *WebSocketNotifier) handshake(conn *websocket.Conn) error {
	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	record, _, _ := bytes.Cut(data, []byte{recordSeparator})
	var reply handshakeResponse
	if err := codec.Unmarshal(record, &reply); err != nil {
		return fmt.Errorf("decode handshake response: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("hub rejected handshake: %w", errors.New(reply.Error))
	}
	return nil
}

func encodeFrame(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, recordSeparator), nil
}

func websocketURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
