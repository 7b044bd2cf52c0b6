// Package websockettest drives relay websocket sessions from tests.
package websockettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"hiprint/transit/internal/protocol"
)

// Peer is a test websocket session speaking the relay envelope.
type Peer struct {
	Conn *websocket.Conn
}

// WebsocketURL turns an httptest server URL into the relay websocket endpoint.
func WebsocketURL(serverURL string, query url.Values) string {
	target := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

// Dial connects to the relay at serverURL with the handshake query.
func Dial(serverURL string, query url.Values) (*Peer, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(WebsocketURL(serverURL, query), nil)
	if err != nil {
		return nil, resp, err
	}
	return &Peer{Conn: conn}, resp, nil
}

// DialIgnoringPongs connects like Dial but never answers the relay's pings, so
// tests can simulate a peer whose keepalive has lapsed.
func DialIgnoringPongs(serverURL string, query url.Values) (*Peer, *http.Response, error) {
	peer, resp, err := Dial(serverURL, query)
	if err != nil {
		return nil, resp, err
	}
	peer.Conn.SetPingHandler(func(string) error { return nil })
	peer.Conn.SetPongHandler(func(string) error { return nil })
	return peer, resp, nil
}

// Emit sends one event frame.
func (p *Peer) Emit(event string, data any, args ...any) error {
	var extra []json.RawMessage
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return err
		}
		extra = append(extra, raw)
	}
	frame, err := protocol.Encode(event, data, extra...)
	if err != nil {
		return err
	}
	return p.Conn.WriteMessage(websocket.TextMessage, frame)
}

// Next reads the next frame within timeout.
func (p *Peer) Next(timeout time.Duration) (protocol.Envelope, error) {
	if err := p.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Envelope{}, err
	}
	_, data, err := p.Conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// Await skips frames until one named event arrives or timeout elapses.
func (p *Peer) Await(event string, timeout time.Duration) (protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Envelope{}, fmt.Errorf("timed out waiting for %q", event)
		}
		env, err := p.Next(remaining)
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("waiting for %q: %w", event, err)
		}
		if env.Event == event {
			return env, nil
		}
	}
}

// Close sends a normal close frame and closes the socket.
func (p *Peer) Close() error {
	_ = p.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return p.Conn.Close()
}
