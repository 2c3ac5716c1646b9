package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// wsTransport serializes JSON-RPC calls over a single websocket
// connection. Calls are strictly one-at-a-time; the engine's retry
// loop sits above this, so lost connections surface as retryable
// failures and the next call redials.
type wsTransport struct {
	url     string
	headers map[string]string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(url string, headers map[string]string) *wsTransport {
	return &wsTransport{url: url, headers: headers}
}

func (t *wsTransport) call(ctx context.Context, body []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		header := http.Header{}
		for k, v := range t.headers {
			header.Set(k, v)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
		if err != nil {
			return nil, retryableTransportErr(err, "dialing websocket "+t.url)
		}
		t.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		_ = t.conn.SetReadDeadline(deadline)
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.dropLocked()
		return nil, retryableTransportErr(err, "writing websocket message")
	}

	// Requests are serialized, so the next text message answers this
	// call. Subscription pushes are not supported on this transport.
	for {
		msgType, raw, err := t.conn.ReadMessage()
		if err != nil {
			t.dropLocked()
			return nil, retryableTransportErr(err, "reading websocket message")
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !json.Valid(raw) {
			return nil, keelerr.WithDetails(keelerr.ErrInvalidResponse, map[string]string{
				"url":    t.url,
				"reason": "non-JSON websocket frame",
			})
		}
		return raw, nil
	}
}

// dropLocked discards the connection so the next call redials.
func (t *wsTransport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *wsTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
}
