package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// envelope is the text frame written for every emitted event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WebsocketDialer connects to a websocket collector and authenticates with a
// bearer token.
type WebsocketDialer struct {
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each emit. Defaults to 10s.
	WriteTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint, apiKey string) (Conn, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	write := d.WriteTimeout
	if write <= 0 {
		write = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	c, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("netmon: websocket dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("netmon: websocket dial %s: %w", endpoint, err)
	}

	wc := &wsConn{c: c, writeTimeout: write, done: make(chan struct{})}
	go wc.readLoop()
	return wc, nil
}

type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (w *wsConn) Emit(event string, v any) error {
	payload, err := json.Marshal(envelope{Event: event, Data: v})
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	select {
	case <-w.done:
		return websocket.ErrCloseSent
	default:
	}
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Done() <-chan struct{} { return w.done }

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.markDone()
	return w.c.Close()
}

// readLoop discards inbound frames; it exists to process control frames and
// notice when the peer goes away.
func (w *wsConn) readLoop() {
	defer w.markDone()
	for {
		if _, _, err := w.c.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *wsConn) markDone() {
	w.once.Do(func() { close(w.done) })
}
