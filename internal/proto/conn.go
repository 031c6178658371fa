package proto

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Sender is the write half of a tunnel connection. The registry hands it to
// the gateway so request frames can be pushed without exposing the socket.
type Sender interface {
	Send(f Frame) error
}

const writeWait = 10 * time.Second

// Conn wraps a websocket connection with serialized writes. gorilla/websocket
// allows at most one concurrent writer, and frames for one exchange are
// emitted from several goroutines (gateway handler, heartbeat, reader loop).
type Conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func NewConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

// Send marshals and writes one frame.
func (c *Conn) Send(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Ping writes a websocket ping control frame.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadRaw blocks for the next data message and returns its payload. An error
// here is a transport error; decoding is the caller's concern so a malformed
// frame can be dropped without ending the read loop. Only one goroutine may
// call ReadRaw.
func (c *Conn) ReadRaw() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// CloseWithReason sends a close frame carrying a machine-readable code, then
// closes the socket.
func (c *Conn) CloseWithReason(code int, reason string) error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.ws.Close()
}

// Close closes the underlying socket without a close handshake.
func (c *Conn) Close() error { return c.ws.Close() }

// SetReadDeadline forwards to the underlying socket; the heartbeat loop uses
// it to bound how long a silent peer stays registered.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

// SetPongHandler forwards to the underlying socket.
func (c *Conn) SetPongHandler(h func(string) error) { c.ws.SetPongHandler(h) }
