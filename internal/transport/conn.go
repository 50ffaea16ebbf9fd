// Package transport wraps a single WebSocket connection behind a small send/receive/close surface, isolating the
// hub's state machine from the underlying library.
package transport

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// writeWait bounds how long a single outbound frame write may block.
const writeWait = 10 * time.Second

// Conn wraps a single WebSocket connection. All methods are safe for concurrent use: Send may be called from any
// goroutine that wants to push a frame to the client, while Recv is expected to be called from a single reader loop.
type Conn struct {
	ws            *websocket.Conn
	maxFrameBytes int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Wrap adapts an established WebSocket connection. maxFrameBytes bounds the size of a single inbound message; a peer
// that exceeds it gets its connection closed by the underlying library without the oversized frame ever reaching
// Recv.
func Wrap(ws *websocket.Conn, maxFrameBytes int64) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{
		ws:            ws,
		maxFrameBytes: maxFrameBytes,
		closed:        make(chan struct{}),
	}
}

// Send writes a single text frame. Sending on a connection that is already closed, locally or by the peer, is a
// silent no-op rather than an error: by the time a caller decides to push a frame, the peer may have already gone
// away, and that race is not a failure the caller needs to handle.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		if isAlreadyClosed(err) {
			return nil
		}
		return err
	}
	return nil
}

// Recv blocks until the next text frame arrives, the peer closes the connection, or the connection is closed
// locally. An oversized inbound frame surfaces here as a close error; the underlying library has already sent the
// peer a close frame before returning it.
func (c *Conn) Recv() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Close sends a close frame carrying code and reason, then tears down the connection. It is idempotent; only the
// first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// isAlreadyClosed reports whether err represents a write to a connection that is already gone, as opposed to a real
// transport failure.
func isAlreadyClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	if _, ok := err.(*websocket.CloseError); ok {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
