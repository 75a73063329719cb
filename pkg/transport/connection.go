// Package transport wraps a client socket in a Connection that sends and
// receives whole protocol envelopes.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

var (
	// ErrIOFailure means the stream is closed, reset, or unreachable.
	ErrIOFailure = errors.New("transport: io failure")
	// ErrDecodeFailure means bytes arrived that are not a well-formed envelope.
	ErrDecodeFailure = errors.New("transport: decode failure")
)

// Stream is the socket a Connection owns. *net.TCPConn and any other
// net.Conn satisfy it; WebSocketStream adapts a websocket.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Connection owns one Stream.
//
// Send may be called from any goroutine; writes are serialized so frames
// never interleave. Receive must only be called from a single goroutine.
// Close is idempotent and unblocks a pending Receive or Send.
type Connection struct {
	stream       Stream
	writeTimeout time.Duration

	mu     sync.Mutex // serializes writes to stream
	buf    []byte     // reused frame buffer, guarded by mu
	broken atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewConnection wraps s. A non-zero writeTimeout bounds every Send.
func NewConnection(s Stream, writeTimeout time.Duration) *Connection {
	return &Connection{
		stream:       s,
		writeTimeout: writeTimeout,
	}
}

// Send writes one envelope and returns once it has been handed to the
// socket in full.
func (c *Connection) Send(e protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("%w: send on closed connection", ErrIOFailure)
	}

	frame, err := protocol.AppendFrame(c.buf[:0], e)
	if err != nil {
		// The envelope itself can't be framed; the stream is still usable.
		return err
	}
	c.buf = frame

	if c.writeTimeout > 0 {
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.stream.Write(frame); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}

// Receive blocks until one whole envelope has been read.
func (c *Connection) Receive() (protocol.Envelope, error) {
	e, err := protocol.ReadEnvelope(c.stream)
	if err == nil {
		return e, nil
	}
	if c.closed.Load() {
		return protocol.Envelope{}, fmt.Errorf("%w: connection closed", ErrIOFailure)
	}
	if protocol.IsDecodeError(err) {
		return protocol.Envelope{}, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
	return protocol.Envelope{}, fmt.Errorf("%w: %w", ErrIOFailure, err)
}

// Close releases the stream. Only the first call closes it; later calls
// return the same result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.stream.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Broken reports whether a Send on this connection has failed at the
// stream level.
func (c *Connection) Broken() bool {
	return c.broken.Load()
}

// SetReadDeadline bounds the next Receive. The zero time clears it.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.stream.RemoteAddr()
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
