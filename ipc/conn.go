package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnErrorKind classifies channel transport errors.
type ConnErrorKind int

const (
	// ConnErrorClosed indicates the channel is closed, poisoned, or the
	// peer went away. Operations on a closed channel fail fast.
	ConnErrorClosed ConnErrorKind = iota
	// ConnErrorTimeout indicates a deadline expired mid-operation.
	ConnErrorTimeout
	// ConnErrorIO indicates any other transport failure.
	ConnErrorIO
)

// ConnError represents a channel transport error.
type ConnError struct {
	Kind ConnErrorKind
	Op   string
	Err  error
}

func (e *ConnError) Error() string {
	kind := "io"
	switch e.Kind {
	case ConnErrorClosed:
		kind = "closed"
	case ConnErrorTimeout:
		kind = "timeout"
	}
	if e.Err != nil {
		return fmt.Sprintf("conn %s: %s: %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("conn %s: %s", e.Op, kind)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsConnClosed returns true if err marks the channel as gone. Reads and
// writes after such an error can only fail; the caller must redial.
func IsConnClosed(err error) bool {
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return connErr.Kind == ConnErrorClosed
	}
	return false
}

// Conn is one framed duplex channel to the service. Writes are
// serialized internally so concurrent callers never interleave frame
// bytes; reads are expected from a single goroutine.
//
// A fatal frame error on either direction poisons the Conn: the byte
// stream boundary is gone and every later operation fails with
// ConnErrorClosed until the caller dials a fresh channel.
type Conn struct {
	nc  net.Conn
	dec *FrameDecoder

	writeMu sync.Mutex
	bw      *bufio.Writer
	enc     *FrameEncoder

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	down      atomic.Bool
}

// NewConn wraps an established transport. writeTimeout bounds each
// frame write; zero disables the deadline.
func NewConn(nc net.Conn, writeTimeout time.Duration) *Conn {
	bw := bufio.NewWriter(nc)
	return &Conn{
		nc:           nc,
		dec:          NewFrameDecoder(bufio.NewReader(nc)),
		bw:           bw,
		enc:          NewFrameEncoder(bw),
		writeTimeout: writeTimeout,
	}
}

// Dial connects to the service at addr (host:port on loopback) and
// wraps the stream. The context bounds connection establishment only.
func Dial(ctx context.Context, addr string, writeTimeout time.Duration) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnError{Kind: classifyNetErr(err), Op: "dial", Err: err}
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		// Frames are small and latency-sensitive; coalescing helps nobody
		// on loopback.
		_ = tc.SetNoDelay(true)
	}
	return NewConn(nc, writeTimeout), nil
}

// RemoteAddr returns the peer address for log fields.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Write marshals v and sends it as one frame, flushing before it
// returns. Oversized or unmarshalable payloads fail with *FrameError
// and leave the channel usable; transport failures poison the channel
// and fail with *ConnError.
func (c *Conn) Write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.down.Load() {
		return &ConnError{Kind: ConnErrorClosed, Op: "write"}
	}

	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.down.Store(true)
			return &ConnError{Kind: classifyNetErr(err), Op: "write", Err: err}
		}
	}

	if err := c.enc.WriteFrame(v); err != nil {
		return c.mapWriteErr(err)
	}
	if err := c.bw.Flush(); err != nil {
		c.down.Store(true)
		return &ConnError{Kind: classifyNetErr(err), Op: "write", Err: err}
	}
	return nil
}

// mapWriteErr keeps frame-level failures (encode, oversized) distinct
// from transport failures. Only the latter kill the channel: an
// oversized payload never touched the wire.
func (c *Conn) mapWriteErr(err error) error {
	var frameErr *FrameError
	if errors.As(err, &frameErr) && frameErr.Kind != FrameErrorPartial {
		return err
	}
	c.down.Store(true)
	return &ConnError{Kind: classifyNetErr(err), Op: "write", Err: err}
}

// Read blocks for the next inbound frame and decodes it via
// DecodeFrame. Transport failures and clean EOF return *ConnError with
// ConnErrorClosed or ConnErrorIO; fatal frame errors poison the channel
// and are returned as *FrameError so callers can distinguish a torn
// stream from a peer that merely went away. A non-fatal decode error is
// returned per frame and the channel stays readable.
func (c *Conn) Read() (any, error) {
	if c.down.Load() {
		return nil, &ConnError{Kind: ConnErrorClosed, Op: "read"}
	}

	payload, err := c.dec.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.down.Store(true)
			return nil, &ConnError{Kind: ConnErrorClosed, Op: "read", Err: err}
		}
		var frameErr *FrameError
		if errors.As(err, &frameErr) {
			if frameErr.IsFatal() {
				c.down.Store(true)
			}
			if errors.Is(frameErr.Err, net.ErrClosed) {
				return nil, &ConnError{Kind: ConnErrorClosed, Op: "read", Err: frameErr.Err}
			}
			return nil, err
		}
		c.down.Store(true)
		return nil, &ConnError{Kind: classifyNetErr(err), Op: "read", Err: err}
	}

	v, err := DecodeFrame(payload)
	if err != nil {
		// Stream is still aligned; the caller decides whether to skip.
		return nil, err
	}
	return v, nil
}

// Close tears down the transport. It is idempotent; later calls return
// the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.down.Store(true)
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// Closed reports whether the channel has been closed or poisoned.
func (c *Conn) Closed() bool {
	return c.down.Load()
}

func classifyNetErr(err error) ConnErrorKind {
	if errors.Is(err, net.ErrClosed) {
		return ConnErrorClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ConnErrorTimeout
	}
	return ConnErrorIO
}
