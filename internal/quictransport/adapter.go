package quictransport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/thruflux/thruflux/internal/transfer"
)

var (
	_ transfer.Transport = (*Transport)(nil)
	_ transfer.Conn      = (*Conn)(nil)
	_ transfer.Stream    = (*Stream)(nil)
	_ transfer.StreamIDer = (*Stream)(nil)
)

// Transport adapts a single already-established QUIC connection or
// listener to the transfer package's Transport interface. A dialer
// wraps one outbound *quic.Conn (ICE has already produced the
// negotiated remote address; Dial's peerID argument is accepted for
// interface conformance and ignored); a listener wraps a
// *quic.Listener and mints one Conn per accepted connection.
type Transport struct {
	mu       sync.Mutex
	conn     *quic.Conn
	listener *quic.Listener
	logger   *slog.Logger
	closed   bool
}

// NewDialer wraps an outbound connection obtained from Dial or
// DialWithConfig.
func NewDialer(conn *quic.Conn, logger *slog.Logger) *Transport {
	return &Transport{conn: conn, logger: logger}
}

// NewListener wraps a listener obtained from Listen or
// ListenWithConfig.
func NewListener(listener *quic.Listener, logger *slog.Logger) *Transport {
	return &Transport{listener: listener, logger: logger}
}

// Dial returns the wrapped outbound connection. peerID is unused: the
// QUIC connection is already bound to a specific remote address
// negotiated by ICE before this adapter is constructed.
func (t *Transport) Dial(ctx context.Context, peerID string) (transfer.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, io.ErrClosedPipe
	}
	if t.conn == nil {
		return nil, fmt.Errorf("quictransport: not a dialer")
	}
	return &Conn{conn: t.conn, logger: t.logger}, nil
}

// Accept blocks for the next incoming QUIC connection.
func (t *Transport) Accept(ctx context.Context) (transfer.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	listener := t.listener
	t.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("quictransport: not a listener")
	}

	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept: %w", err)
	}
	t.logger.Info("connection accepted", "remote_addr", conn.RemoteAddr())
	return &Conn{conn: conn, logger: t.logger}, nil
}

// Close closes the listener, if this Transport wraps one. A dialer's
// underlying connection is left for its Conn.Close to tear down.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Conn adapts a *quic.Conn to transfer.Conn.
type Conn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	logger *slog.Logger
	closed bool
}

func (c *Conn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	conn := c.conn
	c.mu.Unlock()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open stream: %w", err)
	}
	c.logger.Debug("stream opened", "stream_id", stream.StreamID())
	return &Stream{stream: stream, logger: c.logger}, nil
}

func (c *Conn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	conn := c.conn
	c.mu.Unlock()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept stream: %w", err)
	}
	c.logger.Debug("stream accepted", "stream_id", stream.StreamID())
	return &Stream{stream: stream, logger: c.logger}, nil
}

func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.CloseWithError(0, "")
}

// Stream adapts a *quic.Stream to transfer.Stream and transfer.StreamIDer.
type Stream struct {
	mu     sync.Mutex
	stream *quic.Stream
	logger *slog.Logger
	closed bool
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	stream := s.stream
	s.mu.Unlock()
	return stream.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	stream := s.stream
	s.mu.Unlock()
	return stream.Write(p)
}

func (s *Stream) StreamID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.stream.StreamID())
}

// CloseWrite half-closes the send side with a FIN, the same graceful
// close quic.Stream.Close performs: the peer's Read drains any
// in-flight bytes and then sees a clean io.EOF. This deliberately
// does not use CancelWrite, which resets the send side and surfaces
// as an error on the peer's Read rather than an EOF.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Close()
}

// Close closes the stream. For a QUIC stream this is the same
// graceful send-side close as CloseWrite; the receive side is left
// for the peer to close or for idle-timeout cleanup.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}
