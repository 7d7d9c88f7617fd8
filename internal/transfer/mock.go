package transfer

import (
	"context"
	"io"
	"net"
	"sync"
)

// MockTransport is an in-memory Transport for tests. Two instances
// created by NewMockPair can dial and accept from each other without
// touching a real socket.
type MockTransport struct {
	mu             sync.Mutex
	acceptChan     chan *mockConn
	peerAcceptChan chan *mockConn
	connections    map[*mockConn]bool
	closed         bool
}

// NewMockPair creates two MockTransport instances wired to accept
// connections from each other.
func NewMockPair() (*MockTransport, *MockTransport) {
	aAccept := make(chan *mockConn, 1)
	bAccept := make(chan *mockConn, 1)

	a := &MockTransport{acceptChan: aAccept, peerAcceptChan: bAccept, connections: make(map[*mockConn]bool)}
	b := &MockTransport{acceptChan: bAccept, peerAcceptChan: aAccept, connections: make(map[*mockConn]bool)}
	return a, b
}

type mockConn struct {
	mu             sync.Mutex
	transport      *MockTransport
	other          *mockConn
	streamChan     chan *mockStream
	pendingStreams []*mockStream
	closed         bool
}

type mockStream struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	closed bool
}

var (
	_ Transport = (*MockTransport)(nil)
	_ Conn      = (*mockConn)(nil)
	_ Stream    = (*mockStream)(nil)
)

func (t *MockTransport) Dial(ctx context.Context, peerID string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.mu.Unlock()

	local := &mockConn{streamChan: make(chan *mockStream, 10)}
	remote := &mockConn{streamChan: make(chan *mockStream, 10)}
	local.other = remote
	remote.other = local

	t.mu.Lock()
	t.connections[local] = true
	t.mu.Unlock()

	select {
	case t.peerAcceptChan <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	local.transport = t
	return local, nil
}

func (t *MockTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-t.acceptChan:
		if conn == nil {
			return nil, io.ErrClosedPipe
		}
		conn.transport = t
		t.mu.Lock()
		t.connections[conn] = true
		t.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*mockConn, 0, len(t.connections))
	for conn := range t.connections {
		conns = append(conns, conn)
	}
	t.connections = nil
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}

func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	local := &mockStream{reader: inR, writer: outW}
	remote := &mockStream{reader: outR, writer: inW}

	select {
	case c.other.streamChan <- remote:
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
	c.mu.Lock()
	c.pendingStreams = append(c.pendingStreams, local)
	c.mu.Unlock()
	return local, nil
}

func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case stream := <-c.streamChan:
		c.mu.Lock()
		c.pendingStreams = append(c.pendingStreams, stream)
		c.mu.Unlock()
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) RemoteAddr() net.Addr { return mockAddr{} }

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.pendingStreams {
		s.Close()
	}
	c.pendingStreams = nil
	if c.transport != nil {
		c.transport.mu.Lock()
		delete(c.transport.connections, c)
		c.transport.mu.Unlock()
	}
	return nil
}

func (s *mockStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	r := s.reader
	s.mu.Unlock()
	return r.Read(p)
}

func (s *mockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	w := s.writer
	s.mu.Unlock()
	return w.Write(p)
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.reader != nil {
		s.reader.Close()
	}
	if s.writer != nil {
		s.writer.Close()
	}
	return nil
}

// CloseWrite half-closes the write direction only; the peer sees EOF
// on its read but this side can keep reading.
func (s *mockStream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

type mockAddr struct{}

func (mockAddr) Network() string { return "mock" }
func (mockAddr) String() string  { return "mock" }
