// Package scheduler runs one goroutine per ConnectionContext: the
// Go-native analogue of the single-threaded cooperative loop a
// callback-driven QUIC engine would need. Each goroutine owns its
// connection exclusively; the Scheduler itself only tracks how many
// are in flight and caps concurrency.
package scheduler

import (
	"context"
	"sync"

	"github.com/thruflux/thruflux/internal/transfer"
)

// Pipeline drives a single accepted or dialed connection to
// completion and returns its final ConnectionContext.
type Pipeline func(ctx context.Context, conn transfer.Conn) (*transfer.ConnectionContext, error)

// Outcome reports one connection's terminal state, delivered to
// OnDone as goroutines finish. Order across connections is not
// guaranteed.
type Outcome struct {
	Conn transfer.Conn
	CC   *transfer.ConnectionContext
	Err  error
}

// Scheduler bounds the number of simultaneously running Pipelines and
// keeps a snapshot of the ones currently in flight, keyed by their
// Conn, for progress reporting.
type Scheduler struct {
	mu     sync.Mutex
	active map[transfer.Conn]*transfer.ConnectionContext
	sem    chan struct{}
	onDone func(Outcome)
	wg     sync.WaitGroup
}

// New creates a Scheduler that runs at most maxConcurrent Pipelines at
// once. maxConcurrent <= 0 means unbounded. onDone, if non-nil, is
// called from the finishing goroutine for every completed connection.
func New(maxConcurrent int, onDone func(Outcome)) *Scheduler {
	s := &Scheduler{
		active: make(map[transfer.Conn]*transfer.ConnectionContext),
		onDone: onDone,
	}
	if maxConcurrent > 0 {
		s.sem = make(chan struct{}, maxConcurrent)
	}
	return s
}

// Serve accepts connections from transport in a loop and runs
// pipeline for each on its own goroutine, until Accept returns an
// error (including context cancellation), which Serve then returns.
func (s *Scheduler) Serve(ctx context.Context, transport transfer.Transport, pipeline Pipeline) error {
	for {
		conn, err := transport.Accept(ctx)
		if err != nil {
			s.wg.Wait()
			return err
		}
		s.spawn(ctx, conn, pipeline)
	}
}

// Run drives a single already-established conn (typically the
// sender's outbound dial) through pipeline on its own goroutine and
// returns immediately; call Wait to block for completion.
func (s *Scheduler) Run(ctx context.Context, conn transfer.Conn, pipeline Pipeline) {
	s.spawn(ctx, conn, pipeline)
}

// Wait blocks until every spawned Pipeline has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) spawn(ctx context.Context, conn transfer.Conn, pipeline Pipeline) {
	if s.sem != nil {
		s.sem <- struct{}{}
	}
	s.mu.Lock()
	s.active[conn] = transfer.NewConnectionContext(conn)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if s.sem != nil {
				<-s.sem
			}
		}()

		cc, err := pipeline(ctx, conn)

		s.mu.Lock()
		if cc != nil {
			s.active[conn] = cc
		} else {
			delete(s.active, conn)
		}
		s.mu.Unlock()

		if s.onDone != nil {
			s.onDone(Outcome{Conn: conn, CC: cc, Err: err})
		}

		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
	}()
}

// Snapshot returns a point-in-time copy of every ConnectionContext
// currently in flight, keyed by connection. Callers must not mutate
// the returned contexts; another goroutine owns them.
func (s *Scheduler) Snapshot() map[transfer.Conn]*transfer.ConnectionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[transfer.Conn]*transfer.ConnectionContext, len(s.active))
	for k, v := range s.active {
		out[k] = v
	}
	return out
}

// ActiveCount returns the number of Pipelines currently running.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
