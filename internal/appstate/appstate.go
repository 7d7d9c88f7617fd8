// Package appstate tracks, on the sender side, the set of receivers
// simultaneously attached to one transfer. It is the Go counterpart of
// the original implementation's receiver-keyed session table: one
// record per receiver, capped at a configurable maximum, queryable for
// progress reporting.
package appstate

import (
	"errors"
	"sync"
	"time"

	"github.com/thruflux/thruflux/internal/ice"
	"github.com/thruflux/thruflux/internal/transfer"
)

// ErrMaxReceiversReached is returned by Add when the registry is
// already at capacity.
var ErrMaxReceiversReached = errors.New("appstate: max receivers reached")

// Status is the coarse lifecycle state of one receiver's attachment,
// surfaced to a progress display.
type Status string

const (
	StatusConnecting Status = "CONNECTING"
	StatusTransfer   Status = "TRANSFERRING"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

// Receiver holds everything the sender tracks about one attached
// receiver for the lifetime of its connection.
type Receiver struct {
	ReceiverID string
	JoinedAt   time.Time

	mu     sync.RWMutex
	status Status
	link   string
	cc     *transfer.ConnectionContext

	// prober is set once ICE probing has started for this receiver's
	// QUIC connection. It is accessed only from the sender's single
	// signaling-read goroutine, so it needs no lock of its own.
	prober *ice.Prober
}

// Prober returns the receiver's network prober, or nil before ICE has
// started for this receiver.
func (r *Receiver) Prober() *ice.Prober {
	return r.prober
}

// SetProber attaches the network prober used to reach this receiver.
func (r *Receiver) SetProber(p *ice.Prober) {
	r.prober = p
}

// Status returns the receiver's current lifecycle state.
func (r *Receiver) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// SetStatus updates the receiver's lifecycle state.
func (r *Receiver) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Link returns the rendezvous link (join code URL) shown for this
// receiver, if any.
func (r *Receiver) Link() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.link
}

// SetLink sets the rendezvous link shown for this receiver.
func (r *Receiver) SetLink(link string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.link = link
}

// ConnectionContext returns the receiver's current ConnectionContext,
// or nil before its connection has been established.
func (r *Receiver) ConnectionContext() *transfer.ConnectionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cc
}

// SetConnectionContext attaches or replaces the receiver's
// ConnectionContext. Called once the sender's SenderPipeline.Run has
// produced one for this receiver's connection.
func (r *Receiver) SetConnectionContext(cc *transfer.ConnectionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cc = cc
}

// Registry is the sender-side table of attached receivers, keyed by
// receiver ID, bounded at MaxReceivers entries. A Registry is safe for
// concurrent use by the scheduler's per-connection goroutines.
type Registry struct {
	mu           sync.Mutex
	maxReceivers int
	receivers    map[string]*Receiver
}

// NewRegistry creates a Registry capped at maxReceivers entries.
// maxReceivers <= 0 means unbounded.
func NewRegistry(maxReceivers int) *Registry {
	return &Registry{
		maxReceivers: maxReceivers,
		receivers:    make(map[string]*Receiver),
	}
}

// Add registers a new receiver, returning ErrMaxReceiversReached if
// the registry is already at capacity. Re-adding an existing
// receiverID returns its existing record rather than erroring, since
// that occurs naturally if a receiver reconnects with the same ID.
func (reg *Registry) Add(receiverID string) (*Receiver, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.receivers[receiverID]; ok {
		return existing, nil
	}
	if reg.maxReceivers > 0 && len(reg.receivers) >= reg.maxReceivers {
		return nil, ErrMaxReceiversReached
	}

	r := &Receiver{
		ReceiverID: receiverID,
		JoinedAt:   time.Now(),
		status:     StatusConnecting,
		link:       "?",
	}
	reg.receivers[receiverID] = r
	return r, nil
}

// Get returns the receiver with the given ID, if attached.
func (reg *Registry) Get(receiverID string) (*Receiver, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.receivers[receiverID]
	return r, ok
}

// Remove detaches a receiver, freeing its slot for a new one.
func (reg *Registry) Remove(receiverID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.receivers, receiverID)
}

// Snapshot returns every currently attached receiver. The order is
// unspecified.
func (reg *Registry) Snapshot() []*Receiver {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Receiver, 0, len(reg.receivers))
	for _, r := range reg.receivers {
		out = append(out, r)
	}
	return out
}

// Count returns the number of currently attached receivers.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.receivers)
}
