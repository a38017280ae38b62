package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/qbridge/contracts"
)

var (
	// ErrDuplicateCorrelation indicates a correlation id that is already
	// registered for an in-flight request.
	ErrDuplicateCorrelation = errors.New("bridge: correlation id already registered")

	// ErrTimeout indicates that no response arrived within the wait window.
	ErrTimeout = errors.New("bridge: request timed out")

	// ErrCancelled indicates the request was abandoned before a response
	// arrived, either through context cancellation or an explicit Cancel.
	ErrCancelled = errors.New("bridge: request cancelled")
)

type resolution struct {
	response contracts.ResponseEnvelope
	err      error
}

// Pending is the wait handle for a single in-flight request. It is
// resolved exactly once: the first of response arrival, timeout,
// cancellation or explicit Cancel wins and every later outcome is a
// no-op.
type Pending struct {
	correlationID string
	createdAt     time.Time

	// filled guards the single resolution. Whoever wins the
	// CompareAndSwap owns the outcome; ch is buffered so the winner
	// never blocks.
	filled atomic.Bool
	ch     chan resolution
}

// CorrelationID returns the correlation id this handle waits on.
func (p *Pending) CorrelationID() string {
	return p.correlationID
}

// Registry tracks in-flight requests by correlation id and hands each
// arriving response to exactly one waiter.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Pending
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used by the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty correlation registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*Pending),
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register creates a wait handle for the given correlation id. It fails
// with ErrDuplicateCorrelation if the id already has an in-flight entry.
func (r *Registry) Register(correlationID string) (*Pending, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("bridge: correlation id cannot be empty")
	}

	p := &Pending{
		correlationID: correlationID,
		createdAt:     time.Now(),
		ch:            make(chan resolution, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}
	r.entries[correlationID] = p

	return p, nil
}

// Resolve delivers a response to the waiter registered under its
// correlation id. Responses with no matching entry, including late
// duplicates of an already-resolved request, are dropped.
func (r *Registry) Resolve(correlationID string, response contracts.ResponseEnvelope) {
	r.mu.RLock()
	p, ok := r.entries[correlationID]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("dropping response with no pending request",
			"correlation_id", correlationID)
		return
	}

	if !p.filled.CompareAndSwap(false, true) {
		// Lost the race against timeout or cancellation.
		return
	}

	r.remove(correlationID)
	p.ch <- resolution{response: response}
}

// Await blocks until the pending request is resolved, times out, or the
// context is cancelled. On timeout or cancellation the entry is evicted
// so a later response for it is dropped instead of delivered.
func (r *Registry) Await(ctx context.Context, p *Pending, timeout time.Duration) (*contracts.ResponseEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		return res.unpack()

	case <-timer.C:
		if p.filled.CompareAndSwap(false, true) {
			r.remove(p.correlationID)
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, p.correlationID)
		}
		// A resolution won the race; it is already in the buffer.
		res := <-p.ch
		return res.unpack()

	case <-ctx.Done():
		if p.filled.CompareAndSwap(false, true) {
			r.remove(p.correlationID)
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		res := <-p.ch
		return res.unpack()
	}
}

// Cancel abandons the in-flight request with the given correlation id.
// The waiter, if any, receives ErrCancelled. Unknown ids are ignored.
func (r *Registry) Cancel(correlationID string) {
	r.mu.RLock()
	p, ok := r.entries[correlationID]
	r.mu.RUnlock()

	if !ok {
		return
	}

	if !p.filled.CompareAndSwap(false, true) {
		return
	}

	r.remove(correlationID)
	p.ch <- resolution{err: fmt.Errorf("%w: %s", ErrCancelled, correlationID)}
}

// Len returns the number of in-flight requests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) remove(correlationID string) {
	r.mu.Lock()
	delete(r.entries, correlationID)
	r.mu.Unlock()
}

func (res resolution) unpack() (*contracts.ResponseEnvelope, error) {
	if res.err != nil {
		return nil, res.err
	}
	return &res.response, nil
}
