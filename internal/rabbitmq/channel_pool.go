package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const poolWaitTimeout = 5 * time.Second

// ChannelPool hands out AMQP channels on the shared connection. Publish and
// topology operations borrow a channel briefly; consumers hold one for the
// lifetime of a subscription.
type ChannelPool struct {
	manager  *ConnectionManager
	channels chan *PooledChannel
	maxSize  int
	mu       sync.Mutex
	closed   bool
	active   int
}

// PooledChannel wraps an AMQP channel with pool bookkeeping.
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum pool size.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a channel pool over the given connection manager.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel, creating one if the pool has capacity. Channels
// that died with a lost connection are replaced transparently.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard(ch)
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	default:
	}

	cp.mu.Lock()
	if cp.active < cp.maxSize {
		cp.mu.Unlock()
		return cp.create()
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard(ch)
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(poolWaitTimeout):
		return nil, ErrChannelPoolExhausted
	}
}

// Put returns a channel to the pool.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		cp.discard(ch)
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		cp.discard(ch)
	}
}

// Execute borrows a channel, runs fn, and returns it.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch.Channel)
}

// Close drains and closes all pooled channels.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.channels)
	for ch := range cp.channels {
		if ch != nil && !ch.IsClosed() {
			ch.Channel.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to open channel: %w", err)
	}

	cp.mu.Lock()
	cp.active++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String(),
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	if ch != nil && !ch.IsClosed() {
		ch.Channel.Close()
	}
	cp.mu.Lock()
	cp.active--
	cp.mu.Unlock()
}
