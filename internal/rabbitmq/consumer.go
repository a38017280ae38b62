package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AckMode controls who acknowledges deliveries on a subscription.
type AckMode int

const (
	// AckAuto lets the broker mark every delivery acknowledged on receipt.
	AckAuto AckMode = iota
	// AckManual leaves acknowledgment entirely to the delivery handler.
	AckManual
)

// DeliveryHandler processes one incoming delivery.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	AckMode   AckMode
	Prefetch  int
	Exclusive bool
}

// SubscribeOption configures subscription behavior.
type SubscribeOption func(*SubscribeOptions)

// WithAckMode sets the acknowledgment mode.
func WithAckMode(mode AckMode) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.AckMode = mode
	}
}

// WithPrefetch overrides the consumer-level prefetch for this subscription.
func WithPrefetch(count int) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.Prefetch = count
	}
}

// WithExclusiveConsumer requests exclusive consumption of the queue.
func WithExclusiveConsumer(exclusive bool) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.Exclusive = exclusive
	}
}

type subscription struct {
	queue   string
	handler DeliveryHandler
	opts    SubscribeOptions
	ctx     context.Context
	cancel  context.CancelFunc
	tag     string
	running bool
}

// Consumer manages queue subscriptions on the shared connection. It
// implements ConnectionStateListener: after a reconnect every active
// subscription is re-established automatically, so callers never need to
// re-subscribe by hand.
type Consumer struct {
	pool            *ChannelPool
	defaultPrefetch int
	logger          *slog.Logger
	mu              sync.Mutex
	subs            map[string]*subscription
	closed          bool
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default prefetch for subscriptions.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.defaultPrefetch = count
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over the channel pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:            pool,
		defaultPrefetch: 10,
		logger:          slog.Default(),
		subs:            make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from a queue. The subscription stays live
// across reconnects until Unsubscribe or Close.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler, options ...SubscribeOption) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidConfiguration)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidConfiguration)
	}

	opts := SubscribeOptions{
		AckMode:  AckManual,
		Prefetch: c.defaultPrefetch,
	}
	for _, opt := range options {
		opt(&opts)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		handler: handler,
		opts:    opts,
		ctx:     subCtx,
		cancel:  cancel,
		tag:     fmt.Sprintf("qbridge-%s-%d", queue, time.Now().UnixNano()),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrConsumerClosed
	}
	if _, exists := c.subs[queue]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}
	c.subs[queue] = sub
	c.mu.Unlock()

	if err := c.start(sub); err != nil {
		c.mu.Lock()
		delete(c.subs, queue)
		c.mu.Unlock()
		cancel()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err}
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", sub.tag,
		"prefetch", opts.Prefetch,
	)
	return nil
}

// start opens a consume stream for the subscription and launches its loop.
func (c *Consumer) start(sub *subscription) error {
	ch, err := c.pool.Get(sub.ctx)
	if err != nil {
		return err
	}

	if err := ch.Qos(sub.opts.Prefetch, 0, false); err != nil {
		c.pool.Put(ch)
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		sub.queue,
		sub.tag,
		sub.opts.AckMode == AckAuto,
		sub.opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return err
	}

	c.mu.Lock()
	sub.running = true
	c.mu.Unlock()

	go c.consume(sub, ch, deliveries)
	return nil
}

// consume pumps deliveries into the handler until the stream ends.
func (c *Consumer) consume(sub *subscription, ch *PooledChannel, deliveries <-chan amqp.Delivery) {
	defer func() {
		c.mu.Lock()
		sub.running = false
		c.mu.Unlock()
		c.pool.Put(ch)
	}()

	for {
		select {
		case <-sub.ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				// Stream closed under us, usually a lost connection. The
				// reconnect path restarts this subscription via OnConnected.
				c.logger.Warn("delivery stream closed", "queue", sub.queue)
				return
			}

			// Concurrent dispatch: with manual acks the broker's prefetch
			// window bounds how many of these run at once.
			go func(delivery amqp.Delivery) {
				if err := sub.handler(sub.ctx, delivery); err != nil {
					c.logger.Error("delivery handler failed",
						"queue", sub.queue,
						"messageId", delivery.MessageId,
						"error", err,
					)
				}
			}(delivery)
		}
	}
}

// Unsubscribe stops consuming from a queue.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, exists := c.subs[queue]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSubscription, queue)
	}
	delete(c.subs, queue)
	c.mu.Unlock()

	sub.cancel()
	c.logger.Info("unsubscribed from queue", "queue", queue)
	return nil
}

// Close cancels all subscriptions.
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

// OnConnected implements ConnectionStateListener: restart every subscription
// whose consume stream died with the previous connection.
func (c *Consumer) OnConnected() {
	c.mu.Lock()
	var stalled []*subscription
	for _, sub := range c.subs {
		if !sub.running && sub.ctx.Err() == nil {
			stalled = append(stalled, sub)
		}
	}
	c.mu.Unlock()

	for _, sub := range stalled {
		if err := c.start(sub); err != nil {
			c.logger.Error("failed to restore subscription",
				"queue", sub.queue,
				"error", err,
			)
			continue
		}
		c.logger.Info("subscription restored", "queue", sub.queue)
	}
}

// OnDisconnected implements ConnectionStateListener.
func (c *Consumer) OnDisconnected(err error) {}

// OnReconnecting implements ConnectionStateListener.
func (c *Consumer) OnReconnecting(attempt int) {}
