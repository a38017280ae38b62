package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymesh/qbridge/internal/reliability"
)

// Publisher publishes messages in confirm mode so that a returned nil error
// means the broker has accepted the message.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetryPolicy sets the retry policy for failed publishes.
func WithPublishRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = policy
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a confirm-mode publisher over the channel pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 3),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes one message and waits for the broker confirmation,
// retrying transient failures per the retry policy.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := reliability.Retry(ctx, p.retryPolicy, func() error {
		return p.publishWithConfirm(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	return nil
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return err
	}

	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil

	case ret := <-returns:
		return fmt.Errorf("%w: %s", ErrPublishReturned, ret.ReplyText)

	case <-time.After(p.confirmTimeout):
		return ErrPublishNotConfirmed

	case <-ctx.Done():
		return ctx.Err()
	}
}
