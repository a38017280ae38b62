package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymesh/qbridge/contracts"
	"github.com/relaymesh/qbridge/internal/rabbitmq"
	"github.com/relaymesh/qbridge/internal/reliability"
)

// Publisher publishes messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Subscriber consumes deliveries from broker queues.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, options ...rabbitmq.SubscribeOption) error
	Unsubscribe(queue string) error
}

// FailureError is returned by Send when the worker processed the request
// and replied with a failure outcome. It wraps the worker's ErrorDetail.
type FailureError struct {
	Detail *contracts.ErrorDetail
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("bridge: request failed: %v", e.Detail)
}

func (e *FailureError) Unwrap() error {
	return e.Detail
}

// Caller sends request envelopes to the work queue and awaits the
// matching responses on the shared response queue.
type Caller struct {
	publisher      Publisher
	subscriber     Subscriber
	registry       *Registry
	workQueue      string
	responseQueue  string
	defaultTimeout time.Duration
	breaker        *reliability.CircuitBreaker
	logger         *slog.Logger
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithDefaultTimeout sets the per-request timeout used when the caller
// of Send passes a non-positive timeout.
func WithDefaultTimeout(timeout time.Duration) CallerOption {
	return func(c *Caller) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithCircuitBreaker guards request publishing with the given breaker.
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) CallerOption {
	return func(c *Caller) {
		c.breaker = breaker
	}
}

// WithCallerLogger sets the logger used by the caller.
func WithCallerLogger(logger *slog.Logger) CallerOption {
	return func(c *Caller) {
		c.logger = logger
	}
}

// NewCaller creates a caller bound to the given work and response queues
// and starts consuming the response queue. Responses are acknowledged
// automatically: a response the broker hands over is either matched to a
// pending request or dropped, so redelivery buys nothing.
func NewCaller(publisher Publisher, subscriber Subscriber, workQueue, responseQueue string, options ...CallerOption) (*Caller, error) {
	if publisher == nil {
		return nil, fmt.Errorf("bridge: publisher cannot be nil")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("bridge: subscriber cannot be nil")
	}
	if workQueue == "" || responseQueue == "" {
		return nil, fmt.Errorf("bridge: work and response queue names cannot be empty")
	}

	c := &Caller{
		publisher:      publisher,
		subscriber:     subscriber,
		workQueue:      workQueue,
		responseQueue:  responseQueue,
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.registry = NewRegistry(WithRegistryLogger(c.logger))

	// The subscription outlives any single request, so it is not tied
	// to a caller-supplied context.
	err := subscriber.Subscribe(context.Background(), responseQueue, c.handleResponse,
		rabbitmq.WithAckMode(rabbitmq.AckAuto))
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to subscribe to response queue: %w", err)
	}

	return c, nil
}

// Send publishes a request for the given operation and blocks until the
// matching response arrives, the timeout elapses, or ctx is cancelled.
// A success response yields the response data; a failure response yields
// a *FailureError carrying the worker's error detail.
func (c *Caller) Send(ctx context.Context, operation string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if operation == "" {
		return nil, fmt.Errorf("bridge: operation cannot be empty")
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	env := contracts.NewRequestEnvelope(operation, payload, c.responseQueue)

	pending, err := c.registry.Register(env.CorrelationID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		c.registry.Cancel(env.CorrelationID)
		return nil, fmt.Errorf("bridge: failed to marshal request envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		ReplyTo:       c.responseQueue,
		Timestamp:     env.IssuedAt,
		Body:          body,
	}

	publish := func() error {
		return c.publisher.Publish(ctx, "", c.workQueue, msg)
	}
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, publish)
	} else {
		err = publish()
	}
	if err != nil {
		c.registry.Cancel(env.CorrelationID)
		return nil, fmt.Errorf("bridge: failed to publish request: %w", err)
	}

	c.logger.Debug("request published",
		"operation", operation,
		"correlation_id", env.CorrelationID,
		"timeout", timeout)

	resp, err := c.registry.Await(ctx, pending, timeout)
	if err != nil {
		return nil, err
	}

	if !resp.IsSuccess() {
		detail := resp.ErrorDetail
		if detail == nil {
			detail = contracts.NewErrorDetail(contracts.CodeHandlerFailed, "failure response carried no error detail")
		}
		return nil, &FailureError{Detail: detail}
	}

	return resp.Data, nil
}

// PendingCount returns the number of requests still awaiting a response.
func (c *Caller) PendingCount() int {
	return c.registry.Len()
}

// Close stops consuming the response queue. In-flight requests are left
// to time out.
func (c *Caller) Close() error {
	return c.subscriber.Unsubscribe(c.responseQueue)
}

func (c *Caller) handleResponse(_ context.Context, delivery amqp.Delivery) error {
	var env contracts.ResponseEnvelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		c.logger.Error("dropping malformed response",
			"error", err,
			"correlation_id", delivery.CorrelationId)
		return nil
	}
	if env.CorrelationID == "" {
		c.logger.Error("dropping response without correlation id")
		return nil
	}

	c.registry.Resolve(env.CorrelationID, env)
	return nil
}
