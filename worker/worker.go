package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymesh/qbridge/contracts"
	"github.com/relaymesh/qbridge/internal/dedup"
	"github.com/relaymesh/qbridge/internal/rabbitmq"
)

// Handler processes the payload of one request and returns the payload
// of the success response. Returning a *contracts.ErrorDetail (directly
// or wrapped) produces a failure response; any other error is treated
// as a fault and the delivery is retried.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// Publisher publishes messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Subscriber consumes deliveries from broker queues.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, options ...rabbitmq.SubscribeOption) error
	Unsubscribe(queue string) error
}

// Worker consumes the work queue and dispatches requests to operation
// handlers. Handlers are registered before Start; the set is fixed while
// the worker is running.
type Worker struct {
	publisher  Publisher
	subscriber Subscriber
	workQueue  string

	maxAttempts  int
	prefetch     int
	drainTimeout time.Duration
	seen         dedup.Store
	logger       *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithMaxDeliveryAttempts sets how many times a faulting delivery is
// attempted before it is parked on the dead-letter queue.
func WithMaxDeliveryAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithPrefetch sets the unacknowledged delivery window for the work
// queue subscription.
func WithPrefetch(count int) WorkerOption {
	return func(w *Worker) {
		if count > 0 {
			w.prefetch = count
		}
	}
}

// WithDedupStore enables duplicate suppression: deliveries whose
// correlation id the store has seen are acknowledged without invoking
// the handler again.
func WithDedupStore(store dedup.Store) WorkerOption {
	return func(w *Worker) {
		w.seen = store
	}
}

// WithDrainTimeout bounds how long Stop waits for in-flight handlers.
func WithDrainTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.drainTimeout = timeout
		}
	}
}

// WithWorkerLogger sets the logger used by the worker.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker bound to the given work queue.
func NewWorker(publisher Publisher, subscriber Subscriber, workQueue string, options ...WorkerOption) (*Worker, error) {
	if publisher == nil {
		return nil, fmt.Errorf("worker: publisher cannot be nil")
	}
	if subscriber == nil {
		return nil, fmt.Errorf("worker: subscriber cannot be nil")
	}
	if workQueue == "" {
		return nil, fmt.Errorf("worker: work queue name cannot be empty")
	}

	w := &Worker{
		publisher:    publisher,
		subscriber:   subscriber,
		workQueue:    workQueue,
		maxAttempts:  5,
		prefetch:     10,
		drainTimeout: 30 * time.Second,
		handlers:     make(map[string]Handler),
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w, nil
}

// RegisterHandler binds an operation name to a handler. Registration is
// rejected while the worker is running.
func (w *Worker) RegisterHandler(operation string, handler Handler) error {
	if operation == "" {
		return fmt.Errorf("worker: operation cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("worker: handler cannot be nil")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker: cannot register handler %q while running", operation)
	}
	if _, exists := w.handlers[operation]; exists {
		return fmt.Errorf("worker: handler already registered for operation %q", operation)
	}
	w.handlers[operation] = handler
	return nil
}

// Start begins consuming the work queue. At least one handler must be
// registered.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker: already running")
	}
	if len(w.handlers) == 0 {
		return fmt.Errorf("worker: no handlers registered")
	}

	subCtx, cancel := context.WithCancel(ctx)

	err := w.subscriber.Subscribe(subCtx, w.workQueue, w.processDelivery,
		rabbitmq.WithAckMode(rabbitmq.AckManual),
		rabbitmq.WithPrefetch(w.prefetch))
	if err != nil {
		cancel()
		return fmt.Errorf("worker: failed to subscribe to work queue: %w", err)
	}

	w.cancel = cancel
	w.running = true
	w.logger.Info("worker started",
		"queue", w.workQueue,
		"operations", len(w.handlers),
		"prefetch", w.prefetch)
	return nil
}

// Stop unsubscribes from the work queue and waits for in-flight
// handlers, up to the drain timeout.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	err := w.subscriber.Unsubscribe(w.workQueue)
	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped", "queue", w.workQueue)
	case <-time.After(w.drainTimeout):
		w.logger.Warn("worker stop timed out waiting for in-flight handlers",
			"queue", w.workQueue,
			"timeout", w.drainTimeout)
	}
	return err
}

func (w *Worker) processDelivery(ctx context.Context, delivery amqp.Delivery) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var env contracts.RequestEnvelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		w.logger.Error("discarding malformed request",
			"error", err,
			"correlation_id", delivery.CorrelationId)
		return delivery.Ack(false)
	}
	if env.CorrelationID == "" {
		w.logger.Error("discarding request without correlation id",
			"operation", env.Operation)
		return delivery.Ack(false)
	}

	if w.seen != nil {
		duplicate, err := w.seen.Seen(ctx, env.CorrelationID)
		if err != nil {
			// Degrade to at-least-once rather than stall the queue.
			w.logger.Warn("dedup lookup failed, processing anyway",
				"error", err,
				"correlation_id", env.CorrelationID)
		} else if duplicate {
			w.logger.Info("discarding duplicate request",
				"operation", env.Operation,
				"correlation_id", env.CorrelationID)
			return delivery.Ack(false)
		}
	}

	w.mu.RLock()
	handler, ok := w.handlers[env.Operation]
	w.mu.RUnlock()

	if !ok {
		w.logger.Warn("no handler for operation",
			"operation", env.Operation,
			"correlation_id", env.CorrelationID)
		detail := contracts.NewErrorDetail(contracts.CodeUnknownOperation,
			fmt.Sprintf("no handler registered for operation %q", env.Operation))
		return w.finish(ctx, delivery, env, contracts.NewFailureResponse(env.CorrelationID, detail))
	}

	w.logger.Debug("request received",
		"operation", env.Operation,
		"correlation_id", env.CorrelationID)

	result, err := w.invoke(ctx, handler, env.Payload)
	if err == nil {
		return w.finish(ctx, delivery, env, contracts.NewSuccessResponse(env.CorrelationID, result))
	}

	if detail, ok := contracts.AsErrorDetail(err); ok {
		return w.finish(ctx, delivery, env, contracts.NewFailureResponse(env.CorrelationID, detail))
	}

	return w.fault(ctx, delivery, env, err)
}

// invoke runs the handler with panic recovery; a panic becomes a fault.
func (w *Worker) invoke(ctx context.Context, handler Handler, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, payload)
}

// finish sends the response and acknowledges the delivery. If the reply
// cannot be published the delivery is rejected into the retry loop so
// the whole request is attempted again.
func (w *Worker) finish(ctx context.Context, delivery amqp.Delivery, env contracts.RequestEnvelope, resp contracts.ResponseEnvelope) error {
	if err := w.sendResponse(ctx, delivery, env, resp); err != nil {
		w.logger.Error("failed to publish response, rejecting delivery",
			"error", err,
			"operation", env.Operation,
			"correlation_id", env.CorrelationID)
		return w.fault(ctx, delivery, env, err)
	}

	if w.seen != nil {
		if err := w.seen.Mark(ctx, env.CorrelationID); err != nil {
			w.logger.Warn("failed to mark request as processed",
				"error", err,
				"correlation_id", env.CorrelationID)
		}
	}

	w.logger.Debug("request completed",
		"operation", env.Operation,
		"correlation_id", env.CorrelationID,
		"outcome", resp.Outcome)
	return delivery.Ack(false)
}

func (w *Worker) sendResponse(ctx context.Context, delivery amqp.Delivery, env contracts.RequestEnvelope, resp contracts.ResponseEnvelope) error {
	target := env.ReplyTarget
	if target == "" {
		target = delivery.ReplyTo
	}
	if target == "" {
		// Fire-and-forget request, nothing to reply to.
		return nil
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("worker: failed to marshal response envelope: %w", err)
	}

	return w.publisher.Publish(ctx, "", target, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: resp.CorrelationID,
		Timestamp:     resp.CompletedAt,
		Body:          body,
	})
}

// fault routes a failed delivery: back through the delayed retry loop
// while attempts remain, onto the parking queue once they are spent.
func (w *Worker) fault(ctx context.Context, delivery amqp.Delivery, env contracts.RequestEnvelope, cause error) error {
	attempt := rabbitmq.DeliveryAttempt(delivery, w.workQueue)

	if attempt < w.maxAttempts {
		w.logger.Warn("request faulted, scheduling retry",
			"error", cause,
			"operation", env.Operation,
			"correlation_id", env.CorrelationID,
			"attempt", attempt,
			"max_attempts", w.maxAttempts)
		return delivery.Nack(false, false)
	}

	if err := w.park(ctx, delivery, env, cause, attempt); err != nil {
		w.logger.Error("failed to park exhausted delivery, rejecting again",
			"error", err,
			"correlation_id", env.CorrelationID)
		return delivery.Nack(false, false)
	}

	w.logger.Error("request exhausted delivery attempts, parked on dead-letter queue",
		"error", cause,
		"operation", env.Operation,
		"correlation_id", env.CorrelationID,
		"attempt", attempt)
	return delivery.Ack(false)
}

func (w *Worker) park(ctx context.Context, delivery amqp.Delivery, env contracts.RequestEnvelope, cause error, attempt int) error {
	dlq := rabbitmq.DeadLetterQueueName(w.workQueue)

	headers := amqp.Table{
		"x-original-queue":    w.workQueue,
		"x-delivery-attempts": int32(attempt),
		"x-last-error":        cause.Error(),
		"x-parked-at":         time.Now().UTC().Format(time.RFC3339),
	}

	return w.publisher.Publish(ctx, rabbitmq.DeadLetterExchange, dlq, amqp.Publishing{
		ContentType:   delivery.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		Headers:       headers,
		Body:          delivery.Body,
	})
}
