// Package qbridge bridges request/response interactions over a message
// broker. A Client owns one broker connection and exposes both sides of
// the bridge: Send publishes a request and blocks for the correlated
// response, while RegisterHandler and Start turn the process into a
// worker consuming the shared work queue.
package qbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaymesh/qbridge/bridge"
	"github.com/relaymesh/qbridge/internal/dedup"
	"github.com/relaymesh/qbridge/internal/rabbitmq"
	"github.com/relaymesh/qbridge/worker"
)

// Client is the entry point to the bridge. It wires the connection
// manager, channel pool, topology, publisher and consumer together and
// exposes the caller and worker built on top of them.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	caller    *bridge.Caller
	worker    *worker.Worker
	redis     *goredis.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger shared by all client components.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient connects to the broker, declares the bridge topology and
// returns a ready client. The context bounds connection establishment
// and topology declaration only.
func NewClient(ctx context.Context, cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	c.conn = rabbitmq.NewConnectionManager(cfg.AMQPUrl, rabbitmq.WithLogger(c.logger))
	if err := c.conn.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(c.conn)
	if err != nil {
		c.conn.Close()
		return nil, err
	}
	c.pool = pool

	topology := rabbitmq.BridgeTopology(cfg.WorkQueue, cfg.ResponseQueue, cfg.RetryDelay)
	if err := rabbitmq.NewTopologyManager(pool).DeclareTopology(ctx, topology); err != nil {
		c.teardown()
		return nil, fmt.Errorf("qbridge: failed to declare topology: %w", err)
	}

	c.publisher = rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(c.logger))
	c.consumer = rabbitmq.NewConsumer(pool,
		rabbitmq.WithPrefetchCount(cfg.Prefetch),
		rabbitmq.WithConsumerLogger(c.logger))
	c.conn.AddStateListener(c.consumer)

	c.caller, err = bridge.NewCaller(c.publisher, c.consumer, cfg.WorkQueue, cfg.ResponseQueue,
		bridge.WithDefaultTimeout(cfg.DefaultTimeout),
		bridge.WithCallerLogger(c.logger))
	if err != nil {
		c.teardown()
		return nil, err
	}

	workerOpts := []worker.WorkerOption{
		worker.WithMaxDeliveryAttempts(cfg.MaxDeliveryAttempts),
		worker.WithPrefetch(cfg.Prefetch),
		worker.WithWorkerLogger(c.logger),
	}
	store, redisClient, err := c.buildDedupStore()
	if err != nil {
		c.teardown()
		return nil, err
	}
	if store != nil {
		c.redis = redisClient
		workerOpts = append(workerOpts, worker.WithDedupStore(store))
	}

	c.worker, err = worker.NewWorker(c.publisher, c.consumer, cfg.WorkQueue, workerOpts...)
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.logger.Info("bridge client ready",
		"url", rabbitmq.SanitizeURL(cfg.AMQPUrl),
		"work_queue", cfg.WorkQueue,
		"response_queue", cfg.ResponseQueue)
	return c, nil
}

// Send publishes a request for the given operation and waits for its
// response. A non-positive timeout falls back to the configured default.
func (c *Client) Send(ctx context.Context, operation string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return c.caller.Send(ctx, operation, payload, timeout)
}

// RegisterHandler binds an operation name to a worker handler. Call
// before Start.
func (c *Client) RegisterHandler(operation string, handler worker.Handler) error {
	return c.worker.RegisterHandler(operation, handler)
}

// HandleFunc registers a plain function as the handler for an operation.
func (c *Client) HandleFunc(operation string, fn func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)) error {
	return c.worker.RegisterHandler(operation, worker.HandlerFunc(fn))
}

// Start begins consuming the work queue with the registered handlers.
func (c *Client) Start(ctx context.Context) error {
	return c.worker.Start(ctx)
}

// Caller exposes the request side for callers that need pending counts
// or direct access.
func (c *Client) Caller() *bridge.Caller {
	return c.caller
}

// Worker exposes the consuming side.
func (c *Client) Worker() *worker.Worker {
	return c.worker
}

// IsConnected reports whether the underlying broker connection is up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close drains the worker, stops the response consumer and releases all
// broker resources.
func (c *Client) Close() error {
	var firstErr error

	if c.worker != nil {
		if err := c.worker.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.caller != nil {
		if err := c.caller.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.teardown()
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (c *Client) buildDedupStore() (dedup.Store, *goredis.Client, error) {
	if c.cfg.DedupTTL <= 0 {
		return nil, nil, nil
	}
	if c.cfg.RedisURL == "" {
		return dedup.NewMemory(c.cfg.DedupTTL), nil, nil
	}

	opts, err := goredis.ParseURL(c.cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("qbridge: invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	return dedup.NewRedis(client, c.cfg.DedupTTL), client, nil
}

func (c *Client) teardown() {
	if c.consumer != nil {
		c.consumer.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
