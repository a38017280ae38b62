package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymesh/qbridge/internal/reliability"
)

const dialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications.
// Components holding broker resources (consumers, in particular) use
// OnConnected to re-establish themselves after a reconnect.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the single broker connection of a process and
// re-establishes it on unexpected loss. Broker unavailability is treated as
// an operational condition: by default it keeps retrying with capped
// exponential backoff rather than giving up.
type ConnectionManager struct {
	url         string
	conn        *amqp.Connection
	mu          sync.RWMutex
	backoff     reliability.RetryPolicy
	logger      *slog.Logger
	notifyClose chan *amqp.Error
	connected   bool
	done        chan struct{}
	closeOnce   sync.Once

	listeners   []ConnectionStateListener
	listenersMu sync.RWMutex
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectBackoff sets the backoff policy for connect and reconnect
// attempts.
func WithConnectBackoff(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = policy
	}
}

// NewConnectionManager creates a connection manager for the given AMQP URL.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:     url,
		backoff: reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, -1),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection, retrying with backoff until it
// succeeds, the backoff policy gives up, or ctx is done.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.connected {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	attempts := 0
	err := reliability.Retry(ctx, cm.backoff, func() error {
		attempts++
		if attempts > 1 {
			cm.notifyReconnecting(attempts)
		}
		return cm.dial(ctx)
	})
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Attempts: attempts}
	}

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url), "attempts", attempts)
	cm.notifyConnected()

	go cm.handleReconnect()
	return nil
}

// dial performs one connection attempt with a bounded dial timeout.
func (cm *ConnectionManager) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		cm.mu.Lock()
		cm.conn = conn
		cm.connected = true
		cm.notifyClose = make(chan *amqp.Error)
		cm.conn.NotifyClose(cm.notifyClose)
		cm.mu.Unlock()
		return nil

	case err := <-errChan:
		return err

	case <-dialCtx.Done():
		if ctx.Err() != nil {
			return reliability.PermanentError{Err: ctx.Err()}
		}
		return ErrConnectionTimeout
	}
}

// GetConnection returns the live connection.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports the connection status.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close disconnects and stops the reconnect loop.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.connected {
		return nil
	}
	cm.connected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// handleReconnect watches for unexpected connection loss and re-establishes
// the connection.
func (cm *ConnectionManager) handleReconnect() {
	for {
		select {
		case amqpErr := <-cm.notifyClose:
			if amqpErr == nil {
				// Deliberate close.
				return
			}
			cm.logger.Error("broker connection lost", "error", amqpErr)

			cm.mu.Lock()
			cm.connected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.notifyDisconnected(amqpErr)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect retries until connected or shut down. Returns false when the
// manager was closed or the backoff policy gave up.
func (cm *ConnectionManager) reconnect() bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	start := time.Now()
	err := reliability.Retry(ctx, cm.backoff, func() error {
		attempts++
		cm.notifyReconnecting(attempts)
		return cm.dial(ctx)
	})
	if err != nil {
		cm.logger.Error("reconnect abandoned",
			"attempts", attempts,
			"elapsed", time.Since(start),
			"error", err)
		cm.notifyDisconnected(&ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: err, Attempts: attempts})
		return false
	}

	cm.logger.Info("reconnected to broker", "attempts", attempts, "elapsed", time.Since(start))
	cm.notifyConnected()
	return true
}

// AddStateListener registers a connection state listener.
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.listeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.listeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, listener := range cm.listeners {
		go listener.OnReconnecting(attempt)
	}
}
