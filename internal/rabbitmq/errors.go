package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// Connection errors
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")
	ErrRetriesExhausted  = errors.New("rabbitmq: connection attempts exhausted")

	// Channel errors
	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted = errors.New("rabbitmq: channel pool exhausted")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrPublishReturned     = errors.New("rabbitmq: publish returned as unroutable")

	// Consumer errors
	ErrAlreadySubscribed = errors.New("rabbitmq: already subscribed to queue")
	ErrNoSubscription    = errors.New("rabbitmq: no subscription for queue")
	ErrConsumerClosed    = errors.New("rabbitmq: consumer is closed")

	// General
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError reports a failed connect or reconnect, with the number of
// attempts made before giving up.
type ConnectionError struct {
	Op       string
	URL      string
	Err      error
	Attempts int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a failed publish to an exchange/routing key pair.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq: publish to %q/%q failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumerError reports a failed consumer operation on a queue.
type ConsumerError struct {
	Queue string
	Op    string
	Err   error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s on queue %q failed: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// SanitizeURL strips credentials from an AMQP URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
