package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges owned by the bridge.
const (
	// RetryExchange receives rejected work deliveries and routes them into
	// the per-queue TTL retry queue.
	RetryExchange = "qbridge.retry"
	// DeadLetterExchange receives work that exhausted its delivery attempts.
	DeadLetterExchange = "qbridge.dlx"
)

// RetryQueueName returns the TTL retry queue paired with a work queue.
func RetryQueueName(workQueue string) string {
	return workQueue + ".retry"
}

// DeadLetterQueueName returns the parking queue paired with a work queue.
func DeadLetterQueueName(workQueue string) string {
	return workQueue + ".dlq"
}

// ExchangeDeclaration defines an exchange to be declared.
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is the complete set of broker resources the bridge declares.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// BridgeTopology builds the topology for one work queue and the shared
// response queue:
//
//	workQueue          -- rejected deliveries dead-letter into RetryExchange
//	workQueue.retry    -- TTL queue; expired messages return to workQueue
//	workQueue.dlq      -- parking queue for exhausted deliveries
//	responseQueue      -- plain durable queue shared by callers
func BridgeTopology(workQueue, responseQueue string, retryDelay time.Duration) Topology {
	retryQueue := RetryQueueName(workQueue)
	dlq := DeadLetterQueueName(workQueue)

	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: RetryExchange, Type: "direct", Durable: true},
			{Name: DeadLetterExchange, Type: "direct", Durable: true},
		},
		Queues: []QueueDeclaration{
			{
				Name:    workQueue,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    RetryExchange,
					"x-dead-letter-routing-key": workQueue,
				},
			},
			{
				Name:    retryQueue,
				Durable: true,
				Arguments: amqp.Table{
					"x-message-ttl":             retryDelay.Milliseconds(),
					"x-dead-letter-exchange":    "", // default exchange routes straight back
					"x-dead-letter-routing-key": workQueue,
				},
			},
			{Name: dlq, Durable: true},
			{Name: responseQueue, Durable: true},
		},
		Bindings: []Binding{
			{Queue: retryQueue, Exchange: RetryExchange, RoutingKey: workQueue},
			{Queue: dlq, Exchange: DeadLetterExchange, RoutingKey: dlq},
		},
	}
}

// TopologyManager declares exchanges, queues and bindings. Declarations are
// idempotent on the broker side as long as arguments match.
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a topology manager.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology declares the complete topology.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			err := ch.ExchangeDeclare(
				exchange.Name,
				exchange.Type,
				exchange.Durable,
				exchange.AutoDelete,
				false, // internal
				false, // no-wait
				exchange.Arguments,
			)
			if err != nil {
				return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
			}
		}

		for _, queue := range topology.Queues {
			_, err := ch.QueueDeclare(
				queue.Name,
				queue.Durable,
				queue.AutoDelete,
				queue.Exclusive,
				false, // no-wait
				queue.Arguments,
			)
			if err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
			}
		}

		for _, binding := range topology.Bindings {
			err := ch.QueueBind(
				binding.Queue,
				binding.RoutingKey,
				binding.Exchange,
				false, // no-wait
				binding.Arguments,
			)
			if err != nil {
				return fmt.Errorf("failed to bind queue %s to exchange %s: %w",
					binding.Queue, binding.Exchange, err)
			}
		}

		return nil
	})
}
