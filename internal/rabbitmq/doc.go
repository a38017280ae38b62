// Package rabbitmq wraps the amqp091 client with the pieces the bridge needs
// on one shared connection: a reconnecting connection manager, a channel
// pool, a confirm-mode publisher, a consumer whose subscriptions survive
// reconnects, and declaration of the work/retry/dead-letter topology.
package rabbitmq
