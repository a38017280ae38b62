package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryAttempt returns the one-based attempt number of a delivery on the
// given queue, derived from the broker's x-death header. A first delivery has
// attempt 1; each pass through the retry loop increments the rejected count
// recorded by the broker.
func DeliveryAttempt(delivery amqp.Delivery, queue string) int {
	return deathCount(delivery.Headers, queue) + 1
}

func deathCount(headers amqp.Table, queue string) int {
	if headers == nil {
		return 0
	}
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}

	for _, entry := range deaths {
		death, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if q, ok := death["queue"].(string); !ok || q != queue {
			continue
		}
		if reason, ok := death["reason"].(string); ok && reason != "rejected" {
			continue
		}
		switch count := death["count"].(type) {
		case int64:
			return int(count)
		case int32:
			return int(count)
		case int:
			return count
		case float64:
			return int(count)
		}
	}
	return 0
}
