package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestDeliveryAttempt(t *testing.T) {
	t.Run("first delivery has attempt 1", func(t *testing.T) {
		assert.Equal(t, 1, DeliveryAttempt(amqp.Delivery{}, "work"))
	})

	t.Run("retried delivery counts rejected deaths", func(t *testing.T) {
		d := amqp.Delivery{
			Headers: amqp.Table{
				"x-death": []interface{}{
					amqp.Table{"queue": "work", "reason": "rejected", "count": int64(2)},
				},
			},
		}

		assert.Equal(t, 3, DeliveryAttempt(d, "work"))
	})

	t.Run("deaths on other queues are ignored", func(t *testing.T) {
		d := amqp.Delivery{
			Headers: amqp.Table{
				"x-death": []interface{}{
					amqp.Table{"queue": "other", "reason": "rejected", "count": int64(4)},
				},
			},
		}

		assert.Equal(t, 1, DeliveryAttempt(d, "work"))
	})

	t.Run("expired deaths are ignored", func(t *testing.T) {
		// The TTL hop through the retry queue records an expired death
		// that must not inflate the attempt count.
		d := amqp.Delivery{
			Headers: amqp.Table{
				"x-death": []interface{}{
					amqp.Table{"queue": "work.retry", "reason": "expired", "count": int64(2)},
					amqp.Table{"queue": "work", "reason": "rejected", "count": int64(2)},
				},
			},
		}

		assert.Equal(t, 3, DeliveryAttempt(d, "work"))
	})

	t.Run("malformed x-death header is treated as first delivery", func(t *testing.T) {
		d := amqp.Delivery{
			Headers: amqp.Table{"x-death": "garbage"},
		}

		assert.Equal(t, 1, DeliveryAttempt(d, "work"))
	})

	t.Run("alternative count types are accepted", func(t *testing.T) {
		for _, count := range []interface{}{int64(2), int32(2), int(2), float64(2)} {
			d := amqp.Delivery{
				Headers: amqp.Table{
					"x-death": []interface{}{
						amqp.Table{"queue": "work", "reason": "rejected", "count": count},
					},
				},
			}
			assert.Equal(t, 3, DeliveryAttempt(d, "work"))
		}
	})
}
