package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/pocat-io/messagebus/contracts"
)

func TestToPublishing(t *testing.T) {
	msg := ToPublishing(contracts.Headers{
		contracts.HeaderTxID:          "tx-1",
		contracts.HeaderMessageID:     "m-1",
		contracts.HeaderCorrelationID: "c-1",
		contracts.HeaderContentType:   "application/json",
	}, []byte(`{}`))

	assert.Equal(t, "m-1", msg.MessageId)
	assert.Equal(t, "c-1", msg.CorrelationId)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "tx-1", msg.Headers[contracts.HeaderTxID])
	assert.Equal(t, []byte(`{}`), msg.Body)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestFromDelivery(t *testing.T) {
	t.Run("properties fill missing reserved headers", func(t *testing.T) {
		h := FromDelivery(amqp.Delivery{
			Headers:       amqp.Table{"Tx-Id": "tx-1", "attempt": int32(2), "raw": []byte("bytes")},
			MessageId:     "m-1",
			CorrelationId: "c-1",
			ContentType:   "text/plain",
		})

		assert.Equal(t, "tx-1", h.TxID())
		assert.Equal(t, "2", h["attempt"])
		assert.Equal(t, "bytes", h["raw"])
		assert.Equal(t, "m-1", h.MessageID())
		assert.Equal(t, "c-1", h.CorrelationID())
		assert.Equal(t, "text/plain", h.ContentType())
	})

	t.Run("explicit headers win over properties", func(t *testing.T) {
		h := FromDelivery(amqp.Delivery{
			Headers:   amqp.Table{contracts.HeaderMessageID: "explicit"},
			MessageId: "property",
		})
		assert.Equal(t, "explicit", h.MessageID())
	})
}
