package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pocat-io/messagebus/contracts"
)

// ToPublishing builds an AMQP message. Reserved headers also populate the
// matching AMQP properties.
func ToPublishing(headers contracts.Headers, payload []byte) amqp.Publishing {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return amqp.Publishing{
		Headers:       table,
		ContentType:   headers.ContentType(),
		CorrelationId: headers.CorrelationID(),
		MessageId:     headers.MessageID(),
		Timestamp:     time.Now(),
		Body:          payload,
	}
}

// FromDelivery extracts string headers. AMQP properties fill reserved headers
// the sender did not set explicitly.
func FromDelivery(d amqp.Delivery) contracts.Headers {
	headers := make(contracts.Headers, len(d.Headers)+3)
	for k, v := range d.Headers {
		headers[k] = headerString(v)
	}
	setIfAbsent(headers, contracts.HeaderMessageID, d.MessageId)
	setIfAbsent(headers, contracts.HeaderCorrelationID, d.CorrelationId)
	setIfAbsent(headers, contracts.HeaderContentType, d.ContentType)
	return headers
}

func setIfAbsent(h contracts.Headers, key, value string) {
	if value == "" {
		return
	}
	if _, ok := h[key]; !ok {
		h[key] = value
	}
}

func headerString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
