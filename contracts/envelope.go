package contracts

import (
	"strconv"
)

// Reserved header names. These strings are part of the wire contract and must not change.
const (
	HeaderTxID          = "Tx-Id"
	HeaderMessageID     = "Message-Id"
	HeaderCorrelationID = "Correlation-Id"
	HeaderContentType   = "Content-Type"
	HeaderReplyTo       = "Reply-To"
	HeaderReplyTopic    = "Reply-Topic"
	HeaderStatusCode    = "Status-Code"
)

// Headers is the string map carried with every message
type Headers map[string]string

// Clone returns a copy that can be modified without touching the original
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (h Headers) TxID() string          { return h[HeaderTxID] }
func (h Headers) MessageID() string     { return h[HeaderMessageID] }
func (h Headers) CorrelationID() string { return h[HeaderCorrelationID] }
func (h Headers) ContentType() string   { return h[HeaderContentType] }
func (h Headers) ReplyTo() string       { return h[HeaderReplyTo] }
func (h Headers) ReplyTopic() string    { return h[HeaderReplyTopic] }

// StatusCode parses the Status-Code header. A missing header reads as success,
// a value that is not an integer reads as StatusUnknownError.
func (h Headers) StatusCode() int {
	raw, ok := h[HeaderStatusCode]
	if !ok {
		return StatusSuccess
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return StatusUnknownError
	}
	return code
}

// SetStatusCode writes the Status-Code header
func (h Headers) SetStatusCode(code int) {
	h[HeaderStatusCode] = strconv.Itoa(code)
}

// Envelope is a message as seen by the bus: string headers plus opaque payload
type Envelope struct {
	Headers Headers
	Payload []byte
}

// Delivery is an inbound envelope tagged with the "namespace:topic" it arrived from
type Delivery struct {
	Source string
	Envelope
}
