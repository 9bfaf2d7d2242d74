package nats

import (
	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn the backend uses
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error)
	IsConnected() bool
	Drain() error
	Close()
}

// Subscription is the part of *nats.Subscription the backend uses
type Subscription interface {
	Unsubscribe() error
}

// Connector opens a connection
type Connector func(url string, opts ...nats.Option) (Conn, error)

// Connect dials a NATS server with nats.go
func Connect(url string, opts ...nats.Option) (Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &natsConn{Conn: nc}, nil
}

type natsConn struct {
	*nats.Conn
}

func (c *natsConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := c.Conn.QueueSubscribe(subject, queue, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
