package rabbitmq

import (
	"fmt"
	"runtime"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/internal/rabbitmq"
	"github.com/pocat-io/messagebus/messaging"
)

// Endpoint properties
const (
	PropertyURI            = "rabbitmq.uri"
	PropertyHost           = "rabbitmq.host"
	PropertyPort           = "rabbitmq.port"
	PropertyUsername       = "rabbitmq.username"
	PropertyPassword       = "rabbitmq.password"
	PropertyVhost          = "rabbitmq.vhost"
	PropertyMaxConnections = "rabbitmq.pool.max-connections"
	PropertyMaxSessions    = "rabbitmq.pool.max-sessions"
	PropertyPrefetch       = "rabbitmq.consumer.prefetch"
	PropertyConfirm        = "rabbitmq.publisher.confirm"
)

// Namespace properties
const (
	PropertyExchange        = "rabbitmq.exchange"
	PropertyExchangeType    = "rabbitmq.exchange.type"
	PropertyExchangeDeclare = "rabbitmq.exchange.declare"
	PropertyExchangeDurable = "rabbitmq.exchange.durable"
)

// Settings are the connection parameters resolved from an endpoint descriptor
type Settings struct {
	URL            string
	MaxConnections int
	MaxSessions    int
	Prefetch       int
	Confirm        bool
}

func defaultURI() amqp.URI {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		Vhost:    "/",
	}
}

// ParseSettings translates endpoint properties. The uri is applied first and
// the individual properties override its parts. Unknown properties are ignored.
func ParseSettings(props contracts.Properties) (Settings, error) {
	uri := defaultURI()
	if raw := props.Get(PropertyURI, ""); raw != "" {
		parsed, err := amqp.ParseURI(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("%w: %s: %v", rabbitmq.ErrInvalidConfiguration, PropertyURI, err)
		}
		uri = parsed
	}

	uri.Host = props.Get(PropertyHost, uri.Host)
	uri.Port = props.Int(PropertyPort, uri.Port)
	uri.Username = props.Get(PropertyUsername, uri.Username)
	uri.Password = props.Get(PropertyPassword, uri.Password)
	uri.Vhost = props.Get(PropertyVhost, uri.Vhost)
	if uri.Port <= 0 || uri.Port > 65535 {
		return Settings{}, fmt.Errorf("%w: %s out of range: %d", rabbitmq.ErrInvalidConfiguration, PropertyPort, uri.Port)
	}

	s := Settings{
		URL:            uri.String(),
		MaxConnections: props.Int(PropertyMaxConnections, runtime.NumCPU()),
		MaxSessions:    props.Int(PropertyMaxSessions, runtime.NumCPU()*16),
		Prefetch:       props.Int(PropertyPrefetch, 10),
		Confirm:        props.Bool(PropertyConfirm, false),
	}
	if s.MaxConnections <= 0 || s.MaxSessions <= 0 {
		return Settings{}, fmt.Errorf("%w: pool limits must be positive", rabbitmq.ErrInvalidConfiguration)
	}
	return s, nil
}

func (s Settings) poolKey() rabbitmq.PoolKey {
	return rabbitmq.PoolKey{
		URL:            s.URL,
		MaxConnections: s.MaxConnections,
		MaxSessions:    s.MaxSessions,
	}
}

// ExchangeFor maps a namespace to its exchange. Without a configured name the
// pre-declared amq.topic exchange is used.
func ExchangeFor(ns *messaging.Namespace) rabbitmq.ExchangeDeclaration {
	props := ns.Properties()
	return rabbitmq.ExchangeDeclaration{
		Name:    props.Get(PropertyExchange, rabbitmq.DefaultExchange),
		Type:    props.Get(PropertyExchangeType, rabbitmq.DefaultExchangeType),
		Declare: props.Bool(PropertyExchangeDeclare, true),
		Durable: props.Bool(PropertyExchangeDurable, false),
	}
}
