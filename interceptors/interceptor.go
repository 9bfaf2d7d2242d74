package interceptors

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/messaging"
)

// Next passes a delivery on to the rest of the chain
type Next func(d *contracts.Delivery)

// Interceptor processes a delivery and decides whether to call next
type Interceptor interface {
	Intercept(d *contracts.Delivery, next Next)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(d *contracts.Delivery, next Next)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(d *contracts.Delivery, next Next)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(d *contracts.Delivery, next Next) {
	i.fn(d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptorChain{logger: logger}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Wrap returns a handler running final behind every interceptor
func (c *InterceptorChain) Wrap(final messaging.Handler) messaging.Handler {
	if len(c.interceptors) == 0 {
		return final
	}
	interceptors := append([]Interceptor(nil), c.interceptors...)

	return func(source string, headers contracts.Headers, payload []byte) {
		d := &contracts.Delivery{
			Source:   source,
			Envelope: contracts.Envelope{Headers: headers, Payload: payload},
		}
		var call func(i int, d *contracts.Delivery)
		call = func(i int, d *contracts.Delivery) {
			if i == len(interceptors) {
				final(d.Source, d.Headers, d.Payload)
				return
			}
			interceptors[i].Intercept(d, func(d *contracts.Delivery) { call(i+1, d) })
		}
		call(0, d)
	}
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(d *contracts.Delivery, next Next) {
	start := time.Now()
	i.logger.Debug("processing delivery",
		"source", d.Source,
		"txId", d.Headers.TxID(),
		"messageId", d.Headers.MessageID(),
		"size", len(d.Payload),
	)

	next(d)

	i.logger.Debug("delivery processed",
		"source", d.Source,
		"txId", d.Headers.TxID(),
		"duration", time.Since(start),
	)
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns a handler panic into an error log
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(d *contracts.Delivery, next Next) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("handler panicked",
				"source", d.Source,
				"txId", d.Headers.TxID(),
				"error", fmt.Errorf("panic: %v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	next(d)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
