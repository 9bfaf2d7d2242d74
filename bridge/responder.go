package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pocat-io/messagebus/contracts"
)

// RequestHandler serves one request. Returning a *contracts.StatusError sends
// its code; any other error is reported as StatusUnknownError.
type RequestHandler func(ctx context.Context, request *Reply) (contracts.Headers, []byte, error)

// Responder consumes requests for a group and publishes each result to the
// request's Reply-To address.
type Responder struct {
	bus     Bus
	group   string
	handler RequestHandler
	logger  *slog.Logger
}

// NewResponder creates a responder that consumes for group
func NewResponder(bus Bus, group string, handler RequestHandler, logger *slog.Logger) (*Responder, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		bus:     bus,
		group:   group,
		handler: handler,
		logger:  logger.With("component", "responder", "group", group),
	}, nil
}

// Serve binds the group to every source and starts answering requests.
// Handlers run with ctx.
func (r *Responder) Serve(ctx context.Context, sources ...string) error {
	if len(sources) == 0 {
		return fmt.Errorf("at least one request source is required")
	}
	for _, source := range sources {
		if err := r.bus.Bind(r.group, source); err != nil {
			return fmt.Errorf("failed to bind %s: %w", source, err)
		}
	}
	return r.bus.Subscribe(ctx, r.group, func(source string, headers contracts.Headers, payload []byte) {
		r.serveOne(ctx, source, headers, payload)
	})
}

func (r *Responder) serveOne(ctx context.Context, source string, headers contracts.Headers, payload []byte) {
	replyTo := headers.ReplyTo()
	txID := headers.TxID()

	replyHeaders, replyPayload, err := r.handler(ctx, &Reply{Source: source, Headers: headers, Payload: payload})
	if replyTo == "" {
		if err != nil {
			r.logger.Warn("request failed, no reply address", "tx_id", txID, "source", source, "error", err)
		}
		return
	}

	out := replyHeaders.Clone()
	out[contracts.HeaderTxID] = txID
	if err != nil {
		var statusErr *contracts.StatusError
		if errors.As(err, &statusErr) {
			out.SetStatusCode(statusErr.Code)
			replyPayload = []byte(statusErr.Message)
		} else {
			out.SetStatusCode(contracts.StatusUnknownError)
			replyPayload = []byte(err.Error())
		}
	} else {
		out.SetStatusCode(contracts.StatusSuccess)
	}

	if err := r.bus.Publish(ctx, replyTo, out, replyPayload); err != nil {
		r.logger.Error("failed to publish reply", "tx_id", txID, "reply_to", replyTo, "error", err)
	}
}
