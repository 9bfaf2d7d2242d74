package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocat-io/messagebus/contracts"
)

func TestTopologyManager(t *testing.T) {
	ctx := context.Background()

	t.Run("predeclared exchanges are skipped", func(t *testing.T) {
		b := newFakeBroker()
		p := newTestPool(b)
		defer p.Close()
		tm := NewTopologyManager(p)

		require.NoError(t, tm.DeclareExchange(ctx, ExchangeDeclaration{Name: DefaultExchange, Declare: true}))
		require.NoError(t, tm.DeclareExchange(ctx, ExchangeDeclaration{Name: ""}))
		assert.Equal(t, 0, b.Dials())
	})

	t.Run("declares with default type", func(t *testing.T) {
		b := newFakeBroker()
		p := newTestPool(b)
		defer p.Close()
		tm := NewTopologyManager(p)

		require.NoError(t, tm.DeclareExchange(ctx, ExchangeDeclaration{Name: "orders", Declare: true}))
		assert.Equal(t, "topic", b.exchanges["orders"])
	})

	t.Run("passive check of missing exchange fails as broker io", func(t *testing.T) {
		b := newFakeBroker()
		p := newTestPool(b, WithMaxSessions(1), WithMaxConnections(1))
		defer p.Close()
		tm := NewTopologyManager(p)

		err := tm.DeclareExchange(ctx, ExchangeDeclaration{Name: "missing"})
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "verify", topoErr.Op)
		assert.ErrorIs(t, err, contracts.ErrBrokerIO)

		// the session closed by the failed check was discarded
		assert.Equal(t, 0, p.Stats().Sessions)
	})

	t.Run("passive check of existing exchange succeeds", func(t *testing.T) {
		b := newFakeBroker()
		b.exchanges["billing"] = "topic"
		p := newTestPool(b)
		defer p.Close()

		assert.NoError(t, NewTopologyManager(p).DeclareExchange(ctx, ExchangeDeclaration{Name: "billing"}))
	})

	t.Run("ensure queue declares when absent", func(t *testing.T) {
		b := newFakeBroker()
		p := newTestPool(b, WithMaxSessions(1), WithMaxConnections(1))
		defer p.Close()
		tm := NewTopologyManager(p)

		require.NoError(t, tm.EnsureQueue(ctx, QueueDeclaration{Name: "workers", Durable: true, AutoDelete: true}))
		assert.True(t, b.queues["workers"])

		require.NoError(t, tm.EnsureQueue(ctx, QueueDeclaration{Name: "workers"}))
	})

	t.Run("ensure queue reports declare failure", func(t *testing.T) {
		b := newFakeBroker()
		b.failDeclare = errors.New("access refused")
		p := newTestPool(b)
		defer p.Close()

		err := NewTopologyManager(p).EnsureQueue(ctx, QueueDeclaration{Name: "workers"})
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "declare", topoErr.Op)
	})

	t.Run("binds queue", func(t *testing.T) {
		b := newFakeBroker()
		p := newTestPool(b)
		defer p.Close()

		require.NoError(t, NewTopologyManager(p).BindQueue(ctx, Binding{Queue: "q", Exchange: "x", RoutingKey: "a.*"}))
		assert.Equal(t, []Binding{{Queue: "q", Exchange: "x", RoutingKey: "a.*"}}, b.bindings)
	})
}
