package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic_Exact(t *testing.T) {
	assert.True(t, MatchTopic("order", "order"))
	assert.True(t, MatchTopic("order.created", "order.created"))
	assert.False(t, MatchTopic("order.created", "order.updated"))
	assert.False(t, MatchTopic("order", "order.created"))
}

func TestMatchTopic_Star(t *testing.T) {
	assert.True(t, MatchTopic("order.*", "order.created"))
	assert.True(t, MatchTopic("*.created", "order.created"))
	assert.False(t, MatchTopic("order.*", "order"))
	assert.False(t, MatchTopic("order.*", "order.created.eu"))
}

func TestMatchTopic_Hash(t *testing.T) {
	assert.True(t, MatchTopic("#", "anything.at.all"))
	assert.True(t, MatchTopic("order.#", "order"))
	assert.True(t, MatchTopic("order.#", "order.created.eu"))
	assert.True(t, MatchTopic("#.eu", "order.created.eu"))
	assert.True(t, MatchTopic("order.#.eu", "order.eu"))
	assert.False(t, MatchTopic("order.#.eu", "order.created.us"))
	assert.True(t, MatchTopic("*.#", "order.created"))
}
