//go:build unit

package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeclareTopology_Defaults(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	destinations := []string{"enrollment.create", "capacity.reserve"}

	require.NoError(t, DeclareTopology(ch, destinations))

	require.Equal(t, []exchangeCall{
		{name: "saga.direct", kind: "direct"},
		{name: "saga.dlx", kind: "topic"},
	}, ch.exchanges)

	require.Len(t, ch.queues, 3)
	require.Equal(t, "saga.dlq", ch.queues[0].name)
	require.Nil(t, ch.queues[0].args)

	for i, destination := range destinations {
		require.Equal(t, destination, ch.queues[i+1].name)
		require.Equal(t, "saga.dlx", ch.queues[i+1].args["x-dead-letter-exchange"])
	}

	require.Equal(t, []bindCall{
		{queue: "saga.dlq", key: "#", exchange: "saga.dlx"},
		{queue: "enrollment.create", key: "enrollment.create", exchange: "saga.direct"},
		{queue: "capacity.reserve", key: "capacity.reserve", exchange: "saga.direct"},
	}, ch.binds)
}

func TestDeclareTopology_Options(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()

	require.NoError(t, DeclareTopology(ch, []string{"enrollment.create"},
		WithExchangeName("edu.direct"),
		WithDLXExchangeName("edu.dlx"),
		WithDLQName("edu.dlq"),
		WithDLQMessageTTL(time.Hour),
		WithDLQMaxLength(10_000)))

	require.Equal(t, "edu.direct", ch.exchanges[0].name)
	require.Equal(t, "edu.dlx", ch.exchanges[1].name)

	require.Equal(t, "edu.dlq", ch.queues[0].name)
	require.Equal(t, int64(time.Hour/time.Millisecond), ch.queues[0].args["x-message-ttl"])
	require.Equal(t, int64(10_000), ch.queues[0].args["x-max-length"])

	require.Equal(t, "edu.dlx", ch.queues[1].args["x-dead-letter-exchange"])
	require.Equal(t, bindCall{queue: "edu.dlq", key: "#", exchange: "edu.dlx"}, ch.binds[0])
}

func TestDeclareTopology_RequiresChannel(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, DeclareTopology(nil, nil), ErrChannelRequired)
}
