//go:build unit

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-saga/saga/idempotency"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	ledger, err := NewLedger(client, opts...)
	require.NoError(t, err)

	return ledger, server
}

func TestNewLedger_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewLedger(nil)
	require.ErrorIs(t, err, idempotency.ErrConnectionRequired)
}

func TestLedgerRecord(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.Record(ctx, "msg-1", "enrollment-service")
	require.NoError(t, err)
	require.True(t, first)

	again, err := ledger.Record(ctx, "msg-1", "enrollment-service")
	require.NoError(t, err)
	require.False(t, again)

	other, err := ledger.Record(ctx, "msg-1", "capacity-service")
	require.NoError(t, err)
	require.True(t, other)
}

func TestLedgerRecord_Validates(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, " ", "enrollment-service")
	require.ErrorIs(t, err, idempotency.ErrEventIDRequired)

	_, err = ledger.Record(ctx, "msg-1", " ")
	require.ErrorIs(t, err, idempotency.ErrConsumerNameRequired)
}

func TestLedgerRecord_KeyPrefixAndTTL(t *testing.T) {
	t.Parallel()

	ledger, server := newTestLedger(t, WithKeyPrefix("acme:dedup"), WithTTL(time.Minute))
	ctx := context.Background()

	first, err := ledger.Record(ctx, "msg-1", "enrollment-service")
	require.NoError(t, err)
	require.True(t, first)

	key := "acme:dedup:enrollment-service:msg-1"
	require.True(t, server.Exists(key))
	require.Equal(t, time.Minute, server.TTL(key))

	// An expired marker makes the pair recordable again.
	server.FastForward(2 * time.Minute)

	first, err = ledger.Record(ctx, "msg-1", "enrollment-service")
	require.NoError(t, err)
	require.True(t, first)
}
