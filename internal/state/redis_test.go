package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/txmonitor/internal/domain"
)

func newMiniRedisStore(t *testing.T, opts Options) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test", opts)
}

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisStore_OutageReportsUnavailable(t *testing.T) {
	client := unreachableClient()
	defer client.Close()
	s := NewRedisStore(client, "test", Options{Windows: testWindows})
	ctx := context.Background()

	_, err := s.Record(ctx, newTx("t1", "acct-1", 100, base, ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStateUnavailable)

	_, err = s.Snapshot(ctx, "acct-1", base)
	assert.ErrorIs(t, err, domain.ErrStateUnavailable)
}

func TestRedisStore_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := unreachableClient()
	defer client.Close()
	s := NewRedisStore(client, "test", Options{Windows: testWindows})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = s.Snapshot(ctx, "acct-1", base)
	}
	assert.Equal(t, gobreaker.StateOpen, s.BreakerState())

	_, err := s.Record(ctx, newTx("t1", "acct-1", 100, base, ""))
	assert.ErrorIs(t, err, domain.ErrStateUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestRedisStore_KeysShareHashSlot(t *testing.T) {
	s := NewRedisStore(unreachableClient(), "", Options{})
	keys := s.keys("acct-9")
	require.Len(t, keys, 4)
	for _, k := range keys {
		assert.Contains(t, k, "txmonitor:{acct-9}:")
	}
}

func TestParseRecordReply(t *testing.T) {
	e1, err := encodeEntry(domain.WindowEntry{TransactionID: "a", Timestamp: base, Amount: 10, Merchant: "m|1"})
	require.NoError(t, err)
	e2, err := encodeEntry(domain.WindowEntry{TransactionID: "b", Timestamp: base.Add(time.Second), Amount: 20})
	require.NoError(t, err)

	reply, err := parseRecordReply([]interface{}{int64(recordOK), base.UnixMicro(), "0000000000000001|" + e1, "0000000000000002|" + e2})
	require.NoError(t, err)
	assert.Equal(t, int64(recordOK), reply.status)

	entries, err := decodeEntries(reply.raw)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m|1", entries[0].Merchant)
	assert.True(t, entries[1].Timestamp.Equal(base.Add(time.Second)))

	dup, err := parseRecordReply([]interface{}{int64(recordDuplicate), int64(0)})
	require.NoError(t, err)
	assert.Equal(t, int64(recordDuplicate), dup.status)

	_, err = parseRecordReply([]interface{}{"bad"})
	assert.Error(t, err)
	_, err = decodeEntries([]string{"0000000000000003|{not json"})
	assert.Error(t, err)
	_, err = decodeEntries([]string{e1})
	assert.Error(t, err, "members carry a sequence prefix")
}

func TestRedisStore_NonMonotonicReportsLatest(t *testing.T) {
	s := newMiniRedisStore(t, Options{Windows: testWindows})
	ctx := context.Background()
	last := base.Add(1500 * time.Microsecond)

	_, err := s.Record(ctx, newTx("t1", "acct-1", 100, last, ""))
	require.NoError(t, err)
	_, err = s.Record(ctx, newTx("t0", "acct-1", 100, base.Add(time.Millisecond), ""))
	require.ErrorIs(t, err, domain.ErrNonMonotonicTimestamp)
	assert.Contains(t, err.Error(), last.Format(time.RFC3339Nano))
}
