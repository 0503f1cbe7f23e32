package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/banking/txmonitor/internal/domain"
)

// Script status codes
const (
	recordOK           = 1
	recordDuplicate    = -1
	recordNonMonotonic = -2
)

// recordScript appends one entry to an entity's window set atomically.
// Members are prefixed with a per-entity sequence so entries sharing a score
// keep arrival order.
// KEYS: entries zset, seen zset, last-ts string, sequence counter
// ARGV: tx id, ts us, member, cutoff us, max entries, ttl ms
// Returns {status, last_ts_us, members...}
var recordScript = redis.NewScript(`
	if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
		return {-1, 0}
	end
	local ts = tonumber(ARGV[2])
	local last = redis.call('GET', KEYS[3])
	if last and ts < tonumber(last) then
		return {-2, tonumber(last)}
	end

	local seq = redis.call('INCR', KEYS[4])
	redis.call('ZADD', KEYS[1], ARGV[2], string.format('%016d', seq) .. '|' .. ARGV[3])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	redis.call('SET', KEYS[3], ARGV[2])

	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[4])
	redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[4])

	local n = redis.call('ZCARD', KEYS[1])
	local max = tonumber(ARGV[5])
	if n > max then
		redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - max - 1)
	end

	for i = 1, 4 do
		redis.call('PEXPIRE', KEYS[i], ARGV[6])
	end

	local out = {1, ts}
	for _, m in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
		table.insert(out, m)
	end
	return out
`)

// RedisStore keeps window entries in one sorted set per entity, scored by
// event time in microseconds, so several engine replicas share state.
type RedisStore struct {
	client  redis.UniversalClient
	opts    Options
	prefix  string
	breaker *gobreaker.CircuitBreaker
}

// NewRedisStore creates a Redis-backed window store. Calls go through a
// circuit breaker; an open breaker reports domain.ErrStateUnavailable at once.
func NewRedisStore(client redis.UniversalClient, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "txmonitor"
	}
	return &RedisStore{
		client: client,
		opts:   opts,
		prefix: prefix,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "state-redis",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *RedisStore) keys(entityID string) []string {
	// hash tag keeps all keys of one entity on the same cluster slot
	base := s.prefix + ":{" + entityID + "}"
	return []string{base + ":win", base + ":seen", base + ":last", base + ":seq"}
}

type recordReply struct {
	status int64
	last   int64
	raw    []string
}

// Record implements Store
func (s *RedisStore) Record(ctx context.Context, tx *domain.Transaction) (*domain.WindowSnapshot, error) {
	member, err := encodeEntry(entryOf(tx))
	if err != nil {
		return nil, err
	}
	retention := s.opts.Retention()
	ts := orderKey(tx.Timestamp)

	res, err := s.breaker.Execute(func() (interface{}, error) {
		v, err := recordScript.Run(ctx, s.client, s.keys(tx.EntityID),
			tx.ID,
			strconv.FormatInt(ts, 10),
			member,
			strconv.FormatInt(ts-retention.Microseconds(), 10),
			s.opts.maxEntries(),
			(retention + time.Hour).Milliseconds(),
		).Slice()
		if err != nil {
			return nil, err
		}
		return parseRecordReply(v)
	})
	if err != nil {
		return nil, unavailable(err)
	}

	reply := res.(*recordReply)
	switch reply.status {
	case recordDuplicate:
		return nil, domain.ErrDuplicateTransaction
	case recordNonMonotonic:
		return nil, nonMonotonic(time.UnixMicro(reply.last))
	}

	entries, err := decodeEntries(reply.raw)
	if err != nil {
		return nil, unavailable(err)
	}
	return BuildSnapshot(tx.EntityID, entries, s.opts.Windows, tx.Timestamp), nil
}

// Snapshot implements Store
func (s *RedisStore) Snapshot(ctx context.Context, entityID string, now time.Time) (*domain.WindowSnapshot, error) {
	from := now.Add(-s.opts.Retention())
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.ZRangeByScore(ctx, s.keys(entityID)[0], &redis.ZRangeBy{
			Min: strconv.FormatInt(orderKey(from), 10),
			Max: strconv.FormatInt(orderKey(now), 10),
		}).Result()
	})
	if err != nil {
		return nil, unavailable(err)
	}

	entries, err := decodeEntries(res.([]string))
	if err != nil {
		return nil, unavailable(err)
	}
	return BuildSnapshot(entityID, entries, s.opts.Windows, now), nil
}

// Windows implements Store
func (s *RedisStore) Windows() []domain.WindowSpec {
	return s.opts.Windows
}

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// BreakerState exposes the breaker state for readiness reporting
func (s *RedisStore) BreakerState() gobreaker.State {
	return s.breaker.State()
}

func unavailable(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open", domain.ErrStateUnavailable)
	}
	return fmt.Errorf("%w: %v", domain.ErrStateUnavailable, err)
}

func parseRecordReply(v []interface{}) (*recordReply, error) {
	if len(v) < 2 {
		return nil, fmt.Errorf("unexpected record reply length %d", len(v))
	}
	status, ok := v[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected record status %T", v[0])
	}
	last, _ := v[1].(int64)
	reply := &recordReply{status: status, last: last}
	for _, m := range v[2:] {
		str, ok := m.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected window member %T", m)
		}
		reply.raw = append(reply.raw, str)
	}
	return reply, nil
}

func encodeEntry(e domain.WindowEntry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeEntries parses "seq|json" zset members, which Redis returns in
// score then sequence order
func decodeEntries(raw []string) ([]domain.WindowEntry, error) {
	entries := make([]domain.WindowEntry, 0, len(raw))
	for _, m := range raw {
		_, body, ok := strings.Cut(m, "|")
		if !ok {
			return nil, fmt.Errorf("decode window entry: missing sequence in %q", m)
		}
		var e domain.WindowEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode window entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
