package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/agentuity/cachemachine/metrics"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Entry is a queue member exactly as it is stored in the sorted set.
type Entry struct {
	// Member is the encoded payload. Pass it to RemoveEntry to acknowledge
	// this exact member.
	Member string
	// Score is the member's eligibility time in Unix milliseconds.
	Score float64
}

// EligibleAt returns the time from which the entry may be popped.
func (e Entry) EligibleAt() time.Time {
	return time.UnixMilli(int64(e.Score))
}

// DecodeEntry decodes an entry's payload with codec. A nil entry is NotFound.
func DecodeEntry[T any](codec Codec, e *Entry) Result[T] {
	if e == nil {
		return notFound[T]()
	}
	return Decode[T](codec, []byte(e.Member))
}

func (m *Machine) nowMillis() int64 {
	return m.Now().UnixMilli()
}

func (m *Machine) scoreOrNow(score int64) int64 {
	if score <= 0 {
		return m.nowMillis()
	}
	return score
}

func eligibleRange(now int64, count int64) *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: "0", Max: strconv.FormatInt(now, 10), Count: count}
}

func firstEntry(zs []redis.Z) *Entry {
	if len(zs) == 0 {
		return nil
	}
	member, _ := zs[0].Member.(string)
	return &Entry{Member: member, Score: zs[0].Score}
}

// AddWithScore adds data to the sorted set at key, eligible from score (Unix
// milliseconds). A non-positive score means now. Adding an identical payload
// again only moves its score.
func (m *Machine) AddWithScore(ctx context.Context, key string, data any, score int64) (err error) {
	ctx, done := m.start(ctx, "zadd", key)
	defer func() { done(err) }()
	member, err := m.encode(key, data)
	if err != nil {
		return err
	}
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	err = m.client.ZAdd(qctx, m.key(key), redis.Z{Score: float64(m.scoreOrNow(score)), Member: string(member)}).Err()
	if err == nil {
		metrics.ObserveQueue("add")
	}
	return err
}

// PeekEntry returns the lowest scored member whose score is at most now, or
// nil when none is eligible. The member stays in the set: callers remove it
// with RemoveEntry once processed, so a crash in between redelivers it.
func (m *Machine) PeekEntry(ctx context.Context, key string) (e *Entry, err error) {
	ctx, done := m.start(ctx, "zpeek", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	zs, err := m.client.ZRangeByScoreWithScores(qctx, m.key(key), eligibleRange(m.nowMillis(), 1)).Result()
	if err != nil {
		return nil, err
	}
	metrics.ObserveQueue("peek")
	return firstEntry(zs), nil
}

// PopAtCurrentTimestamp decodes the earliest eligible member of key without
// removing it. See PeekEntry.
func PopAtCurrentTimestamp[T any](ctx context.Context, m *Machine, key string) (Result[T], error) {
	e, err := m.PeekEntry(ctx, key)
	if err != nil {
		return notFound[T](), err
	}
	res := DecodeEntry[T](m.cfg.codec, e)
	if res.Status == StatusCorrupt {
		m.logger.Warn("undecodable queue member in %s: %s", key, res.Cause)
	}
	return res, nil
}

// RemoveFromSet removes the member encoding data from key and reports
// whether it was present.
func (m *Machine) RemoveFromSet(ctx context.Context, key string, data any) (bool, error) {
	member, err := m.encode(key, data)
	if err != nil {
		return false, err
	}
	return m.RemoveEntry(ctx, key, string(member))
}

// RemoveEntry removes an already encoded member, as found in Entry.Member.
func (m *Machine) RemoveEntry(ctx context.Context, key string, member string) (removed bool, err error) {
	ctx, done := m.start(ctx, "zrem", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	n, err := m.client.ZRem(qctx, m.key(key), member).Result()
	if err != nil {
		return false, err
	}
	metrics.ObserveQueue("remove")
	return n > 0, nil
}

// Reschedule moves an already encoded member to score. It reports false,
// and adds nothing, when the member is no longer in the set.
func (m *Machine) Reschedule(ctx context.Context, key string, member string, score int64) (moved bool, err error) {
	ctx, done := m.start(ctx, "zreschedule", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	// XX with CH so an update of an existing member counts as changed
	n, err := m.client.ZAddArgs(qctx, m.key(key), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(m.scoreOrNow(score)), Member: member}},
	}).Result()
	if err != nil {
		return false, err
	}
	metrics.ObserveQueue("reschedule")
	if n > 0 {
		return true, nil
	}
	// CH does not count a member whose score was already score
	_, err = m.client.ZScore(qctx, m.key(key), member).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes key entirely and reports whether it existed.
func (m *Machine) Delete(ctx context.Context, key string) (deleted bool, err error) {
	ctx, done := m.start(ctx, "del", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	n, err := m.client.Del(qctx, m.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CurrentSetCount returns how many members of key are eligible now.
func (m *Machine) CurrentSetCount(ctx context.Context, key string) (count int64, err error) {
	ctx, done := m.start(ctx, "zcount", key)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	return m.client.ZCount(qctx, m.key(key), "0", strconv.FormatInt(m.nowMillis(), 10)).Result()
}

// SortedSetCounts returns the eligible member count of each key as of at,
// or as of now when at is zero, using one pipelined round trip.
func (m *Machine) SortedSetCounts(ctx context.Context, keys []string, at time.Time) (counts map[string]int64, err error) {
	ctx, done := m.start(ctx, "zcounts", "")
	defer func() { done(err) }()
	counts = make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return counts, nil
	}
	if at.IsZero() {
		at = m.Now()
	}
	max := strconv.FormatInt(at.UnixMilli(), 10)

	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	cmds := make(map[string]*redis.IntCmd, len(keys))
	pipe := m.client.Pipeline()
	for _, key := range keys {
		cmds[key] = pipe.ZCount(qctx, m.key(key), "0", max)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return nil, err
	}
	for key, cmd := range cmds {
		counts[key] = cmd.Val()
	}
	return counts, nil
}
