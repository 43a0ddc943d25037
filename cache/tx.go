package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Tx groups facade operations into one MULTI/EXEC batch. Operations only
// queue commands; nothing reaches the store until Exec, which may be called
// once. A Tx is not safe for concurrent use.
type Tx struct {
	m        *Machine
	pipe     redis.Pipeliner
	err      error
	executed bool
}

// Pending is the result of a queued operation, available after Exec.
type Pending[T any] struct {
	tx      *Tx
	resolve func() (T, error)
}

// Result returns the operation's outcome. It fails with ErrTxNotExecuted
// until the transaction has run, and with the abort reason when the batch
// was never sent.
func (p *Pending[T]) Result() (T, error) {
	var zero T
	if !p.tx.executed {
		return zero, ErrTxNotExecuted
	}
	if p.tx.err != nil {
		return zero, p.tx.err
	}
	return p.resolve()
}

func pending[T any](tx *Tx, resolve func() (T, error)) *Pending[T] {
	return &Pending[T]{tx: tx, resolve: resolve}
}

// CreateTransaction returns an empty transaction bound to m.
func (m *Machine) CreateTransaction() *Tx {
	return &Tx{m: m, pipe: m.client.TxPipeline()}
}

// Len returns the number of queued commands.
func (tx *Tx) Len() int {
	return tx.pipe.Len()
}

func (tx *Tx) fail(err error) {
	if tx.err == nil {
		tx.err = err
	}
}

// Set queues Set. See Machine.Set for ttl handling.
func (tx *Tx) Set(key string, value any, ttl time.Duration) {
	data, err := tx.m.encode(key, value)
	if err != nil {
		tx.fail(err)
		return
	}
	tx.pipe.Set(context.Background(), tx.m.key(key), data, tx.m.expiry(ttl))
}

// AddWithScore queues AddWithScore.
func (tx *Tx) AddWithScore(key string, data any, score int64) {
	member, err := tx.m.encode(key, data)
	if err != nil {
		tx.fail(err)
		return
	}
	tx.pipe.ZAdd(context.Background(), tx.m.key(key), redis.Z{Score: float64(tx.m.scoreOrNow(score)), Member: string(member)})
}

// PopAtCurrentTimestamp queues a peek at the earliest member eligible at the
// time of queueing. The pending entry is nil when none was eligible.
func (tx *Tx) PopAtCurrentTimestamp(key string) *Pending[*Entry] {
	cmd := tx.pipe.ZRangeByScoreWithScores(context.Background(), tx.m.key(key), eligibleRange(tx.m.nowMillis(), 1))
	return pending(tx, func() (*Entry, error) {
		zs, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		return firstEntry(zs), nil
	})
}

// RemoveFromSet queues RemoveFromSet.
func (tx *Tx) RemoveFromSet(key string, data any) *Pending[bool] {
	member, err := tx.m.encode(key, data)
	if err != nil {
		tx.fail(err)
		return pending(tx, func() (bool, error) { return false, err })
	}
	return tx.RemoveEntry(key, string(member))
}

// RemoveEntry queues RemoveEntry.
func (tx *Tx) RemoveEntry(key string, member string) *Pending[bool] {
	cmd := tx.pipe.ZRem(context.Background(), tx.m.key(key), member)
	return pending(tx, func() (bool, error) {
		n, err := cmd.Result()
		return n > 0, err
	})
}

// Delete queues Delete.
func (tx *Tx) Delete(key string) *Pending[bool] {
	cmd := tx.pipe.Del(context.Background(), tx.m.key(key))
	return pending(tx, func() (bool, error) {
		n, err := cmd.Result()
		return n > 0, err
	})
}

// CurrentSetCount queues a count of members eligible at the time of queueing.
func (tx *Tx) CurrentSetCount(key string) *Pending[int64] {
	cmd := tx.pipe.ZCount(context.Background(), tx.m.key(key), "0", strconv.FormatInt(tx.m.nowMillis(), 10))
	return pending(tx, cmd.Result)
}

// Discard drops every queued command. The transaction can no longer run.
// Discarding an executed transaction is a no-op.
func (tx *Tx) Discard() {
	if tx.executed {
		return
	}
	tx.pipe.Discard()
	tx.executed = true
	tx.fail(errors.New("cache: transaction discarded"))
}

// Exec runs the queued commands as one atomic batch. An encoding failure
// while queueing aborts the batch before anything is sent.
func (tx *Tx) Exec(ctx context.Context) (err error) {
	if tx.executed {
		return ErrTxExecuted
	}
	tx.executed = true
	if tx.err != nil {
		tx.pipe.Discard()
		return tx.err
	}
	ctx, done := tx.m.start(ctx, "exec", "")
	defer func() { done(err) }()
	qctx, cancel := tx.m.queryCtx(ctx)
	defer cancel()
	if _, err := tx.pipe.Exec(qctx); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
