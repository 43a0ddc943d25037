package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionBatchesQueueOps(t *testing.T) {
	clock := newFakeClock(1_000)
	mr, m := newTestMachine(t, WithClock(clock.Now))
	ctx := context.Background()

	tx := m.CreateTransaction()
	tx.AddWithScore("jobs", job{ID: "a"}, 100)
	tx.AddWithScore("jobs", job{ID: "b"}, 2_000)
	tx.Set("meta", "ready", time.Minute)
	count := tx.CurrentSetCount("jobs")
	head := tx.PopAtCurrentTimestamp("jobs")
	assert.Equal(t, 5, tx.Len())

	assert.False(t, mr.Exists("jobs"), "nothing runs before Exec")
	_, err := count.Result()
	assert.ErrorIs(t, err, ErrTxNotExecuted)

	require.NoError(t, tx.Exec(ctx))

	n, err := count.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err := head.Result()
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, float64(100), e.Score)
	decoded := DecodeEntry[job](m.Codec(), e)
	assert.Equal(t, "a", decoded.Value.ID)

	res, err := Get[string](ctx, m, "meta")
	require.NoError(t, err)
	assert.Equal(t, "ready", res.Value)
	assert.Equal(t, time.Minute, mr.TTL("meta"))
}

func TestTransactionRemoveAndDelete(t *testing.T) {
	clock := newFakeClock(1_000)
	mr, m := newTestMachine(t, WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, m.AddWithScore(ctx, "jobs", job{ID: "a"}, 100))
	require.NoError(t, m.AddWithScore(ctx, "other", job{ID: "z"}, 100))

	tx := m.CreateTransaction()
	removed := tx.RemoveFromSet("jobs", job{ID: "a"})
	missing := tx.RemoveEntry("jobs", `{"id":"nope"}`)
	deleted := tx.Delete("other")
	gone := tx.Delete("never-existed")
	empty := tx.PopAtCurrentTimestamp("jobs")
	require.NoError(t, tx.Exec(ctx))

	ok, err := removed.Result()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = missing.Result()
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = deleted.Result()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("other"))

	ok, err = gone.Result()
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := empty.Result()
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestTransactionExecOnce(t *testing.T) {
	_, m := newTestMachine(t)
	ctx := context.Background()

	tx := m.CreateTransaction()
	tx.Set("k", 1, 0)
	require.NoError(t, tx.Exec(ctx))
	assert.ErrorIs(t, tx.Exec(ctx), ErrTxExecuted)
}

func TestTransactionEmptyExec(t *testing.T) {
	_, m := newTestMachine(t)
	tx := m.CreateTransaction()
	assert.Equal(t, 0, tx.Len())
	assert.NoError(t, tx.Exec(context.Background()))
}

func TestTransactionEncodeFailureAborts(t *testing.T) {
	mr, m := newTestMachine(t)
	ctx := context.Background()

	tx := m.CreateTransaction()
	tx.Set("good", "value", 0)
	removed := tx.RemoveFromSet("jobs", make(chan int))
	tx.AddWithScore("jobs", func() {}, 1)

	err := tx.Exec(ctx)
	require.Error(t, err)
	assert.False(t, mr.Exists("good"), "an aborted batch must not partially apply")

	_, rerr := removed.Result()
	assert.Error(t, rerr)
}

func TestTransactionDiscard(t *testing.T) {
	mr, m := newTestMachine(t)

	tx := m.CreateTransaction()
	tx.Set("k", "v", 0)
	del := tx.Delete("k")
	tx.Discard()

	assert.ErrorIs(t, tx.Exec(context.Background()), ErrTxExecuted)
	assert.False(t, mr.Exists("k"))
	_, err := del.Result()
	assert.Error(t, err)
}

func TestTransactionDiscardAfterExec(t *testing.T) {
	mr, m := newTestMachine(t)
	require.NoError(t, mr.Set("k", "v"))

	tx := m.CreateTransaction()
	del := tx.Delete("k")
	require.NoError(t, tx.Exec(context.Background()))
	tx.Discard()

	deleted, err := del.Result()
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("k"))
}
