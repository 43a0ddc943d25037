package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentuity/cachemachine/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	_, m := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "test", 1, 0))
	res, err := Get[int](ctx, m, "test")
	require.NoError(t, err)
	assert.True(t, res.Found())
	assert.Equal(t, 1, res.Value)

	require.NoError(t, m.Set(ctx, "item", item{Name: "widget", Count: 3}, time.Minute))
	got, err := Get[item](ctx, m, "item")
	require.NoError(t, err)
	assert.Equal(t, item{Name: "widget", Count: 3}, got.Value)
}

func TestGetStoresJSONText(t *testing.T) {
	mr, m := newTestMachine(t)
	require.NoError(t, m.Set(context.Background(), "item", item{Name: "a", Count: 1}, 0))

	raw, err := mr.Get("item")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a","count":1}`, raw)
}

func TestGetFalsyValuesAreFound(t *testing.T) {
	_, m := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "zero", 0, 0))
	require.NoError(t, m.Set(ctx, "false", false, 0))
	require.NoError(t, m.Set(ctx, "empty", "", 0))

	zero, err := Get[int](ctx, m, "zero")
	require.NoError(t, err)
	assert.Equal(t, StatusFound, zero.Status)

	f, err := Get[bool](ctx, m, "false")
	require.NoError(t, err)
	assert.Equal(t, StatusFound, f.Status)

	empty, err := Get[string](ctx, m, "empty")
	require.NoError(t, err)
	assert.Equal(t, StatusFound, empty.Status)
}

func TestGetMissingAndDefault(t *testing.T) {
	_, m := newTestMachine(t)
	ctx := context.Background()

	res, err := Get[string](ctx, m, "nope")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)

	val, err := GetOrDefault(ctx, m, "nope", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", val)
}

func TestGetCorruptValue(t *testing.T) {
	mr, client := newTestRedis(t)
	log := logger.NewTestLogger()
	m := New(client, WithLogger(log))
	ctx := context.Background()

	require.NoError(t, mr.Set("bad", "{not json"))
	res, err := Get[map[string]any](ctx, m, "bad")
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, res.Status)
	assert.Error(t, res.Cause)

	val, err := GetOrDefault(ctx, m, "bad", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, val)

	assert.NotEmpty(t, log.Find("undecodable value at %s: %s"))
}

func TestGetStoreFailure(t *testing.T) {
	mr, m := newTestMachine(t)
	mr.SetError("ERR boom")

	_, err := Get[string](context.Background(), m, "key")
	assert.Error(t, err)

	val, err := GetOrDefault(context.Background(), m, "key", "def")
	assert.Error(t, err)
	assert.Equal(t, "def", val)
}

func TestSetTTL(t *testing.T) {
	mr, m := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", "v", 2*time.Second))
	assert.Equal(t, 2*time.Second, mr.TTL("short"))

	require.NoError(t, m.Set(ctx, "default", "v", 0))
	assert.Equal(t, DefaultExpires, mr.TTL("default"))

	require.NoError(t, m.Set(ctx, "forever", "v", NoExpiry))
	assert.Equal(t, time.Duration(0), mr.TTL("forever"))

	mr.FastForward(3 * time.Second)
	res, err := Get[string](ctx, m, "short")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)

	res, err = Get[string](ctx, m, "forever")
	require.NoError(t, err)
	assert.True(t, res.Found())
}

func TestSetEncodeFailure(t *testing.T) {
	_, m := newTestMachine(t)
	err := m.Set(context.Background(), "chan", make(chan int), 0)
	assert.Error(t, err)
}

func TestSetWithPrefixAndMsgpack(t *testing.T) {
	mr, m := newTestMachine(t, WithPrefix("app"), WithCodec(MsgpackCodec))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "item", item{Name: "packed", Count: 9}, 0))
	assert.True(t, mr.Exists("app:item"))
	assert.False(t, mr.Exists("item"))

	res, err := Get[item](ctx, m, "item")
	require.NoError(t, err)
	assert.Equal(t, item{Name: "packed", Count: 9}, res.Value)
}

func TestGetAndDel(t *testing.T) {
	mr, m := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "test2", "test", 0))
	res, err := GetAndDel[string](ctx, m, "test2")
	require.NoError(t, err)
	assert.True(t, res.Found())
	assert.Equal(t, "test", res.Value)
	assert.False(t, mr.Exists("test2"))

	after, err := Get[string](ctx, m, "test2")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, after.Status)

	missing, err := GetAndDel[string](ctx, m, "test2")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, missing.Status)
}

func TestGetAndDelCorrupt(t *testing.T) {
	mr, m := newTestMachine(t)
	require.NoError(t, mr.Set("bad", "nope"))

	res, err := GetAndDel[int](context.Background(), m, "bad")
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, res.Status)
	assert.False(t, mr.Exists("bad"))
}

func TestGetOrSet(t *testing.T) {
	mr, m := newTestMachine(t)
	ctx := context.Background()

	calls := 0
	value, err := GetOrSet(ctx, m, "test3", func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, value)
	assert.Equal(t, 1, calls)
	assert.Equal(t, time.Minute, mr.TTL("test3"))

	value, err = GetOrSet(ctx, m, "test3", func(ctx context.Context) (int, error) {
		calls++
		return 2, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, value)
	assert.Equal(t, 1, calls)
}

func TestGetOrSetStoredZeroIsHit(t *testing.T) {
	_, m := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "zero", 0, 0))

	value, err := GetOrSet(ctx, m, "zero", func(ctx context.Context) (int, error) {
		t.Fatal("fallback must not run for a stored zero")
		return 5, nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, value)
}

func TestGetOrSetCorruptIsMiss(t *testing.T) {
	mr, m := newTestMachine(t)
	require.NoError(t, mr.Set("bad", "{"))

	value, err := GetOrSet(context.Background(), m, "bad", func(ctx context.Context) (string, error) {
		return "fresh", nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)

	raw, err := mr.Get("bad")
	require.NoError(t, err)
	assert.Equal(t, `"fresh"`, raw)
}

func TestGetOrSetFallbackError(t *testing.T) {
	mr, m := newTestMachine(t)
	boom := errors.New("boom")

	_, err := GetOrSet(context.Background(), m, "key", func(ctx context.Context) (string, error) {
		return "", boom
	}, 0)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("key"))
}

func TestGetOrSetNilFallback(t *testing.T) {
	mr, m := newTestMachine(t)

	value, err := GetOrSet[*item](context.Background(), m, "key", nil, 0)
	require.NoError(t, err)
	assert.Nil(t, value)

	raw, err := mr.Get("key")
	require.NoError(t, err)
	assert.Equal(t, "null", raw)
}

func TestGetOrSetWriteFailureReturnsValue(t *testing.T) {
	mr, m := newTestMachine(t)

	value, err := GetOrSet(context.Background(), m, "key", func(ctx context.Context) (string, error) {
		mr.SetError("ERR read only")
		return "computed", nil
	}, 0)
	assert.Error(t, err)
	assert.Equal(t, "computed", value)
}
