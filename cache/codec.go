package cache

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts application values to and from the bytes kept in the store.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

var (
	// JSONCodec stores values as JSON text. It is the default.
	JSONCodec Codec = jsonCodec{}
	// MsgpackCodec stores values as msgpack.
	MsgpackCodec Codec = msgpackCodec{}
)

// CodecByName resolves "json" or "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", JSONCodec.Name():
		return JSONCodec, nil
	case MsgpackCodec.Name():
		return MsgpackCodec, nil
	}
	return nil, errors.Newf("cache: unknown codec %q", name)
}

// Status tells a lookup result apart: absent, present, or present but
// undecodable.
type Status int

const (
	StatusNotFound Status = iota
	StatusFound
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "not_found"
	}
}

// Result is the outcome of reading a value. Absence and corruption are
// normal results, never errors; store failures are returned separately.
type Result[T any] struct {
	Value  T
	Status Status
	// Cause holds the decode error when Status is StatusCorrupt.
	Cause error
}

// Found reports whether the result holds a decoded value. Zero values such
// as 0, false or "" are found when they were stored.
func (r Result[T]) Found() bool {
	return r.Status == StatusFound
}

// Or returns the value when found, otherwise def.
func (r Result[T]) Or(def T) T {
	if r.Found() {
		return r.Value
	}
	return def
}

func found[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusFound}
}

func notFound[T any]() Result[T] {
	return Result[T]{Status: StatusNotFound}
}

func corrupt[T any](err error) Result[T] {
	return Result[T]{Status: StatusCorrupt, Cause: err}
}

// Decode decodes raw with codec. A nil raw slice is NotFound; a decode
// failure is Corrupt.
func Decode[T any](codec Codec, raw []byte) Result[T] {
	if raw == nil {
		return notFound[T]()
	}
	var v T
	if err := codec.Unmarshal(raw, &v); err != nil {
		return corrupt[T](err)
	}
	return found(v)
}
