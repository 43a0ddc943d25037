package cache

import (
	"context"
	"iter"
	"strings"
)

// shortKey strips the machine prefix and, when splitBy is set, keeps the
// second segment of the key. Keys with a single segment are kept whole.
func (m *Machine) shortKey(key, splitBy string) string {
	if m.cfg.prefix != "" {
		key = strings.TrimPrefix(key, m.cfg.prefix+":")
	}
	if splitBy == "" {
		return key
	}
	parts := strings.Split(key, splitBy)
	if len(parts) < 2 {
		return key
	}
	return parts[1]
}

// GetKeysMatching lists every key matching pattern with a single KEYS
// command. KEYS blocks the server while it walks the whole key space;
// prefer GetKeysMatchingUsingScan on large databases.
func (m *Machine) GetKeysMatching(ctx context.Context, pattern, splitBy string) (out []string, err error) {
	ctx, done := m.start(ctx, "keys", pattern)
	defer func() { done(err) }()
	qctx, cancel := m.queryCtx(ctx)
	defer cancel()
	keys, err := m.client.Keys(qctx, m.key(pattern)).Result()
	if err != nil {
		return nil, err
	}
	out = make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.shortKey(key, splitBy))
	}
	return out, nil
}

// GetKeysMatchingUsingScan lazily enumerates keys matching pattern with
// SCAN, requesting the next batch only when the previous one is consumed.
// A key may be yielded more than once if it is modified during the scan.
// Iteration stops after the first error, which is yielded with an empty key.
//
// On a cluster client SCAN only walks the node serving the call.
func (m *Machine) GetKeysMatchingUsingScan(ctx context.Context, pattern, splitBy string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var err error
		ctx, done := m.start(ctx, "scan", pattern)
		defer func() { done(err) }()

		match := m.key(pattern)
		var cursor uint64
		for {
			var keys []string
			qctx, cancel := m.queryCtx(ctx)
			keys, cursor, err = m.client.Scan(qctx, cursor, match, m.cfg.scanCount).Result()
			cancel()
			if err != nil {
				yield("", err)
				return
			}
			for _, key := range keys {
				if !yield(m.shortKey(key, splitBy), nil) {
					return
				}
			}
			if cursor == 0 {
				return
			}
		}
	}
}

// CollectKeys drains a key sequence into a slice.
func CollectKeys(seq iter.Seq2[string, error]) ([]string, error) {
	var keys []string
	for key, err := range seq {
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
