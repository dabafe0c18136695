// Package redis reads records from a Redis instance that mirrors the remote
// source: one string value per record under <prefix><canonical key>, plus one
// key holding the current logical version.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/loadcache"
	c "github.com/unkn0wn-root/loadcache/codec"
	"github.com/unkn0wn-root/loadcache/keycodec"
)

var ErrNilClient = errors.New("redis reader: nil client")

type Config[K any, V any] struct {
	Client goredis.UniversalClient
	Prefix string // prepended to every canonical key, e.g. "acct:"
	Keys   keycodec.Codec[K]
	Codec  c.Codec[V]
}

// Reader is a loadcache.BulkReader backed by MGET. A nil reply is an explicit
// absence; a value that fails to decode fails only its own key.
type Reader[K any, V any] struct {
	rdb    goredis.UniversalClient
	prefix string
	keys   keycodec.Codec[K]
	codec  c.Codec[V]
}

func New[K any, V any](cfg Config[K, V]) (*Reader[K, V], error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Keys == nil || cfg.Codec == nil {
		return nil, fmt.Errorf("redis reader: key and value codecs are required")
	}
	return &Reader[K, V]{rdb: cfg.Client, prefix: cfg.Prefix, keys: cfg.Keys, codec: cfg.Codec}, nil
}

var _ loadcache.BulkReader[string, []byte] = (*Reader[string, []byte])(nil)

func (r *Reader[K, V]) ReadMany(ctx context.Context, keys []K) ([]loadcache.Result[V], error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rk := make([]string, len(keys))
	for i, k := range keys {
		rk[i] = r.prefix + r.keys.Canonical(k)
	}
	vals, err := r.rdb.MGet(ctx, rk...).Result()
	if err != nil {
		return nil, err
	}
	return decodeReplies(r.codec, vals), nil
}

// decodeReplies maps MGET replies to results, position by position.
func decodeReplies[V any](codec c.Codec[V], vals []any) []loadcache.Result[V] {
	out := make([]loadcache.Result[V], len(vals))
	for i, v := range vals {
		var raw []byte
		switch t := v.(type) {
		case nil:
			continue // absent
		case string:
			raw = []byte(t)
		case []byte:
			raw = t
		default:
			out[i].Err = fmt.Errorf("redis reader: unexpected reply type %T", v)
			continue
		}
		val, err := codec.Decode(raw)
		if err != nil {
			out[i].Err = fmt.Errorf("redis reader: decode: %w", err)
			continue
		}
		out[i] = loadcache.Result[V]{Value: val, Found: true}
	}
	return out
}

// Clock reads the logical version from a single Redis key.
// A missing key reads as version 0.
type Clock struct {
	rdb goredis.UniversalClient
	key string
}

var _ loadcache.Clock = (*Clock)(nil)

func NewClock(client goredis.UniversalClient, key string) (*Clock, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &Clock{rdb: client, key: key}, nil
}

func (c *Clock) CurrentVersion(ctx context.Context) (uint64, error) {
	s, err := c.rdb.Get(ctx, c.key).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseVersion(s)
}

func parseVersion(s string) (uint64, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis clock parse: %w", err)
	}
	return u, nil
}
