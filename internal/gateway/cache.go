package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// KV is the subset of the redis client used for caching.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedGateway memoises successful tool responses in redis. Failures are
// never cached and cache errors fall through to the wrapped gateway.
type CachedGateway struct {
	next   tools.Gateway
	kv     KV
	ttl    time.Duration
	prefix string
	logger *log.Logger
}

// NewCachedGateway wraps next. A zero ttl defaults to one hour.
func NewCachedGateway(next tools.Gateway, kv KV, ttl time.Duration, prefix string, logger *log.Logger) *CachedGateway {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "lexresearch:tools:"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CachedGateway{next: next, kv: kv, ttl: ttl, prefix: prefix, logger: logger}
}

func (c *CachedGateway) key(name tools.Name, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return c.prefix + string(name) + ":" + hex.EncodeToString(sum[:12])
}

// cached loads key into out, or calls fetch and stores its result.
func cached[T any](ctx context.Context, c *CachedGateway, key string, fetch func() (T, error)) (T, error) {
	raw, err := c.kv.Get(ctx, key).Bytes()
	if err == nil {
		var out T
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
		c.logger.Printf("warn: discard undecodable cache entry %s", key)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Printf("warn: cache get %s: %v", key, err)
	}
	out, err := fetch()
	if err != nil {
		return out, err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := c.kv.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.logger.Printf("warn: cache set %s: %v", key, err)
		}
	}
	return out, nil
}

func (c *CachedGateway) Search(ctx context.Context, args tools.SearchArgs) (tools.SearchResult, error) {
	key := c.key(tools.Search, strings.ToLower(args.Keyword), strconv.Itoa(args.Limit))
	return cached(ctx, c, key, func() (tools.SearchResult, error) { return c.next.Search(ctx, args) })
}

func (c *CachedGateway) Citations(ctx context.Context, id string) (tools.CitationsResult, error) {
	return cached(ctx, c, c.key(tools.Citations, id), func() (tools.CitationsResult, error) { return c.next.Citations(ctx, id) })
}

func (c *CachedGateway) Amendments(ctx context.Context, id string) (tools.AmendmentsResult, error) {
	return cached(ctx, c, c.key(tools.Amendments, id), func() (tools.AmendmentsResult, error) { return c.next.Amendments(ctx, id) })
}

func (c *CachedGateway) Status(ctx context.Context, id string) (tools.StatusResult, error) {
	return cached(ctx, c, c.key(tools.Status, id), func() (tools.StatusResult, error) { return c.next.Status(ctx, id) })
}

func (c *CachedGateway) Relationships(ctx context.Context, id string) (tools.RelationshipsResult, error) {
	return cached(ctx, c, c.key(tools.Relationships, id), func() (tools.RelationshipsResult, error) { return c.next.Relationships(ctx, id) })
}

func (c *CachedGateway) ExtractContent(ctx context.Context, ids []string) (tools.ExtractResult, error) {
	return cached(ctx, c, c.key(tools.ExtractContent, ids...), func() (tools.ExtractResult, error) { return c.next.ExtractContent(ctx, ids) })
}

var _ tools.Gateway = (*CachedGateway)(nil)
