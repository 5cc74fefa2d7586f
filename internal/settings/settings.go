package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aimerfeng/taskhub/internal/monitoring"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Source looks up a raw setting value. found is false when the key is unset.
type Source interface {
	Lookup(ctx context.Context, key string) (value string, found bool, err error)
}

// Provider serves settings with a short-lived in-memory cache in front of the source
type Provider struct {
	source Source
	cache  *cache.Cache
	logger zerolog.Logger
}

const cacheType = "settings"

// NewProvider creates a settings provider. A ttl of zero disables caching.
func NewProvider(source Source, ttl time.Duration, logger zerolog.Logger) *Provider {
	var c *cache.Cache
	if ttl > 0 {
		c = cache.New(ttl, 2*ttl)
	}
	return &Provider{source: source, cache: c, logger: logger}
}

type cachedValue struct {
	value string
	found bool
}

// String returns the setting value, or def when the key is unset or the
// lookup fails. Lookup failures are logged and never cached.
func (p *Provider) String(ctx context.Context, key, def string) string {
	if p.cache != nil {
		if v, ok := p.cache.Get(key); ok {
			monitoring.RecordCacheHit(cacheType)
			cv := v.(cachedValue)
			if !cv.found {
				return def
			}
			return cv.value
		}
		monitoring.RecordCacheMiss(cacheType)
	}

	value, found, err := p.source.Lookup(ctx, key)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("Setting lookup failed, using default")
		return def
	}
	if p.cache != nil {
		p.cache.SetDefault(key, cachedValue{value: value, found: found})
	}
	if !found {
		return def
	}
	return value
}

// Int returns the setting parsed as an integer, or def when the key is
// unset, unparsable or the lookup fails
func (p *Provider) Int(ctx context.Context, key string, def int) int {
	raw := p.String(ctx, key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.logger.Warn().Str("key", key).Str("value", raw).Msg("Setting is not an integer, using default")
		return def
	}
	return n
}

// Invalidate drops a cached value so the next read hits the source
func (p *Provider) Invalidate(key string) {
	if p.cache != nil {
		p.cache.Delete(key)
	}
}

// PostgresSource reads settings from the settings table
type PostgresSource struct {
	db *pgxpool.Pool
}

// NewPostgresSource creates a settings source backed by postgres
func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: db}
}

// Lookup implements Source
func (s *PostgresSource) Lookup(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, true, nil
}

// StaticSource serves settings from a fixed map
type StaticSource map[string]string

// Lookup implements Source
func (s StaticSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}
