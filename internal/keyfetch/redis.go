package keyfetch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// DefaultRedisKeyPrefix is prepended to the issuer name to form the Redis key.
const DefaultRedisKeyPrefix = "authn:jwks:"

// RedisOption configures a RedisSource.
type RedisOption func(*RedisSource)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSource) {
		s.prefix = prefix
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(s *RedisSource) {
		s.logger = logger
	}
}

// WithKeyValidator replaces the check applied to key material before it is
// shared or served from Redis.
func WithKeyValidator(validate func([]byte) error) RedisOption {
	return func(s *RedisSource) {
		s.validate = validate
	}
}

// RedisSource shares fetched key material between proxy replicas. A miss in
// Redis falls through to the inner source and the result is written back with
// the issuer's cache duration. Only material that parses as keys is written;
// an unparseable shared copy is deleted and refetched. Redis failures never
// fail a fetch.
type RedisSource struct {
	client   redis.UniversalClient
	inner    Source
	prefix   string
	validate func([]byte) error
	logger   observability.Logger
}

// NewRedisSource wraps inner with a Redis read-through layer.
func NewRedisSource(client redis.UniversalClient, inner Source, opts ...RedisOption) *RedisSource {
	s := &RedisSource{
		client: client,
		inner:  inner,
		prefix:   DefaultRedisKeyPrefix,
		validate: keycache.ValidateKeyMaterial,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSource) key(issuer string) string {
	return s.prefix + issuer
}

// Fetch implements Source.
func (s *RedisSource) Fetch(ctx context.Context, issuer Issuer) ([]byte, error) {
	if len(issuer.Inline) > 0 {
		return s.inner.Fetch(ctx, issuer)
	}

	key := s.key(issuer.Name)
	cached, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		verr := s.validate(cached)
		if verr == nil {
			s.logger.Debug("jwks served from redis", observability.String("issuer", issuer.Name))
			return cached, nil
		}
		s.logger.Warn("discarding unparseable jwks from redis",
			observability.String("issuer", issuer.Name),
			observability.Error(verr),
		)
		s.drop(ctx, issuer.Name)
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Warn("redis get failed, fetching from origin",
			observability.String("issuer", issuer.Name),
			observability.Error(err),
		)
	}

	body, err := s.inner.Fetch(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if issuer.TTL <= 0 {
		return body, nil
	}
	if verr := s.validate(body); verr != nil {
		s.logger.Warn("not sharing unparseable jwks",
			observability.String("issuer", issuer.Name),
			observability.Error(verr),
		)
		return body, nil
	}
	if setErr := s.client.Set(ctx, key, body, issuer.TTL).Err(); setErr != nil {
		s.logger.Warn("redis set failed",
			observability.String("issuer", issuer.Name),
			observability.Error(setErr),
		)
	}
	return body, nil
}

func (s *RedisSource) drop(ctx context.Context, issuer string) {
	if err := s.Invalidate(ctx, issuer); err != nil {
		s.logger.Warn("redis delete failed",
			observability.String("issuer", issuer),
			observability.Error(err),
		)
	}
}

// Invalidate removes the shared copy of an issuer's key material.
func (s *RedisSource) Invalidate(ctx context.Context, issuer string) error {
	return s.client.Del(ctx, s.key(issuer)).Err()
}

// Ping reports whether Redis is reachable within timeout.
func (s *RedisSource) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
