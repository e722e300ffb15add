// Package keycache holds parsed public key material per JWT issuer.
//
// Entries expire lazily: an expired entry stays in the map until it is
// replaced, but Lookup reports it as a miss. Readers never block; writers
// publish a new map snapshot so a reader sees either the old entry or the
// new one, never a partially built one.
package keycache

import (
	"bytes"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// DefaultTTL is used for issuers without a configured cache duration.
const DefaultTTL = 600 * time.Second

// Lookup results reported to metrics.
const (
	lookupHit     = "hit"
	lookupMiss    = "miss"
	lookupExpired = "expired"
)

// Entry is the cached key material of one issuer. Entries are immutable
// once published.
type Entry struct {
	Issuer    string
	Keys      jwk.Set
	StoredAt  time.Time
	ExpiresAt time.Time

	audiences map[string]struct{}
}

// Expired reports whether the entry is no longer usable at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// IsAudienceAllowed reports whether any of the token audiences is allowed.
// An entry without configured audiences accepts every token.
func (e *Entry) IsAudienceAllowed(audiences []string) bool {
	if len(e.audiences) == 0 {
		return true
	}
	for _, aud := range audiences {
		if _, ok := e.audiences[NormalizeAudience(aud)]; ok {
			return true
		}
	}
	return false
}

// Audiences returns the normalized allowed audiences in sorted order.
func (e *Entry) Audiences() []string {
	return slices.Sorted(maps.Keys(e.audiences))
}

// NormalizeAudience strips one leading http:// or https:// scheme and one
// trailing slash.
func NormalizeAudience(aud string) string {
	if s, ok := strings.CutPrefix(aud, "http://"); ok {
		aud = s
	} else if s, ok := strings.CutPrefix(aud, "https://"); ok {
		aud = s
	}
	return strings.TrimSuffix(aud, "/")
}

// TTLOrDefault returns the configured duration, or DefaultTTL when unset.
// Negative durations are clamped to zero.
func TTLOrDefault(configured *time.Duration) time.Duration {
	if configured == nil {
		return DefaultTTL
	}
	if *configured < 0 {
		return 0
	}
	return *configured
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Cache) {
		c.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache maps issuers to key material. It is safe for concurrent use and is
// meant to be shared by every request flow of the process.
type Cache struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]*Entry]

	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	empty := make(map[string]*Entry)
	c.entries.Store(&empty)
	return c
}

// Lookup returns the live entry for issuer. Absent and expired entries are
// both reported as misses.
func (c *Cache) Lookup(issuer string) (*Entry, bool) {
	entry, ok := (*c.entries.Load())[issuer]
	if !ok {
		c.metrics.RecordCacheLookup(lookupMiss)
		return nil, false
	}
	if entry.Expired(c.now()) {
		c.metrics.RecordCacheLookup(lookupExpired)
		return nil, false
	}
	c.metrics.RecordCacheLookup(lookupHit)
	return entry, true
}

// Store parses keyMaterial and replaces the entry for issuer. keyMaterial
// is either a JWKS document, a single JWK, or PEM encoded public keys.
// On parse failure the previous entry is kept and a *KeyFetchError is
// returned.
func (c *Cache) Store(issuer string, keyMaterial []byte, audiences []string, ttl time.Duration) error {
	keys, err := parseKeys(keyMaterial)
	if err != nil {
		c.metrics.RecordCacheStore(false)
		c.logger.Warn("rejected key material",
			observability.String("issuer", issuer),
			observability.Error(err),
		)
		return &KeyFetchError{Issuer: issuer, Err: err}
	}

	if ttl < 0 {
		ttl = 0
	}
	now := c.now()
	entry := &Entry{
		Issuer:    issuer,
		Keys:      keys,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		audiences: make(map[string]struct{}, len(audiences)),
	}
	for _, aud := range audiences {
		if n := NormalizeAudience(aud); n != "" {
			entry.audiences[n] = struct{}{}
		}
	}

	c.mu.Lock()
	next := maps.Clone(*c.entries.Load())
	next[issuer] = entry
	c.entries.Store(&next)
	c.mu.Unlock()

	c.metrics.RecordCacheStore(true)
	c.logger.Debug("stored key material",
		observability.String("issuer", issuer),
		observability.Int("keys", keys.Len()),
		observability.Duration("ttl", ttl),
	)
	return nil
}

// Delete removes the entry for issuer.
func (c *Cache) Delete(issuer string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.entries.Load()
	if _, ok := current[issuer]; !ok {
		return
	}
	next := maps.Clone(current)
	delete(next, issuer)
	c.entries.Store(&next)
}

// Issuers returns the issuers with an entry, expired or not, sorted.
func (c *Cache) Issuers() []string {
	return slices.Sorted(maps.Keys(*c.entries.Load()))
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	return len(*c.entries.Load())
}

// Peek returns the entry for issuer without checking expiry. The key
// fetcher uses it to schedule refreshes.
func (c *Cache) Peek(issuer string) (*Entry, bool) {
	entry, ok := (*c.entries.Load())[issuer]
	return entry, ok
}

// ValidateKeyMaterial reports whether Store would accept keyMaterial.
func ValidateKeyMaterial(keyMaterial []byte) error {
	_, err := parseKeys(keyMaterial)
	return err
}

func parseKeys(data []byte) (jwk.Set, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyKeyMaterial
	}
	var opts []jwk.ParseOption
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		opts = append(opts, jwk.WithPEM(true))
	}
	set, err := jwk.Parse(data, opts...)
	if err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return nil, ErrEmptyKeyMaterial
	}
	return set, nil
}
