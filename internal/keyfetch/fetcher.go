package keyfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// Fetch results reported to metrics.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultBreakerOpen = "breaker_open"
	ResultInvalid     = "invalid"
)

// ErrUnknownIssuer is returned when refreshing an issuer that is not configured.
var ErrUnknownIssuer = errors.New("unknown issuer")

// KeyStore receives fetched key material. *keycache.Cache implements it.
type KeyStore interface {
	Store(issuer string, keyMaterial []byte, audiences []string, ttl time.Duration) error
	Peek(issuer string) (*keycache.Entry, bool)
}

// Invalidator is implemented by sources that keep a shared copy of key
// material. The fetcher drops that copy when the key cache rejects it.
type Invalidator interface {
	Invalidate(ctx context.Context, issuer string) error
}

// Config controls refresh scheduling.
type Config struct {
	// RefreshInterval is how often cached entries are checked.
	RefreshInterval time.Duration

	// RefreshBefore refreshes an entry this long before it expires.
	RefreshBefore time.Duration

	// MinMissInterval limits miss-triggered refreshes per issuer.
	MinMissInterval time.Duration

	Concurrency  int
	FetchTimeout time.Duration

	// BreakerThreshold is the number of consecutive failures that opens the
	// per-issuer circuit breaker.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultConfig returns the default refresh settings.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:  30 * time.Second,
		RefreshBefore:    time.Minute,
		MinMissInterval:  5 * time.Second,
		Concurrency:      4,
		FetchTimeout:     15 * time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithConfig sets the refresh settings.
func WithConfig(cfg Config) FetcherOption {
	return func(f *Fetcher) {
		f.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *observability.Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = metrics
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.now = now
	}
}

// Fetcher keeps a KeyStore populated with the key material of the configured
// issuers. It refreshes entries before they expire and on request when the
// JWT validator reports a cache miss.
type Fetcher struct {
	source  Source
	store   KeyStore
	cfg     Config
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	issuers  map[string]Issuer
	order    []string
	limiters map[string]*rate.Limiter

	breakers sync.Map // issuer name -> *gobreaker.CircuitBreaker
	inflight singleflight.Group

	misses  chan string
	started sync.Once
	wg      sync.WaitGroup
}

// NewFetcher creates a Fetcher that loads key material from source into store.
func NewFetcher(source Source, store KeyStore, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		source:   source,
		store:    store,
		cfg:      DefaultConfig(),
		logger:   observability.NopLogger(),
		now:      time.Now,
		issuers:  make(map[string]Issuer),
		limiters: make(map[string]*rate.Limiter),
		misses:   make(chan string, 64),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.cfg.Concurrency <= 0 {
		f.cfg.Concurrency = 1
	}
	return f
}

// SetIssuers replaces the set of issuers to keep fresh. Entries of removed
// issuers stay in the store until they expire.
func (f *Fetcher) SetIssuers(issuers []Issuer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[string]Issuer, len(issuers))
	order := make([]string, 0, len(issuers))
	for _, iss := range issuers {
		if _, dup := next[iss.Name]; dup {
			continue
		}
		next[iss.Name] = iss
		order = append(order, iss.Name)
	}
	for name := range f.limiters {
		if _, ok := next[name]; !ok {
			delete(f.limiters, name)
		}
	}
	f.issuers = next
	f.order = order
}

// Issuers returns the configured issuers in declaration order.
func (f *Fetcher) Issuers() []Issuer {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Issuer, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.issuers[name])
	}
	return out
}

func (f *Fetcher) issuer(name string) (Issuer, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	iss, ok := f.issuers[name]
	return iss, ok
}

// Start loads every issuer once and then keeps refreshing in the background
// until ctx is done. Initial failures are logged; the affected issuers are
// retried by the background loop.
func (f *Fetcher) Start(ctx context.Context) error {
	err := f.RefreshAll(ctx)
	if err != nil {
		f.logger.Warn("initial key fetch incomplete", observability.Error(err))
	}

	f.started.Do(func() {
		f.wg.Add(1)
		go f.loop(ctx)
	})
	return nil
}

// Wait blocks until the background loop and any refresh it started return.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) loop(ctx context.Context) {
	defer f.wg.Done()

	interval := f.cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultConfig().RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.refreshStale(ctx); err != nil {
				f.logger.Debug("scheduled key refresh incomplete", observability.Error(err))
			}
		case name := <-f.misses:
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				if err := f.Refresh(ctx, name); err != nil {
					f.logger.Debug("miss-triggered key refresh failed",
						observability.String("issuer", name),
						observability.Error(err),
					)
				}
			}()
		}
	}
}

// NotifyMiss requests a refresh of issuer after a key cache miss. It never
// blocks; requests for unknown issuers and requests above the per-issuer rate
// are dropped.
func (f *Fetcher) NotifyMiss(issuer string) {
	limiter := f.limiter(issuer)
	if limiter == nil || !limiter.Allow() {
		return
	}
	select {
	case f.misses <- issuer:
	default:
		f.logger.Debug("key refresh queue full", observability.String("issuer", issuer))
	}
}

func (f *Fetcher) limiter(issuer string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.issuers[issuer]; !ok {
		return nil
	}
	l, ok := f.limiters[issuer]
	if !ok {
		l = rate.NewLimiter(rate.Every(f.cfg.MinMissInterval), 1)
		f.limiters[issuer] = l
	}
	return l
}

// RefreshAll refreshes every configured issuer and returns the joined errors.
func (f *Fetcher) RefreshAll(ctx context.Context) error {
	return f.refreshMatching(ctx, func(Issuer) bool { return true })
}

func (f *Fetcher) refreshStale(ctx context.Context) error {
	deadline := f.now().Add(f.cfg.RefreshBefore)
	return f.refreshMatching(ctx, func(iss Issuer) bool {
		entry, ok := f.store.Peek(iss.Name)
		return !ok || !deadline.Before(entry.ExpiresAt)
	})
}

func (f *Fetcher) refreshMatching(ctx context.Context, match func(Issuer) bool) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(f.cfg.Concurrency)

	for _, iss := range f.Issuers() {
		if !match(iss) {
			continue
		}
		g.Go(func() error {
			if err := f.Refresh(ctx, iss.Name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Refresh fetches and stores the key material of one issuer. Concurrent
// calls for the same issuer share a single fetch and its outcome.
func (f *Fetcher) Refresh(ctx context.Context, name string) error {
	iss, ok := f.issuer(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssuer, name)
	}
	_, err, _ := f.inflight.Do(name, func() (interface{}, error) {
		return nil, f.refresh(ctx, iss)
	})
	return err
}

func (f *Fetcher) refresh(ctx context.Context, iss Issuer) error {
	name := iss.Name
	if f.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	body, err := f.breaker(name).Execute(func() (interface{}, error) {
		return f.source.Fetch(ctx, iss)
	})
	if err != nil {
		result := ResultError
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = ResultBreakerOpen
		}
		f.metrics.RecordKeyFetch(name, result, time.Since(start))
		f.logger.Warn("key fetch failed",
			observability.String("issuer", name),
			observability.String("result", result),
			observability.Error(err),
		)
		return &keycache.KeyFetchError{Issuer: name, Err: err}
	}

	if err := f.store.Store(name, body.([]byte), iss.Audiences, iss.TTL); err != nil {
		f.metrics.RecordKeyFetch(name, ResultInvalid, time.Since(start))
		f.logger.Warn("fetched key material rejected",
			observability.String("issuer", name),
			observability.Error(err),
		)
		if inv, ok := f.source.(Invalidator); ok {
			if invErr := inv.Invalidate(ctx, name); invErr != nil {
				f.logger.Warn("dropping shared key material failed",
					observability.String("issuer", name),
					observability.Error(invErr),
				)
			}
		}
		return err
	}

	f.metrics.RecordKeyFetch(name, ResultSuccess, time.Since(start))
	f.logger.Debug("key material refreshed",
		observability.String("issuer", name),
		observability.Duration("ttl", iss.TTL),
	)
	return nil
}

func (f *Fetcher) breaker(name string) *gobreaker.CircuitBreaker {
	if cb, ok := f.breakers.Load(name); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	threshold := f.cfg.BreakerThreshold
	if threshold == 0 {
		threshold = DefaultConfig().BreakerThreshold
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     f.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Info("jwks circuit breaker state changed",
				observability.String("issuer", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	}
	cb, _ := f.breakers.LoadOrStore(name, gobreaker.NewCircuitBreaker(settings))
	return cb.(*gobreaker.CircuitBreaker)
}

// BreakerState returns the circuit breaker state of an issuer.
func (f *Fetcher) BreakerState(name string) gobreaker.State {
	return f.breaker(name).State()
}
