// Package keyfetch loads JWT issuer key material and keeps the key cache
// populated. The authentication engine never performs network I/O itself;
// it reads the cache and reports misses to the Fetcher.
package keyfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// DefaultMaxResponseBytes bounds the size of a fetched JWKS document.
const DefaultMaxResponseBytes = 1 << 20

// Errors returned by sources.
var (
	ErrNoLocation       = errors.New("issuer has neither jwks uri nor inline keys")
	ErrResponseTooLarge = errors.New("jwks response too large")
)

// StatusError reports an unexpected HTTP status from a JWKS endpoint.
type StatusError struct {
	URI        string
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("jwks endpoint %s returned status %d", e.URI, e.StatusCode)
}

// Issuer is the key material location and cache settings of one issuer.
type Issuer struct {
	Name      string
	JWKSURI   string
	Inline    []byte
	Audiences []string
	TTL       time.Duration
}

// IssuersFromPolicy returns one Issuer per distinct JWT issuer of pol. The
// location and cache duration come from the first method naming the issuer.
// Audiences are the union over every method of the issuer, or empty when any
// of them accepts all audiences; each method still checks its own list.
func IssuersFromPolicy(pol *policy.Policy) []Issuer {
	methods := pol.JWTIssuers()
	out := make([]Issuer, 0, len(methods))
	for _, m := range methods {
		iss := Issuer{
			Name:      m.Issuer,
			JWKSURI:   m.JWKSURI,
			Audiences: issuerAudiences(pol, m.Issuer),
			TTL:       keycache.TTLOrDefault(m.PublicKeyCacheDuration),
		}
		if m.JWKS != "" {
			iss.Inline = []byte(m.JWKS)
		}
		out = append(out, iss)
	}
	return out
}

func issuerAudiences(pol *policy.Policy, issuer string) []string {
	var (
		out    []string
		seen   = make(map[string]struct{})
		anyAud bool
	)
	visit := func(methods []policy.Method) {
		for _, m := range methods {
			if m.Kind() != policy.KindJWT || m.JWT.Issuer != issuer {
				continue
			}
			if len(m.JWT.Audiences) == 0 {
				anyAud = true
			}
			for _, aud := range m.JWT.Audiences {
				if _, ok := seen[aud]; !ok {
					seen[aud] = struct{}{}
					out = append(out, aud)
				}
			}
		}
	}
	visit(pol.Peers)
	for i := range pol.CredentialRules {
		visit(pol.CredentialRules[i].Origins)
	}
	if anyAud {
		return nil
	}
	return out
}

// Source fetches the raw key material of an issuer.
type Source interface {
	Fetch(ctx context.Context, issuer Issuer) ([]byte, error)
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.client = client
	}
}

// WithMaxResponseBytes sets the response size limit.
func WithMaxResponseBytes(n int64) HTTPOption {
	return func(s *HTTPSource) {
		s.maxBytes = n
	}
}

// WithRetry sets the retry behaviour of failed fetches.
func WithRetry(cfg RetryConfig) HTTPOption {
	return func(s *HTTPSource) {
		s.retry = cfg
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger observability.Logger) HTTPOption {
	return func(s *HTTPSource) {
		s.logger = logger
	}
}

// HTTPSource fetches key material from the issuer's jwks_uri. Inline key
// material is returned as is.
type HTTPSource struct {
	client   *http.Client
	maxBytes int64
	retry    RetryConfig
	logger   observability.Logger
}

// NewHTTPSource creates an HTTP key source.
func NewHTTPSource(opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		client:   &http.Client{Timeout: 10 * time.Second},
		maxBytes: DefaultMaxResponseBytes,
		retry:    DefaultRetryConfig(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, issuer Issuer) ([]byte, error) {
	if len(issuer.Inline) > 0 {
		return issuer.Inline, nil
	}
	if issuer.JWKSURI == "" {
		return nil, ErrNoLocation
	}

	var body []byte
	err := withRetry(ctx, s.retry, func() error {
		var err error
		body, err = s.get(ctx, issuer.JWKSURI)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.logger.Debug("retrying jwks fetch",
			observability.String("issuer", issuer.Name),
			observability.Int("attempt", attempt),
			observability.Duration("backoff", wait),
			observability.Error(err),
		)
	})
	return body, err
}

func (s *HTTPSource) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, s.maxBytes))
		statusErr := &StatusError{URI: uri, StatusCode: resp.StatusCode}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, permanent(statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > s.maxBytes {
		return nil, permanent(ErrResponseTooLarge)
	}
	return body, nil
}
