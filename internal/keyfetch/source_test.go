package keyfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestIssuersFromPolicy(t *testing.T) {
	t.Parallel()

	ttl := 30 * time.Second
	pol := &policy.Policy{
		Peers: []policy.Method{
			policy.JWTMethod(policy.JWT{Issuer: "a", JWKSURI: "https://a/jwks", Audiences: []string{"x"}}),
		},
		CredentialRules: []policy.CredentialRule{{
			Origins: []policy.Method{
				policy.JWTMethod(policy.JWT{Issuer: "a", JWKSURI: "https://ignored", Audiences: []string{"y", "x"}}),
				policy.JWTMethod(policy.JWT{Issuer: "b", JWKS: `{"keys":[]}`, PublicKeyCacheDuration: &ttl}),
			},
		}},
	}

	issuers := IssuersFromPolicy(pol)

	require.Len(t, issuers, 2)
	assert.Equal(t, Issuer{Name: "a", JWKSURI: "https://a/jwks", Audiences: []string{"x", "y"}, TTL: keycache.DefaultTTL}, issuers[0])
	assert.Equal(t, "b", issuers[1].Name)
	assert.Equal(t, []byte(`{"keys":[]}`), issuers[1].Inline)
	assert.Equal(t, ttl, issuers[1].TTL)
}

func TestIssuersFromPolicy_SharedIssuerAudiences(t *testing.T) {
	t.Parallel()

	jwtMethod := func(aud ...string) policy.Method {
		return policy.JWTMethod(policy.JWT{Issuer: "iss", JWKSURI: "https://iss/jwks", Audiences: aud})
	}

	tests := []struct {
		name    string
		peers   []policy.Method
		origins []policy.Method
		want    []string
	}{
		{
			name:    "single method",
			origins: []policy.Method{jwtMethod("a.com")},
			want:    []string{"a.com"},
		},
		{
			name:    "union across peer and origin",
			peers:   []policy.Method{jwtMethod("a.com")},
			origins: []policy.Method{jwtMethod("b.com")},
			want:    []string{"a.com", "b.com"},
		},
		{
			name:    "unrestricted method accepts all",
			peers:   []policy.Method{jwtMethod("a.com")},
			origins: []policy.Method{jwtMethod()},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pol := &policy.Policy{
				Peers:           tt.peers,
				CredentialRules: []policy.CredentialRule{{Origins: tt.origins}},
			}
			issuers := IssuersFromPolicy(pol)
			require.Len(t, issuers, 1)
			assert.Equal(t, tt.want, issuers[0].Audiences)
		})
	}
}

func TestHTTPSource_Fetch(t *testing.T) {
	t.Parallel()

	body := testJWKS(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write(body)
	}))
	defer server.Close()

	got, err := NewHTTPSource().Fetch(context.Background(), Issuer{Name: "a", JWKSURI: server.URL})
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestHTTPSource_InlineBypassesNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	got, err := NewHTTPSource().Fetch(context.Background(), Issuer{Name: "a", JWKSURI: server.URL, Inline: []byte("inline")})
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), got)
	assert.Zero(t, hits.Load())
}

func TestHTTPSource_NoLocation(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPSource().Fetch(context.Background(), Issuer{Name: "a"})
	assert.ErrorIs(t, err, ErrNoLocation)
}

func TestHTTPSource_StatusHandling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{name: "not found is permanent", status: http.StatusNotFound, wantHits: 1},
		{name: "forbidden is permanent", status: http.StatusForbidden, wantHits: 1},
		{name: "server error is retried", status: http.StatusBadGateway, wantHits: 3},
		{name: "too many requests is retried", status: http.StatusTooManyRequests, wantHits: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewHTTPSource(WithRetry(fastRetry())).Fetch(context.Background(), Issuer{Name: "a", JWKSURI: server.URL})

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestHTTPSource_RecoversAfterRetry(t *testing.T) {
	t.Parallel()

	body := testJWKS(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer server.Close()

	got, err := NewHTTPSource(WithRetry(fastRetry())).Fetch(context.Background(), Issuer{Name: "a", JWKSURI: server.URL})
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPSource_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	_, err := NewHTTPSource(WithMaxResponseBytes(16)).Fetch(context.Background(), Issuer{Name: "a", JWKSURI: server.URL})
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestHTTPSource_ContextCancelled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPSource(WithRetry(fastRetry())).Fetch(ctx, Issuer{Name: "a", JWKSURI: server.URL})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	assert.Equal(t, 100*time.Millisecond, backoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, backoff(1, cfg))
	assert.Equal(t, 400*time.Millisecond, backoff(2, cfg))
	assert.Equal(t, time.Second, backoff(10, cfg))

	cfg.JitterFactor = 0.5
	for i := 0; i < 20; i++ {
		d := backoff(0, cfg)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
