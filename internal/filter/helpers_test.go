package filter

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/TriadSpectraMotion/proxy/internal/authn"
	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
)

const (
	testIssuer   = "https://issuer.example.com"
	testPeerURI  = "spiffe://cluster.local/ns/default/sa/frontend"
	testPeerUser = "cluster.local/ns/default/sa/frontend"
)

// originPolicy requires an mTLS peer and binds the principal to a JWT origin.
func originPolicy() *policy.Policy {
	return &policy.Policy{
		Peers: []policy.Method{policy.MTLSMethod(policy.MutualTLS{})},
		CredentialRules: []policy.CredentialRule{{
			Binding: policy.BindingUseOrigin,
			Origins: []policy.Method{policy.JWTMethod(policy.JWT{Issuer: testIssuer})},
		}},
	}
}

type testEnv struct {
	engine *authn.Engine
	key    jwk.Key
}

func newTestEnv(t *testing.T, pol *policy.Policy) *testEnv {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "kid-1"))

	public, err := key.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(public))
	jwks, err := json.Marshal(set)
	require.NoError(t, err)

	cache := keycache.New()
	require.NoError(t, cache.Store(testIssuer, jwks, nil, time.Hour))

	validators := validator.Set{
		X509: validator.NewX509Validator(),
		JWT:  validator.NewJWTValidator(cache),
	}
	return &testEnv{engine: authn.NewEngine(pol, validators), key: key}
}

func (e *testEnv) token(t *testing.T, subject, presenter string) string {
	t.Helper()

	builder := jwt.NewBuilder().
		Issuer(testIssuer).
		Subject(subject).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if presenter != "" {
		builder = builder.Claim("azp", presenter)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, e.key))
	require.NoError(t, err)
	return string(signed)
}

func peerTLS(t *testing.T, uri string) *tls.ConnectionState {
	t.Helper()

	u, err := url.Parse(uri)
	require.NoError(t, err)
	leaf := &x509.Certificate{URIs: []*url.URL{u}}
	return &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf},
		VerifiedChains:   [][]*x509.Certificate{{leaf}},
	}
}
