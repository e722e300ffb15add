package keyfetch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

func testJWKS(t *testing.T) []byte {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(privateKey.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "kid-1"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))

	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

// fakeSource returns a fixed body or error and counts fetches per issuer.
type fakeSource struct {
	mu    sync.Mutex
	body  []byte
	err   error
	calls map[string]int
}

func newFakeSource(body []byte, err error) *fakeSource {
	return &fakeSource{body: body, err: err, calls: make(map[string]int)}
}

func (s *fakeSource) Fetch(_ context.Context, issuer Issuer) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[issuer.Name]++
	if s.err != nil {
		return nil, s.err
	}
	return s.body, nil
}

func (s *fakeSource) Calls(issuer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[issuer]
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
