package authn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
)

func runOrigin(t *testing.T, rule *policy.CredentialRule, v validator.Validator) (*Origin, bool) {
	t.Helper()

	var (
		origin *Origin
		ok     bool
		calls  int
	)
	NewOriginAuthenticator(rule, v).Run(context.Background(), &validator.Request{}, func(o *Origin, success bool) {
		calls++
		origin = o
		ok = success
	})
	require.Equal(t, 1, calls)
	return origin, ok
}

func TestOriginAuthenticator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		rule       *policy.CredentialRule
		outcomes   map[string]fakeOutcome
		wantOK     bool
		wantOrigin *Origin
		wantCalls  []string
	}{
		{
			name:   "no rule selected",
			rule:   nil,
			wantOK: true,
		},
		{
			name:   "rule without origins binding peer",
			rule:   &policy.CredentialRule{Binding: policy.BindingUsePeer},
			wantOK: true,
		},
		{
			name:   "rule without origins binding origin",
			rule:   &policy.CredentialRule{Binding: policy.BindingUseOrigin},
			wantOK: false,
		},
		{
			name: "first origin succeeds",
			rule: &policy.CredentialRule{Origins: []policy.Method{jwtMethod("a"), jwtMethod("b")}},
			outcomes: map[string]fakeOutcome{
				"jwt:a": passJWT("a/alice", "web"),
				"jwt:b": passJWT("b/bob", ""),
			},
			wantOK:     true,
			wantOrigin: &Origin{User: "a/alice", Presenter: "web", Audiences: []string{"aud"}},
			wantCalls:  []string{"jwt:a"},
		},
		{
			name: "fallback to second origin",
			rule: &policy.CredentialRule{Origins: []policy.Method{jwtMethod("a"), jwtMethod("b")}},
			outcomes: map[string]fakeOutcome{
				"jwt:b": passJWT("b/bob", ""),
			},
			wantOK:     true,
			wantOrigin: &Origin{User: "b/bob", Audiences: []string{"aud"}},
			wantCalls:  []string{"jwt:a", "jwt:b"},
		},
		{
			name:      "all origins fail",
			rule:      &policy.CredentialRule{Origins: []policy.Method{jwtMethod("a"), jwtMethod("b")}},
			wantOK:    false,
			wantCalls: []string{"jwt:a", "jwt:b"},
		},
		{
			name:       "mtls origin",
			rule:       &policy.CredentialRule{Origins: []policy.Method{mtlsMethod()}},
			outcomes:   map[string]fakeOutcome{"mtls:uri_san": pass("svc")},
			wantOK:     true,
			wantOrigin: &Origin{User: "svc"},
			wantCalls:  []string{"mtls:uri_san"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fake := newFakeValidator(tt.outcomes)
			origin, ok := runOrigin(t, tt.rule, fake)

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantOrigin, origin)
			assert.Equal(t, tt.wantCalls, fake.Calls())
		})
	}
}
