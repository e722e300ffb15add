package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethod_Kind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method Method
		want   Kind
	}{
		{name: "mtls", method: MTLSMethod(MutualTLS{}), want: KindMTLS},
		{name: "jwt", method: JWTMethod(JWT{Issuer: "x"}), want: KindJWT},
		{name: "empty", method: Method{}, want: KindUnknown},
		{name: "both set", method: Method{MTLS: &MutualTLS{}, JWT: &JWT{}}, want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.method.Kind())
		})
	}

	assert.Equal(t, "mtls", KindMTLS.String())
	assert.Equal(t, "jwt", KindJWT.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestMutualTLS_EffectiveIdentityField(t *testing.T) {
	t.Parallel()

	var nilParams *MutualTLS
	assert.Equal(t, IdentityFieldURISAN, nilParams.EffectiveIdentityField())
	assert.Equal(t, IdentityFieldURISAN, (&MutualTLS{}).EffectiveIdentityField())
	assert.Equal(t, IdentityFieldDNSSAN, (&MutualTLS{IdentityField: IdentityFieldDNSSAN}).EffectiveIdentityField())
}

func TestPolicy_FindCredentialRule(t *testing.T) {
	t.Parallel()

	p := &Policy{
		CredentialRules: []CredentialRule{
			{MatchingPeers: []string{"A", "B"}, Binding: BindingUseOrigin},
			{},
			{MatchingPeers: []string{"C"}},
		},
	}

	tests := []struct {
		name     string
		peerUser string
		want     int
	}{
		{name: "listed peer selects first rule", peerUser: "A", want: 0},
		{name: "other listed peer", peerUser: "B", want: 0},
		{name: "unlisted peer falls to empty match rule", peerUser: "U", want: 1},
		{name: "first declared wins over later match", peerUser: "C", want: 1},
		{name: "absent peer", peerUser: "", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rule := p.FindCredentialRule(tt.peerUser)
			require.NotNil(t, rule)
			assert.Same(t, &p.CredentialRules[tt.want], rule)
		})
	}
}

func TestPolicy_FindCredentialRule_NoMatch(t *testing.T) {
	t.Parallel()

	p := &Policy{CredentialRules: []CredentialRule{{MatchingPeers: []string{"A"}}}}
	assert.Nil(t, p.FindCredentialRule("B"))
	assert.Nil(t, p.FindCredentialRule(""))
	assert.Nil(t, (&Policy{}).FindCredentialRule("A"))

	var nilPolicy *Policy
	assert.Nil(t, nilPolicy.FindCredentialRule("A"))
}

func TestPolicy_JWTIssuers(t *testing.T) {
	t.Parallel()

	ttl := time.Minute
	p := &Policy{
		Peers: []Method{
			MTLSMethod(MutualTLS{}),
			JWTMethod(JWT{Issuer: "a", PublicKeyCacheDuration: &ttl}),
		},
		CredentialRules: []CredentialRule{
			{Origins: []Method{JWTMethod(JWT{Issuer: "b"}), JWTMethod(JWT{Issuer: "a"})}},
			{Origins: []Method{JWTMethod(JWT{Issuer: "c"})}},
		},
	}

	issuers := p.JWTIssuers()
	require.Len(t, issuers, 3)
	assert.Equal(t, "a", issuers[0].Issuer)
	assert.Equal(t, &ttl, issuers[0].PublicKeyCacheDuration)
	assert.Equal(t, "b", issuers[1].Issuer)
	assert.Equal(t, "c", issuers[2].Issuer)

	var nilPolicy *Policy
	assert.Nil(t, nilPolicy.JWTIssuers())
}

func TestBinding_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "USE_PEER", BindingUsePeer.String())
	assert.Equal(t, "USE_ORIGIN", BindingUseOrigin.String())
}
