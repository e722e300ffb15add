// Package policy defines the authentication policy consumed by the
// authentication engine. Policies are built once, by configuration
// decoding, and treated as immutable values afterwards.
package policy

import (
	"slices"
	"time"
)

// Kind discriminates the verification method carried by a Method.
type Kind int

// Method kinds.
const (
	KindUnknown Kind = iota
	KindMTLS
	KindJWT
)

// String returns the label used for logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindMTLS:
		return "mtls"
	case KindJWT:
		return "jwt"
	default:
		return "unknown"
	}
}

// IdentityField selects the certificate field used as the peer identity.
type IdentityField string

// Supported certificate identity fields.
const (
	IdentityFieldURISAN     IdentityField = "uri_san"
	IdentityFieldDNSSAN     IdentityField = "dns_san"
	IdentityFieldCommonName IdentityField = "common_name"
)

// MutualTLS holds the parameters of a mutual-TLS method.
type MutualTLS struct {
	// IdentityField is the certificate field the identity is read from.
	// Empty means IdentityFieldURISAN.
	IdentityField IdentityField

	// KeepSPIFFEPrefix keeps the "spiffe://" scheme on URI SAN identities.
	KeepSPIFFEPrefix bool

	// AllowUnverified accepts a presented certificate whose chain was not
	// verified by the TLS layer.
	AllowUnverified bool
}

// EffectiveIdentityField returns the configured field or the URI SAN default.
func (m *MutualTLS) EffectiveIdentityField() IdentityField {
	if m == nil || m.IdentityField == "" {
		return IdentityFieldURISAN
	}
	return m.IdentityField
}

// JWT holds the parameters of a JWT method.
type JWT struct {
	// Issuer is the expected "iss" claim and the key cache key.
	Issuer string

	// Audiences restricts accepted "aud" values. Empty accepts all.
	Audiences []string

	// JWKSURI is where the key fetcher loads the issuer's keys from.
	JWKSURI string

	// JWKS is inline key material, used instead of JWKSURI when set.
	JWKS string

	// PublicKeyCacheDuration overrides the key cache TTL for this issuer.
	PublicKeyCacheDuration *time.Duration

	// ClockSkew is the tolerance applied to exp and nbf.
	ClockSkew time.Duration
}

// Method is a single verification method. Exactly one field is set.
type Method struct {
	MTLS *MutualTLS
	JWT  *JWT
}

// Kind reports which verification method m carries.
func (m Method) Kind() Kind {
	switch {
	case m.MTLS != nil && m.JWT == nil:
		return KindMTLS
	case m.JWT != nil && m.MTLS == nil:
		return KindJWT
	default:
		return KindUnknown
	}
}

// MTLSMethod returns a Method wrapping p.
func MTLSMethod(p MutualTLS) Method {
	return Method{MTLS: &p}
}

// JWTMethod returns a Method wrapping p.
func JWTMethod(p JWT) Method {
	return Method{JWT: &p}
}

// Binding selects which identity becomes the request principal.
type Binding int

// Principal bindings.
const (
	BindingUsePeer Binding = iota
	BindingUseOrigin
)

// String returns the configuration spelling of b.
func (b Binding) String() string {
	if b == BindingUseOrigin {
		return "USE_ORIGIN"
	}
	return "USE_PEER"
}

// CredentialRule binds a set of peer identities to origin methods.
type CredentialRule struct {
	Binding Binding

	// Origins are evaluated in order; the first success wins.
	Origins []Method

	// MatchingPeers restricts the rule to these peer users. Empty matches
	// every peer, including an absent one.
	MatchingPeers []string
}

// Matches reports whether the rule applies to peerUser.
func (r *CredentialRule) Matches(peerUser string) bool {
	return len(r.MatchingPeers) == 0 || slices.Contains(r.MatchingPeers, peerUser)
}

// Policy is the full authentication policy of a workload.
type Policy struct {
	// Peers are evaluated in order. Empty disables peer authentication.
	Peers []Method

	// CredentialRules are evaluated in declaration order.
	CredentialRules []CredentialRule
}

// FindCredentialRule returns the first rule matching peerUser, or nil when
// none applies. Earlier rules win when several match.
func (p *Policy) FindCredentialRule(peerUser string) *CredentialRule {
	if p == nil {
		return nil
	}
	for i := range p.CredentialRules {
		if p.CredentialRules[i].Matches(peerUser) {
			return &p.CredentialRules[i]
		}
	}
	return nil
}

// JWTIssuers returns every distinct JWT method referenced by the policy,
// in first-seen order. The key fetcher uses it to know which issuers to
// keep cached.
func (p *Policy) JWTIssuers() []*JWT {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []*JWT
	add := func(methods []Method) {
		for _, m := range methods {
			if m.Kind() != KindJWT {
				continue
			}
			if _, ok := seen[m.JWT.Issuer]; ok {
				continue
			}
			seen[m.JWT.Issuer] = struct{}{}
			out = append(out, m.JWT)
		}
	}
	add(p.Peers)
	for i := range p.CredentialRules {
		add(p.CredentialRules[i].Origins)
	}
	return out
}
