package config

import (
	"fmt"
	"strings"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
)

// Binding names accepted in credential rules.
const (
	BindingUsePeer   = "USE_PEER"
	BindingUseOrigin = "USE_ORIGIN"
)

// PolicyConfig is the authentication policy as written in the file.
type PolicyConfig struct {
	Peers           []MethodConfig         `yaml:"peers,omitempty" json:"peers,omitempty"`
	CredentialRules []CredentialRuleConfig `yaml:"credentialRules,omitempty" json:"credentialRules,omitempty"`
}

// MethodConfig holds exactly one verification method.
type MethodConfig struct {
	MTLS *MTLSConfig `yaml:"mtls,omitempty" json:"mtls,omitempty"`
	JWT  *JWTConfig  `yaml:"jwt,omitempty" json:"jwt,omitempty"`
}

// MTLSConfig configures a mutual-TLS method.
type MTLSConfig struct {
	IdentityField    string `yaml:"identityField,omitempty" json:"identityField,omitempty"`
	KeepSPIFFEPrefix bool   `yaml:"keepSpiffePrefix,omitempty" json:"keepSpiffePrefix,omitempty"`
	AllowUnverified  bool   `yaml:"allowUnverified,omitempty" json:"allowUnverified,omitempty"`
}

// JWTConfig configures a JWT method.
type JWTConfig struct {
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audiences []string `yaml:"audiences,omitempty" json:"audiences,omitempty"`
	JWKSURI   string   `yaml:"jwksUri,omitempty" json:"jwksUri,omitempty"`
	JWKS      string   `yaml:"jwks,omitempty" json:"jwks,omitempty"`

	// PublicKeyCacheDuration overrides the key cache TTL. Unset means the
	// key cache default.
	PublicKeyCacheDuration *Duration `yaml:"publicKeyCacheDuration,omitempty" json:"publicKeyCacheDuration,omitempty"`

	ClockSkew Duration `yaml:"clockSkew,omitempty" json:"clockSkew,omitempty"`
}

// CredentialRuleConfig binds peers to origin methods.
type CredentialRuleConfig struct {
	Binding       string         `yaml:"binding,omitempty" json:"binding,omitempty"`
	MatchingPeers []string       `yaml:"matchingPeers,omitempty" json:"matchingPeers,omitempty"`
	Origins       []MethodConfig `yaml:"origins,omitempty" json:"origins,omitempty"`
}

// ParseBinding converts a binding name. Empty means USE_PEER.
func ParseBinding(s string) (policy.Binding, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", BindingUsePeer:
		return policy.BindingUsePeer, nil
	case BindingUseOrigin:
		return policy.BindingUseOrigin, nil
	default:
		return policy.BindingUsePeer, fmt.Errorf("unknown binding %q", s)
	}
}

// BuildPolicy converts the configuration into an engine policy. A method with
// neither or both of mtls and jwt set converts to a method of unknown kind,
// which the engine treats as failing; Validate reports it.
func (c *Config) BuildPolicy() (*policy.Policy, error) {
	pol := &policy.Policy{
		Peers: convertMethods(c.Policy.Peers),
	}
	for i, rule := range c.Policy.CredentialRules {
		binding, err := ParseBinding(rule.Binding)
		if err != nil {
			return nil, fmt.Errorf("policy.credentialRules[%d]: %w", i, err)
		}
		pol.CredentialRules = append(pol.CredentialRules, policy.CredentialRule{
			Binding:       binding,
			MatchingPeers: append([]string(nil), rule.MatchingPeers...),
			Origins:       convertMethods(rule.Origins),
		})
	}
	return pol, nil
}

func convertMethods(methods []MethodConfig) []policy.Method {
	if len(methods) == 0 {
		return nil
	}
	out := make([]policy.Method, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.method())
	}
	return out
}

func (m MethodConfig) method() policy.Method {
	var out policy.Method
	if m.MTLS != nil {
		out.MTLS = &policy.MutualTLS{
			IdentityField:    policy.IdentityField(m.MTLS.IdentityField),
			KeepSPIFFEPrefix: m.MTLS.KeepSPIFFEPrefix,
			AllowUnverified:  m.MTLS.AllowUnverified,
		}
	}
	if m.JWT != nil {
		out.JWT = &policy.JWT{
			Issuer:                 m.JWT.Issuer,
			Audiences:              append([]string(nil), m.JWT.Audiences...),
			JWKSURI:                m.JWT.JWKSURI,
			JWKS:                   m.JWT.JWKS,
			PublicKeyCacheDuration: m.JWT.PublicKeyCacheDuration.Ptr(),
			ClockSkew:              m.JWT.ClockSkew.Duration(),
		}
	}
	return out
}
