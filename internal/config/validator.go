package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
)

// ValidationError is one invalid configuration value.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

type validator struct {
	errors ValidationErrors
}

func (v *validator) addError(path, format string, args ...interface{}) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration and returns ValidationErrors listing
// every problem, or nil.
func (c *Config) Validate() error {
	v := &validator{}
	v.validateServer(&c.Server)
	v.validateLogging(&c.Logging)
	v.validateMetrics(&c.Metrics)
	v.validateTracing(&c.Tracing)
	v.validateKeyFetch(&c.KeyFetch)
	v.validatePolicy(&c.Policy)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *validator) validateServer(s *ServerConfig) {
	if s.Listen == "" {
		v.addError("server.listen", "is required")
	}
	if s.Upstream == "" {
		v.addError("server.upstream", "is required")
	} else if u, err := url.Parse(s.Upstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.addError("server.upstream", "must be an absolute http or https URL")
	}
	if s.TLS != nil {
		if s.TLS.CertFile == "" {
			v.addError("server.tls.certFile", "is required when tls is set")
		}
		if s.TLS.KeyFile == "" {
			v.addError("server.tls.keyFile", "is required when tls is set")
		}
	}
	for i, h := range s.TokenHeaders {
		if strings.TrimSpace(h) == "" {
			v.addError(fmt.Sprintf("server.tokenHeaders[%d]", i), "must not be empty")
		}
	}
	if s.ReadHeaderTimeout < 0 {
		v.addError("server.readHeaderTimeout", "must not be negative")
	}
	if s.ShutdownTimeout < 0 {
		v.addError("server.shutdownTimeout", "must not be negative")
	}
}

func (v *validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(l.Format) {
	case "json", "console":
	default:
		v.addError("logging.format", "must be json or console")
	}
}

func (v *validator) validateMetrics(m *MetricsConfig) {
	if !m.Enabled {
		return
	}
	if m.Listen == "" {
		v.addError("metrics.listen", "is required when metrics are enabled")
	}
	if !strings.HasPrefix(m.Path, "/") {
		v.addError("metrics.path", "must start with /")
	}
}

func (v *validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
	if t.Enabled && t.Endpoint == "" {
		v.addError("tracing.endpoint", "is required when tracing is enabled")
	}
}

func (v *validator) validateKeyFetch(k *KeyFetchConfig) {
	durations := map[string]Duration{
		"keyFetch.timeout":              k.Timeout,
		"keyFetch.refreshInterval":      k.RefreshInterval,
		"keyFetch.refreshBefore":        k.RefreshBefore,
		"keyFetch.minRefreshInterval":   k.MinRefreshInterval,
		"keyFetch.breakerTimeout":       k.BreakerTimeout,
		"keyFetch.retry.initialBackoff": k.Retry.InitialBackoff,
		"keyFetch.retry.maxBackoff":     k.Retry.MaxBackoff,
	}
	for path, d := range durations {
		if d < 0 {
			v.addError(path, "must not be negative")
		}
	}
	if k.Concurrency < 0 {
		v.addError("keyFetch.concurrency", "must not be negative")
	}
	if k.MaxResponseBytes < 0 {
		v.addError("keyFetch.maxResponseBytes", "must not be negative")
	}
	if k.Retry.MaxRetries < 0 {
		v.addError("keyFetch.retry.maxRetries", "must not be negative")
	}
	if k.Redis != nil && k.Redis.Enabled && k.Redis.Address == "" {
		v.addError("keyFetch.redis.address", "is required when redis is enabled")
	}
}

func (v *validator) validatePolicy(p *PolicyConfig) {
	for i := range p.Peers {
		v.validateMethod(fmt.Sprintf("policy.peers[%d]", i), &p.Peers[i])
	}
	for i := range p.CredentialRules {
		rule := &p.CredentialRules[i]
		path := fmt.Sprintf("policy.credentialRules[%d]", i)
		if _, err := ParseBinding(rule.Binding); err != nil {
			v.addError(path+".binding", "must be %s or %s", BindingUsePeer, BindingUseOrigin)
		}
		for j := range rule.Origins {
			v.validateMethod(fmt.Sprintf("%s.origins[%d]", path, j), &rule.Origins[j])
		}
	}
}

func (v *validator) validateMethod(path string, m *MethodConfig) {
	switch {
	case m.MTLS != nil && m.JWT != nil:
		v.addError(path, "must set only one of mtls and jwt")
	case m.MTLS != nil:
		v.validateMTLS(path+".mtls", m.MTLS)
	case m.JWT != nil:
		v.validateJWT(path+".jwt", m.JWT)
	default:
		v.addError(path, "must set one of mtls and jwt")
	}
}

func (v *validator) validateMTLS(path string, m *MTLSConfig) {
	switch policy.IdentityField(m.IdentityField) {
	case "", policy.IdentityFieldURISAN, policy.IdentityFieldDNSSAN, policy.IdentityFieldCommonName:
	default:
		v.addError(path+".identityField", "must be one of %s, %s, %s",
			policy.IdentityFieldURISAN, policy.IdentityFieldDNSSAN, policy.IdentityFieldCommonName)
	}
}

func (v *validator) validateJWT(path string, j *JWTConfig) {
	if j.Issuer == "" {
		v.addError(path+".issuer", "is required")
	}
	switch {
	case j.JWKSURI == "" && j.JWKS == "":
		v.addError(path, "must set jwksUri or jwks")
	case j.JWKSURI != "":
		if u, err := url.Parse(j.JWKSURI); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.addError(path+".jwksUri", "must be an absolute http or https URL")
		}
	}
	if j.ClockSkew < 0 {
		v.addError(path+".clockSkew", "must not be negative")
	}
}
