package validator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/TriadSpectraMotion/proxy/internal/authn/keycache"
	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// KeyLookup resolves the cached key material of an issuer.
type KeyLookup interface {
	Lookup(issuer string) (*keycache.Entry, bool)
}

// MissNotifier is told about issuers whose keys were missing or expired.
// It must not block.
type MissNotifier interface {
	NotifyMiss(issuer string)
}

// JWTOption configures a JWTValidator.
type JWTOption func(*JWTValidator)

// WithJWTLogger sets the logger.
func WithJWTLogger(logger observability.Logger) JWTOption {
	return func(v *JWTValidator) {
		v.logger = logger
	}
}

// WithMissNotifier registers a notifier for key cache misses.
func WithMissNotifier(n MissNotifier) JWTOption {
	return func(v *JWTValidator) {
		v.notifier = n
	}
}

// WithJWTClock overrides the time source used for exp and nbf.
func WithJWTClock(now func() time.Time) JWTOption {
	return func(v *JWTValidator) {
		v.now = now
	}
}

// JWTValidator authenticates a bearer token against the key cache.
type JWTValidator struct {
	keys     KeyLookup
	notifier MissNotifier
	logger   observability.Logger
	now      func() time.Time
}

// NewJWTValidator creates a JWT validator reading keys from keys.
func NewJWTValidator(keys KeyLookup, opts ...JWTOption) *JWTValidator {
	v := &JWTValidator{
		keys:   keys,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate implements Validator. It completes synchronously.
func (v *JWTValidator) Validate(ctx context.Context, method policy.Method, req *Request, done Done) {
	params := method.JWT
	if params == nil {
		done(nil, jwtError("", ErrUnsupportedMethod))
		return
	}

	token, ok := req.Tokens[params.Issuer]
	if !ok || (token.Raw == "" && !token.Verified) {
		done(nil, jwtError(params.Issuer, ErrNoToken))
		return
	}

	var (
		payload *JWTPayload
		err     error
	)
	if token.Verified {
		payload, err = verifiedPayload(params, token)
	} else {
		payload, err = v.verify(ctx, params, token.Raw)
	}
	if err != nil {
		v.logger.WithContext(ctx).Debug("jwt rejected",
			observability.String("issuer", params.Issuer),
			observability.Error(err),
		)
		done(nil, jwtError(params.Issuer, err))
		return
	}
	done(payload, nil)
}

func (v *JWTValidator) verify(ctx context.Context, params *policy.JWT, raw string) (*JWTPayload, error) {
	entry, ok := v.keys.Lookup(params.Issuer)
	if !ok {
		if v.notifier != nil {
			v.notifier.NotifyMiss(params.Issuer)
		}
		return nil, ErrKeyNotFound
	}

	claimsJSON, err := jws.Verify([]byte(raw), jws.WithKeySet(entry.Keys,
		jws.WithRequireKid(false),
		jws.WithInferAlgorithmFromKey(true),
	))
	if err != nil {
		return nil, errors.Join(ErrBadSignature, err)
	}

	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil, errors.Join(ErrMalformedToken, err)
	}
	if tok.Issuer() != params.Issuer {
		return nil, ErrIssuerMismatch
	}

	err = jwt.Validate(tok,
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(params.ClockSkew),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired()):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return nil, ErrNotYetValid
	default:
		return nil, errors.Join(ErrInvalidClaims, err)
	}

	if !entry.IsAudienceAllowed(tok.Audience()) || !audienceAllowed(params.Audiences, tok.Audience()) {
		return nil, ErrAudienceRejected
	}

	claims, err := tok.AsMap(ctx)
	if err != nil {
		return nil, errors.Join(ErrMalformedToken, err)
	}

	return &JWTPayload{
		User:      tok.Issuer() + "/" + tok.Subject(),
		Presenter: stringClaim(claims, "azp"),
		Audiences: tok.Audience(),
		Claims:    claims,
		RawClaims: string(claimsJSON),
	}, nil
}

// verifiedPayload trusts the claims of a token verified upstream and only
// checks issuer and audience.
func verifiedPayload(params *policy.JWT, token Token) (*JWTPayload, error) {
	iss := stringClaim(token.Claims, "iss")
	if iss != params.Issuer {
		return nil, ErrIssuerMismatch
	}
	audiences := audienceClaim(token.Claims)
	if !audienceAllowed(params.Audiences, audiences) {
		return nil, ErrAudienceRejected
	}

	raw, err := json.Marshal(token.Claims)
	if err != nil {
		return nil, errors.Join(ErrMalformedToken, err)
	}
	return &JWTPayload{
		User:      iss + "/" + stringClaim(token.Claims, "sub"),
		Presenter: stringClaim(token.Claims, "azp"),
		Audiences: audiences,
		Claims:    token.Claims,
		RawClaims: string(raw),
	}, nil
}

func audienceAllowed(allowed, audiences []string) bool {
	if len(allowed) == 0 {
		return true
	}
	want := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if n := keycache.NormalizeAudience(a); n != "" {
			want[n] = struct{}{}
		}
	}
	if len(want) == 0 {
		return true
	}
	for _, a := range audiences {
		if _, ok := want[keycache.NormalizeAudience(a)]; ok {
			return true
		}
	}
	return false
}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

func audienceClaim(claims map[string]any) []string {
	switch aud := claims["aud"].(type) {
	case string:
		return []string{aud}
	case []string:
		return aud
	case []any:
		out := make([]string, 0, len(aud))
		for _, a := range aud {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
