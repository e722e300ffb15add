// Package filter runs the authentication engine in front of HTTP, gin and
// gRPC handlers.
//
// A request that fails authentication is rejected before it reaches the
// wrapped handler. A request that passes has its identity headers replaced
// with the established identity and its context carries the authn.Result.
package filter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/TriadSpectraMotion/proxy/internal/authn"
	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// Identity headers set on authenticated requests. Client supplied values
// are always removed first.
const (
	HeaderPeerUser        = "X-Authn-Peer-User"
	HeaderOriginUser      = "X-Authn-Origin-User"
	HeaderOriginPresenter = "X-Authn-Origin-Presenter"
	HeaderPrincipal       = "X-Authn-Principal"

	// RequestIDHeader carries the request id used for log correlation.
	RequestIDHeader = "X-Request-ID"
)

// identityHeaders lists every header the filter owns.
var identityHeaders = []string{
	HeaderPeerUser,
	HeaderOriginUser,
	HeaderOriginPresenter,
	HeaderPrincipal,
}

// defaultRejection is used when a coordinator stops without a message.
const defaultRejection = "Authentication failed."

type contextKey struct{}

// ContextWithResult returns a copy of ctx carrying res.
func ContextWithResult(ctx context.Context, res authn.Result) context.Context {
	return context.WithValue(ctx, contextKey{}, res)
}

// ResultFromContext returns the authentication result stored by the filter.
func ResultFromContext(ctx context.Context) (authn.Result, bool) {
	res, ok := ctx.Value(contextKey{}).(authn.Result)
	return res, ok
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(f *Filter) {
		f.logger = logger
	}
}

// WithTokenHeaders adds headers, besides Authorization, that carry bearer
// tokens. For gRPC the lower-cased names are read from metadata.
func WithTokenHeaders(headers ...string) Option {
	return func(f *Filter) {
		f.tokenHeaders = append(f.tokenHeaders, headers...)
	}
}

// Filter authenticates requests with an authn.Engine.
type Filter struct {
	engine       *authn.Engine
	logger       observability.Logger
	tokenHeaders []string
}

// New creates a filter over engine.
func New(engine *authn.Engine, opts ...Option) *Filter {
	f := &Filter{
		engine: engine,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// decision is the outcome of one authentication.
type decision struct {
	result  authn.Result
	ok      bool
	message string
}

func (f *Filter) authenticate(ctx context.Context, req *validator.Request) decision {
	c := f.engine.NewCoordinator()
	res, ok := c.Authenticate(ctx, req)
	d := decision{result: res, ok: ok}
	if !ok {
		d.message = c.RejectionMessage()
		if d.message == "" {
			d.message = defaultRejection
		}
		f.logger.WithContext(ctx).Debug("request rejected",
			observability.String("reason", d.message),
			observability.Bool("cancelled", c.Cancelled()),
		)
	}
	return d
}

// Middleware returns net/http middleware enforcing the engine policy.
func (f *Filter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := withRequestID(r, w)

			d := f.authenticate(ctx, f.requestFromHTTP(r))
			if !d.ok {
				if ctx.Err() != nil {
					return
				}
				writeUnauthorized(w, d.message)
				return
			}

			ApplyIdentityHeaders(r.Header, d.result)
			next.ServeHTTP(w, r.WithContext(ContextWithResult(ctx, d.result)))
		})
	}
}

func (f *Filter) requestFromHTTP(r *http.Request) *validator.Request {
	return &validator.Request{
		Connection: validator.ConnectionFromTLS(r.TLS),
		Tokens:     validator.TokensFromHeaders(r.Header, f.tokenHeaders...),
	}
}

// withRequestID reuses the client request id or assigns a new one.
func withRequestID(r *http.Request, w http.ResponseWriter) context.Context {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set(RequestIDHeader, requestID)
	}
	w.Header().Set(RequestIDHeader, requestID)
	return observability.ContextWithRequestID(r.Context(), requestID)
}

// ApplyIdentityHeaders removes client supplied identity headers from h and
// sets the ones established by res.
func ApplyIdentityHeaders(h http.Header, res authn.Result) {
	for _, name := range identityHeaders {
		h.Del(name)
	}
	setIfNotEmpty(h, HeaderPeerUser, res.PeerUser)
	setIfNotEmpty(h, HeaderPrincipal, res.Principal)
	if res.Origin != nil {
		setIfNotEmpty(h, HeaderOriginUser, res.Origin.User)
		setIfNotEmpty(h, HeaderOriginPresenter, res.Origin.Presenter)
	}
}

func setIfNotEmpty(h http.Header, name, value string) {
	if value != "" {
		h.Set(name, value)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

func metadataKeys(headers []string) []string {
	keys := []string{strings.ToLower(validator.DefaultTokenHeader)}
	for _, h := range headers {
		keys = append(keys, strings.ToLower(h))
	}
	return keys
}
