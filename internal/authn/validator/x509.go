package validator

import (
	"context"
	"strings"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

const spiffePrefix = "spiffe://"

// X509Option configures an X509Validator.
type X509Option func(*X509Validator)

// WithX509Logger sets the logger.
func WithX509Logger(logger observability.Logger) X509Option {
	return func(v *X509Validator) {
		v.logger = logger
	}
}

// X509Validator authenticates the peer from its TLS certificate.
type X509Validator struct {
	logger observability.Logger
}

// NewX509Validator creates a certificate validator.
func NewX509Validator(opts ...X509Option) *X509Validator {
	v := &X509Validator{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate implements Validator. It completes synchronously.
func (v *X509Validator) Validate(ctx context.Context, method policy.Method, req *Request, done Done) {
	params := method.MTLS
	if params == nil {
		done(nil, mtlsError(ErrUnsupportedMethod))
		return
	}

	conn := req.Connection
	if !conn.PeerCertificatePresented {
		done(nil, mtlsError(ErrNoCertificate))
		return
	}
	if !conn.Verified && !params.AllowUnverified {
		done(nil, mtlsError(ErrUnverifiedCertificate))
		return
	}

	user := certificateUser(conn, params)
	if user == "" {
		done(nil, mtlsError(ErrNoMatchingSAN))
		return
	}

	v.logger.WithContext(ctx).Debug("peer certificate accepted",
		observability.String("user", user),
		observability.String("field", string(params.EffectiveIdentityField())),
	)
	done(&X509Payload{User: user}, nil)
}

func certificateUser(conn Connection, params *policy.MutualTLS) string {
	switch params.EffectiveIdentityField() {
	case policy.IdentityFieldDNSSAN:
		for _, name := range conn.DNSSANs {
			if name != "" {
				return name
			}
		}
	case policy.IdentityFieldCommonName:
		return conn.CommonName
	default:
		for _, uri := range conn.URISANs {
			if uri == "" {
				continue
			}
			if !params.KeepSPIFFEPrefix {
				uri = strings.TrimPrefix(uri, spiffePrefix)
			}
			if uri != "" {
				return uri
			}
		}
	}
	return ""
}
