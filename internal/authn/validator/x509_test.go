package validator

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TriadSpectraMotion/proxy/internal/authn/policy"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

type outcome struct {
	payload Payload
	err     error
	calls   int
}

func (o *outcome) done(payload Payload, err error) {
	o.calls++
	o.payload = payload
	o.err = err
}

func TestConnectionFromTLS(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateTestCA(t)
	spiffe, err := url.Parse("spiffe://cluster.local/ns/default/sa/frontend")
	require.NoError(t, err)

	cert := generateTestCert(t, caCert, caKey, func(c *x509.Certificate) {
		c.URIs = []*url.URL{spiffe}
		c.DNSNames = []string{"frontend.default.svc"}
	})

	t.Run("nil state", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Connection{}, ConnectionFromTLS(nil))
	})

	t.Run("no peer certificate", func(t *testing.T) {
		t.Parallel()
		assert.False(t, ConnectionFromTLS(&tls.ConnectionState{}).PeerCertificatePresented)
	})

	t.Run("verified chain", func(t *testing.T) {
		t.Parallel()

		conn := ConnectionFromTLS(&tls.ConnectionState{
			PeerCertificates: []*x509.Certificate{cert},
			VerifiedChains:   [][]*x509.Certificate{{cert, caCert}},
		})
		assert.True(t, conn.PeerCertificatePresented)
		assert.True(t, conn.Verified)
		assert.Equal(t, []string{"spiffe://cluster.local/ns/default/sa/frontend"}, conn.URISANs)
		assert.Equal(t, []string{"frontend.default.svc"}, conn.DNSSANs)
		assert.Equal(t, "test-client", conn.CommonName)
	})

	t.Run("unverified chain", func(t *testing.T) {
		t.Parallel()

		conn := ConnectionFromTLS(&tls.ConnectionState{
			PeerCertificates: []*x509.Certificate{cert},
		})
		assert.True(t, conn.PeerCertificatePresented)
		assert.False(t, conn.Verified)
	})
}

func TestX509Validator_Validate(t *testing.T) {
	t.Parallel()

	verified := Connection{
		PeerCertificatePresented: true,
		Verified:                 true,
		URISANs:                  []string{"spiffe://cluster.local/ns/default/sa/frontend"},
		DNSSANs:                  []string{"frontend.default.svc"},
		CommonName:               "frontend",
	}

	tests := []struct {
		name     string
		params   policy.MutualTLS
		conn     Connection
		wantUser string
		wantErr  error
	}{
		{
			name:     "uri san with spiffe prefix stripped",
			conn:     verified,
			wantUser: "cluster.local/ns/default/sa/frontend",
		},
		{
			name:     "uri san keeping spiffe prefix",
			params:   policy.MutualTLS{KeepSPIFFEPrefix: true},
			conn:     verified,
			wantUser: "spiffe://cluster.local/ns/default/sa/frontend",
		},
		{
			name:     "plain uri san",
			conn:     Connection{PeerCertificatePresented: true, Verified: true, URISANs: []string{"foo"}},
			wantUser: "foo",
		},
		{
			name:     "dns san",
			params:   policy.MutualTLS{IdentityField: policy.IdentityFieldDNSSAN},
			conn:     verified,
			wantUser: "frontend.default.svc",
		},
		{
			name:     "common name",
			params:   policy.MutualTLS{IdentityField: policy.IdentityFieldCommonName},
			conn:     verified,
			wantUser: "frontend",
		},
		{
			name:    "no certificate",
			conn:    Connection{},
			wantErr: ErrNoCertificate,
		},
		{
			name:    "unverified certificate",
			conn:    Connection{PeerCertificatePresented: true, URISANs: []string{"foo"}},
			wantErr: ErrUnverifiedCertificate,
		},
		{
			name:     "unverified certificate allowed",
			params:   policy.MutualTLS{AllowUnverified: true},
			conn:     Connection{PeerCertificatePresented: true, URISANs: []string{"foo"}},
			wantUser: "foo",
		},
		{
			name:    "no uri san",
			conn:    Connection{PeerCertificatePresented: true, Verified: true, DNSSANs: []string{"a"}},
			wantErr: ErrNoMatchingSAN,
		},
		{
			name:    "bare spiffe prefix",
			conn:    Connection{PeerCertificatePresented: true, Verified: true, URISANs: []string{"spiffe://"}},
			wantErr: ErrNoMatchingSAN,
		},
		{
			name:    "no dns san",
			params:  policy.MutualTLS{IdentityField: policy.IdentityFieldDNSSAN},
			conn:    Connection{PeerCertificatePresented: true, Verified: true, URISANs: []string{"foo"}},
			wantErr: ErrNoMatchingSAN,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := NewX509Validator(WithX509Logger(observability.NopLogger()))
			var got outcome
			v.Validate(context.Background(), policy.MTLSMethod(tt.params), &Request{Connection: tt.conn}, got.done)

			require.Equal(t, 1, got.calls)
			if tt.wantErr != nil {
				require.Error(t, got.err)
				assert.True(t, errors.Is(got.err, tt.wantErr), got.err.Error())
				assert.Nil(t, got.payload)

				var methodErr *MethodError
				require.True(t, errors.As(got.err, &methodErr))
				assert.Equal(t, policy.KindMTLS, methodErr.Kind)
				return
			}
			require.NoError(t, got.err)
			x509Payload, ok := got.payload.(*X509Payload)
			require.True(t, ok)
			assert.Equal(t, tt.wantUser, x509Payload.User)
			assert.Equal(t, tt.wantUser, got.payload.UserID())
		})
	}
}

func TestSet_Validate(t *testing.T) {
	t.Parallel()

	req := &Request{Connection: Connection{PeerCertificatePresented: true, Verified: true, URISANs: []string{"foo"}}}

	t.Run("routes mtls", func(t *testing.T) {
		t.Parallel()

		s := Set{X509: NewX509Validator()}
		var got outcome
		s.Validate(context.Background(), policy.MTLSMethod(policy.MutualTLS{}), req, got.done)
		require.NoError(t, got.err)
		assert.Equal(t, "foo", got.payload.UserID())
	})

	t.Run("missing validator", func(t *testing.T) {
		t.Parallel()

		s := Set{X509: NewX509Validator()}
		var got outcome
		s.Validate(context.Background(), policy.JWTMethod(policy.JWT{Issuer: "x"}), req, got.done)
		assert.ErrorIs(t, got.err, ErrUnsupportedMethod)
	})

	t.Run("unknown kind", func(t *testing.T) {
		t.Parallel()

		s := Set{X509: NewX509Validator(), JWT: NewX509Validator()}
		var got outcome
		s.Validate(context.Background(), policy.Method{}, req, got.done)
		assert.ErrorIs(t, got.err, ErrUnsupportedMethod)
		assert.Equal(t, 1, got.calls)
	})
}
