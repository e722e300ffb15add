package validator

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Connection is the transport identity of the connection a request arrived on.
type Connection struct {
	PeerCertificatePresented bool
	Verified                 bool
	URISANs                  []string
	DNSSANs                  []string
	CommonName               string
}

// Token is a bearer token presented for one issuer.
type Token struct {
	Raw string

	// Claims are the decoded claims. They are trusted only when Verified.
	Claims map[string]any

	// Verified marks tokens whose signature was checked upstream.
	Verified bool
}

// Request is the read-only input of one authentication.
type Request struct {
	Connection Connection

	// Tokens maps an issuer to the token presented for it.
	Tokens map[string]Token
}

// ConnectionFromTLS extracts the peer identity fields from a terminated TLS
// connection. A nil state yields a connection without certificate.
func ConnectionFromTLS(state *tls.ConnectionState) Connection {
	if state == nil || len(state.PeerCertificates) == 0 {
		return Connection{}
	}
	leaf := state.PeerCertificates[0]
	conn := Connection{
		PeerCertificatePresented: true,
		Verified:                 len(state.VerifiedChains) > 0,
		DNSSANs:                  append([]string(nil), leaf.DNSNames...),
		CommonName:               leaf.Subject.CommonName,
	}
	for _, u := range leaf.URIs {
		conn.URISANs = append(conn.URISANs, u.String())
	}
	return conn
}

// DefaultTokenHeader is the header bearer tokens are read from.
const DefaultTokenHeader = "Authorization"

// TokensFromHeaders collects the JWTs in the given headers, keyed by their
// unverified "iss" claim. The Authorization header is always consulted;
// other headers may carry the token with or without a "Bearer " prefix.
// The first token seen for an issuer wins.
func TokensFromHeaders(header http.Header, extraHeaders ...string) map[string]Token {
	values := header.Values(DefaultTokenHeader)
	for _, name := range extraHeaders {
		values = append(values, header.Values(name)...)
	}
	return TokensFromValues(values)
}

// TokensFromValues is TokensFromHeaders over raw header values, for
// transports such as gRPC metadata.
func TokensFromValues(values []string) map[string]Token {
	tokens := make(map[string]Token)
	for _, v := range values {
		raw := bearerToken(v)
		if raw == "" {
			continue
		}
		parsed, err := jwt.ParseInsecure([]byte(raw))
		if err != nil || parsed.Issuer() == "" {
			continue
		}
		if _, ok := tokens[parsed.Issuer()]; ok {
			continue
		}
		claims, err := parsed.AsMap(context.Background())
		if err != nil {
			continue
		}
		tokens[parsed.Issuer()] = Token{Raw: raw, Claims: claims}
	}
	return tokens
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		v = strings.TrimSpace(v[7:])
	}
	return v
}
