package filter

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/TriadSpectraMotion/proxy/internal/authn/validator"
)

// UnaryServerInterceptor returns a gRPC unary interceptor enforcing the
// engine policy. Rejected calls fail with codes.Unauthenticated.
func (f *Filter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		_ *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx, err := f.authenticateGRPC(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor enforcing the
// engine policy.
func (f *Filter) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		_ *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := f.authenticateGRPC(stream.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: stream, ctx: ctx})
	}
}

func (f *Filter) authenticateGRPC(ctx context.Context) (context.Context, error) {
	d := f.authenticate(ctx, f.requestFromGRPC(ctx))
	if !d.ok {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.Unauthenticated, d.message)
	}
	return ContextWithResult(ctx, d.result), nil
}

func (f *Filter) requestFromGRPC(ctx context.Context) *validator.Request {
	req := &validator.Request{}
	if p, ok := peer.FromContext(ctx); ok {
		if info, ok := p.AuthInfo.(credentials.TLSInfo); ok {
			req.Connection = validator.ConnectionFromTLS(&info.State)
		}
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return req
	}
	var values []string
	for _, key := range metadataKeys(f.tokenHeaders) {
		values = append(values, md.Get(key)...)
	}
	req.Tokens = validator.TokensFromValues(values)
	return req
}

// authenticatedStream overrides the stream context with one carrying the
// authentication result.
type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}
