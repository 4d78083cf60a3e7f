// ABOUTME: gRPC stream interceptor authenticating workers with bearer JWTs
// ABOUTME: Extracts auth from metadata and populates the stream context

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(ctx context.Context, logger *slog.Logger, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates streams.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		p, err := authenticate(ss.Context(), tokens, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ss.Context(), p),
		}
		return handler(srv, wrapped)
	}
}

// NoAuthStreamInterceptor attaches the anonymous principal when authentication is disabled.
func NoAuthStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ss.Context(), Anonymous),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func authenticate(ctx context.Context, tokens TokenVerifier, logger *slog.Logger) (Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(ctx, logger, "missing_metadata")
		return Principal{}, status.Error(codes.Unauthenticated, "missing metadata")
	}

	headers := md.Get("authorization")
	if len(headers) == 0 {
		logAuthFailure(ctx, logger, "missing_header")
		return Principal{}, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(headers[0])
	if errMsg != "" {
		logAuthFailure(ctx, logger, "bad_header", "error", errMsg)
		return Principal{}, status.Error(codes.Unauthenticated, errMsg)
	}

	p, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(ctx, logger, "jwt_auth_failed", "error", err.Error())
		return Principal{}, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return p, nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerToken sends a JWT as per-RPC credentials on every stream.
type BearerToken string

var _ credentials.PerRPCCredentials = BearerToken("")

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (t BearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	if t == "" {
		return nil, nil
	}
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

// RequireTransportSecurity is false so tokens work over tailnet and loopback listeners.
func (t BearerToken) RequireTransportSecurity() bool {
	return false
}
