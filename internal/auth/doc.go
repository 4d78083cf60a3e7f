// Package auth authenticates worker streams and operator API calls.
//
// Workers and operators present an HS256 JWT as a bearer token. The "sub"
// claim names the principal and the "kind" claim says whether it is a worker
// process or an operator.
//
// # gRPC
//
// StreamInterceptor verifies the "authorization" metadata on every stream and
// attaches the resulting Principal to the stream context. When auth is
// disabled, NoAuthStreamInterceptor attaches an anonymous principal instead so
// handlers can always call FromContext.
//
// Clients use BearerToken as per-RPC credentials:
//
//	conn, err := grpc.NewClient(addr, grpc.WithPerRPCCredentials(auth.BearerToken(tok)))
//
// # HTTP
//
// HTTPMiddleware guards the operator API with the same tokens.
//
// # Tokens
//
//	v, err := auth.NewJWTVerifier(secret)
//	tok, err := v.Generate("worker-1", auth.KindWorker, 24*time.Hour)
package auth
