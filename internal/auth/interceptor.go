// ABOUTME: gRPC stream interceptors that authenticate agents by bearer token in metadata
// ABOUTME: Only agent and admin keys may open the agent stream

package auth

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/probehub/internal/policy"
	"github.com/2389/probehub/internal/store"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	// Extract peer address if available
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates agents.
func StreamInterceptor(keys KeyStore, tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		authCtx, err := extractAgentAuth(ss.Context(), keys, tokens, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

// NoAuthStreamInterceptor returns a gRPC stream interceptor that injects an anonymous
// auth context when authentication is disabled.
func NoAuthStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), Anonymous()),
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

// extractAgentAuth validates the bearer token in the stream metadata.
func extractAgentAuth(ctx context.Context, keys KeyStore, tokens TokenVerifier, logger *slog.Logger) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}
	token, errMsg := extractBearerToken(authHeaders[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bad_authorization", "error", errMsg)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	authCtx, err := Authenticate(ctx, keys, tokens, token)
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_auth_failed", "error", err.Error())
		if errors.Is(err, store.ErrKeyRevoked) {
			return nil, status.Error(codes.PermissionDenied, "api key has been revoked")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}

	if authCtx.Type != string(store.KeyTypeAgent) && authCtx.Type != string(store.KeyTypeAdmin) {
		logAuthFailure(logger, ctx, "wrong_key_type", "key_id", authCtx.KeyID, "type", authCtx.Type)
		return nil, status.Errorf(codes.PermissionDenied, "key %s is a %s key, not an agent key", authCtx.KeyID, authCtx.Type)
	}
	return authCtx, nil
}

// CheckAgentRegistration verifies that the stream's credentials may register agentID.
// Keys with allowedAgents in their policy may only register those IDs.
func CheckAgentRegistration(ctx context.Context, agentID string) error {
	authCtx := FromContext(ctx)
	if authCtx == nil {
		return status.Error(codes.Unauthenticated, "not authenticated")
	}
	if d := policy.EvaluateAgentAccess(authCtx.Policy, agentID); !d.Allowed {
		return status.Error(codes.PermissionDenied, d.Reason)
	}
	return nil
}
