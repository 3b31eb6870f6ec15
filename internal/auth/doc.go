// Package auth provides authentication for probehub callers and agents.
//
// # API Keys and Tokens
//
// Every caller holds an API key stored in the hub database. The bearer token
// is an HS256 JWT whose "sub" claim is the key ID and whose "typ" claim is the
// key type. Tokens are signed with auth.jwt_secret (at least 32 bytes):
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	key, token, err := auth.IssueKey(ctx, store, verifier, auth.IssueRequest{
//	    Name:   "claude-desktop",
//	    Policy: pol,
//	})
//
// Revoking a key invalidates every token that carries its ID.
//
// # AuthContext
//
// Middleware resolves the token to an AuthContext carrying the key's type,
// ID and policy.Policy. Handlers evaluate that policy with the policy package
// before any probe is dispatched. A nil policy is unrestricted.
//
// # Key Types
//
//   - client: REST and MCP callers, usually restricted by a policy
//   - agent: remote agents opening the gRPC stream
//   - admin: unrestricted, may also manage critical paths
//
// # Disabled Auth
//
// When no jwt_secret is configured the hub runs open: NoAuthMiddleware and
// NoAuthStreamInterceptor attach the unrestricted anonymous context.
//
// # gRPC Interceptor
//
// StreamInterceptor reads "authorization: Bearer <token>" from the stream
// metadata and only admits agent and admin keys. After the register frame,
// CheckAgentRegistration applies the key's allowedAgents list to the
// agent ID being claimed.
package auth
