// Package auth provides JWT-based authentication for crew-control.
//
// Agents authenticate with HS256-signed bearer tokens whose "sub" claim
// carries the agent id. HTTPAuthMiddleware verifies the token, resolves the
// agent, and attaches an AuthContext that handlers retrieve with FromContext.
package auth
