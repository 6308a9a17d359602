// Package auth provides the two credential spaces of coven-dispatch.
//
// # Admin credentials
//
// Admin requests carry the X-Admin-Token header. The value is accepted when it
// equals the configured static admin token, or when it is an HS256 JWT signed
// with the configured jwt_secret and carrying the admin scope. Tokens are minted
// with `coven-dispatch token`.
//
// When neither a static token nor a JWT secret is configured, admin requests are
// only let through if the server was started with insecure_admin enabled.
//
// # Agent credentials
//
// Agents present the bearer token returned at registration, either in the
// X-Agent-Token header or as "Authorization: Bearer <token>". Tokens are
// resolved to agent ids by an AgentAuthenticator, normally the registry.
//
// # Context
//
// Both middlewares attach an Identity to the request context. Handlers read it
// with FromContext or AgentID.
package auth
