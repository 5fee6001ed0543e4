// Package auth establishes the tenant context of every API request.
//
// Three credentials are accepted, checked in this order:
//
//   - JWT bearer tokens signed with HS256 using auth.jwt_secret. The "tenant"
//     claim names the tenant and "sub" the participant.
//   - API keys, sent as a bearer token or in X-API-Key, compared against the
//     bcrypt hashes in auth.api_keys.
//   - Anonymous access (auth.allow_anonymous), where the caller names its
//     tenant in X-Tenant-ID. Intended for development only.
//
// Browsers cannot set headers on EventSource or WebSocket requests, so the
// access_token query parameter is read when no Authorization header exists.
//
// The authenticated identity travels through handlers as an AuthContext:
//
//	ac := auth.FromContext(r.Context())
//
// The raw Authorization header is kept on the AuthContext so it can be
// forwarded to the workflow engine. It is never persisted.
package auth
