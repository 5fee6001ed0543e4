// ABOUTME: HTTP middleware establishing the tenant context of API requests
// ABOUTME: Accepts JWTs, API keys, or anonymous tenant headers and logs every failure

package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// Headers read by the middleware.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderTenantID      = "X-Tenant-ID"
	HeaderParticipantID = "X-Participant-ID"
	HeaderReplyToken    = "X-Reply-Token"
)

// Authenticator resolves request credentials into an AuthContext.
type Authenticator struct {
	jwt            *JWTVerifier
	keys           *APIKeyVerifier
	allowAnonymous bool
	logger         *slog.Logger
}

// NewAuthenticator creates an authenticator. jwt and keys may be nil.
func NewAuthenticator(jwt *JWTVerifier, keys *APIKeyVerifier, allowAnonymous bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		jwt:            jwt,
		keys:           keys,
		allowAnonymous: allowAnonymous,
		logger:         logger.With("component", "auth"),
	}
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

// Failure describes why a request was rejected.
type Failure struct {
	Reason  string // stable log key
	Message string // client-facing
}

// Authenticate resolves r's credentials. It returns nil and a failure
// when the request must be rejected.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, *Failure) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if key := r.Header.Get(HeaderAPIKey); key != "" {
			return a.fromAPIKey(key, "")
		}
		if token := r.URL.Query().Get("access_token"); token != "" {
			header = "Bearer " + token
		}
	}

	if header != "" {
		token, errMsg := extractBearerToken(header)
		if errMsg != "" {
			return nil, &Failure{Reason: "token_extraction_failed", Message: errMsg}
		}
		if looksLikeJWT(token) {
			return a.fromJWT(token, header)
		}
		return a.fromAPIKey(token, header)
	}

	if a.allowAnonymous {
		tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenant == "" {
			tenant = r.URL.Query().Get("tenant")
		}
		if tenant == "" || strings.Contains(tenant, ":") {
			return nil, &Failure{Reason: "anonymous_tenant_invalid", Message: "X-Tenant-ID header is required"}
		}
		return &AuthContext{
			TenantID:      tenant,
			ParticipantID: r.Header.Get(HeaderParticipantID),
			Method:        MethodAnonymous,
		}, nil
	}

	return nil, &Failure{Reason: "token_extraction_failed", Message: "missing authorization header"}
}

func (a *Authenticator) fromJWT(token, header string) (*AuthContext, *Failure) {
	if a.jwt == nil {
		return nil, &Failure{Reason: "jwt_disabled", Message: "invalid token"}
	}
	tenant, participant, err := a.jwt.Verify(token)
	if err != nil {
		return nil, &Failure{Reason: "token_invalid", Message: "invalid token"}
	}
	return &AuthContext{
		TenantID:      tenant,
		ParticipantID: participant,
		Method:        MethodJWT,
		Credential:    header,
	}, nil
}

func (a *Authenticator) fromAPIKey(key, header string) (*AuthContext, *Failure) {
	if a.keys == nil || a.keys.Len() == 0 {
		return nil, &Failure{Reason: "api_keys_disabled", Message: "invalid api key"}
	}
	tenant, participant, err := a.keys.Verify(key)
	if err != nil {
		return nil, &Failure{Reason: "api_key_unknown", Message: "invalid api key"}
	}
	if header == "" {
		header = "Bearer " + key
	}
	return &AuthContext{
		TenantID:      tenant,
		ParticipantID: participant,
		Method:        MethodAPIKey,
		Credential:    header,
	}, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// AuthContext to the rest.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, fail := a.Authenticate(r)
			if fail != nil {
				a.logger.Warn("http auth failure",
					"reason", fail.Reason,
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				http.Error(w, `{"error":"`+fail.Message+`"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}

// RequireReplyToken guards the engine reply ingress with a shared secret.
// An empty token leaves the handler unguarded.
func RequireReplyToken(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderReplyToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				logger.Warn("http auth failure",
					"reason", "reply_token_mismatch",
					"remote_addr", r.RemoteAddr,
					"security", true,
				)
				http.Error(w, `{"error":"invalid reply token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
