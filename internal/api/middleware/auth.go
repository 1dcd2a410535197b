package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/kiranshivaraju/tileflow/internal/api/response"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// ParseKeys reads API keys configured as name:prefix:bcrypt-hash:scope|scope.
func ParseKeys(entries []string) ([]*models.APIKey, error) {
	keys := make([]*models.APIKey, 0, len(entries))
	for i, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("api key %d: want name:prefix:hash:scopes", i)
		}
		name, prefix, hash, scopes := parts[0], parts[1], parts[2], parts[3]
		if name == "" || len(prefix) != keyPrefixLen {
			return nil, fmt.Errorf("api key %d: name is required and prefix must be %d characters", i, keyPrefixLen)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api key %s: invalid bcrypt hash: %w", name, err)
		}
		keys = append(keys, &models.APIKey{
			Name:      name,
			KeyPrefix: prefix,
			KeyHash:   hash,
			Scopes:    strings.Split(scopes, "|"),
		})
	}
	return keys, nil
}

// Auth provides authentication and scope-checking middleware over a fixed key set.
type Auth struct {
	byPrefix map[string][]*models.APIKey
}

// NewAuth creates Auth for keys. With no keys every request is rejected.
func NewAuth(keys []*models.APIKey) *Auth {
	a := &Auth{byPrefix: make(map[string][]*models.APIKey)}
	for _, k := range keys {
		a.byPrefix[k.KeyPrefix] = append(a.byPrefix[k.KeyPrefix], k)
	}
	return a
}

// Authenticate validates the Bearer token and stores the matching key in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}
		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]
		for _, key := range a.byPrefix[prefix] {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				ctx := SetKey(r.Context(), key.Name, prefix, key.Scopes)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		slog.Warn("rejected api key", "key_prefix", prefix, "path", r.URL.Path)
		response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Invalid API key", nil)
	})
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(getScopes(r), scope) {
				next.ServeHTTP(w, r)
				return
			}
			response.Error(w, http.StatusForbidden,
				response.CodeForbidden, "Insufficient permissions", nil)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
