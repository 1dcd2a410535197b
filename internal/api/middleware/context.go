package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	keyNameKey   contextKey = "key_name"
	keyPrefixKey contextKey = "key_prefix"
	scopesKey    contextKey = "api_key_scopes"
)

// SetKey stores the authenticated key's name, prefix and scopes on ctx.
func SetKey(ctx context.Context, name, prefix string, scopes []string) context.Context {
	ctx = context.WithValue(ctx, keyNameKey, name)
	ctx = context.WithValue(ctx, keyPrefixKey, prefix)
	return context.WithValue(ctx, scopesKey, scopes)
}

// GetKeyName returns the name of the API key that authenticated r.
func GetKeyName(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(keyNameKey).(string)
	return name, ok
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(scopesKey).([]string)
	return scopes
}
