package models

// APIKey is an operator credential accepted by the HTTP API.
// Only the bcrypt hash of the raw key is ever configured.
type APIKey struct {
	Name      string   `json:"name"`
	KeyPrefix string   `json:"key_prefix"`
	KeyHash   string   `json:"-"`
	Scopes    []string `json:"scopes"`
}

const (
	ScopeSubmit = "submit"
	ScopeRead   = "read"
)
