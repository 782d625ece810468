// Package credentials resolves the secrets an agent turn needs —
// either a registered API key or a materialized CLI login profile —
// without ever caching a resolved value across requests.
package credentials

import "context"

// Credential is a single resolved secret.
type Credential struct {
	Key         string // environment variable name, e.g. ANTHROPIC_API_KEY
	Value       string // the secret value, never logged
	Source      string // which provider produced it
	Description string
}

// Provider is a source of credentials: a registered API key store, a
// materialized CLI profile, or any future secret source.
type Provider interface {
	// GetCredential retrieves a credential by key for the given user.
	GetCredential(ctx context.Context, userID, key string) (*Credential, error)

	// ListAvailable returns the keys this provider can resolve for userID.
	ListAvailable(ctx context.Context, userID string) ([]string, error)

	// Name returns the provider name.
	Name() string
}
