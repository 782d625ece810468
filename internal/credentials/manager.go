package credentials

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
)

// Manager resolves credentials for agent turns across every
// registered provider. Unlike a typical read-through cache, it never
// retains a resolved value between calls: every EnsureCredentials call
// re-asks each provider, so a revoked or rotated key is reflected on
// the very next turn.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *logger.Logger
}

// NewManager creates a new credentials manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		providers: make([]Provider, 0),
		logger:    log.WithFields(zap.String("component", "credentials-manager")),
	}
}

// AddProvider registers a credential provider, consulted in registration order.
func (m *Manager) AddProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
	m.logger.Info("added credential provider", zap.String("provider", provider.Name()))
}

// GetCredential resolves a single credential for userID/key by asking
// each registered provider in turn. No result is cached.
func (m *Manager) GetCredential(ctx context.Context, userID, key string) (*Credential, error) {
	m.mu.RLock()
	providers := append([]Provider(nil), m.providers...)
	m.mu.RUnlock()

	for _, provider := range providers {
		cred, err := provider.GetCredential(ctx, userID, key)
		if err == nil {
			m.logger.Debug("credential resolved",
				zap.String("key", key), zap.String("source", cred.Source))
			return cred, nil
		}
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// EnsureCredentials resolves every key in required for userID,
// returning an error naming the first missing one. It never reuses a
// value resolved by a prior call.
func (m *Manager) EnsureCredentials(ctx context.Context, userID string, required []string) (map[string]*Credential, error) {
	result := make(map[string]*Credential, len(required))
	for _, key := range required {
		cred, err := m.GetCredential(ctx, userID, key)
		if err != nil {
			return nil, fmt.Errorf("required credential missing: %s", key)
		}
		result[key] = cred
	}
	return result, nil
}

// BuildEnvVars resolves required credentials into KEY=VALUE env
// entries and appends additional static entries.
func (m *Manager) BuildEnvVars(ctx context.Context, userID string, required []string, additional map[string]string) ([]string, error) {
	creds, err := m.EnsureCredentials(ctx, userID, required)
	if err != nil {
		return nil, err
	}

	envVars := make([]string, 0, len(required)+len(additional))
	for _, key := range required {
		envVars = append(envVars, fmt.Sprintf("%s=%s", creds[key].Key, creds[key].Value))
	}
	for key, value := range additional {
		envVars = append(envVars, fmt.Sprintf("%s=%s", key, value))
	}
	return envVars, nil
}

// ListAvailable lists every credential key any provider can resolve for userID.
func (m *Manager) ListAvailable(ctx context.Context, userID string) []string {
	m.mu.RLock()
	providers := append([]Provider(nil), m.providers...)
	m.mu.RUnlock()

	keySet := make(map[string]struct{})
	for _, provider := range providers {
		keys, err := provider.ListAvailable(ctx, userID)
		if err != nil {
			m.logger.Warn("failed to list credentials from provider",
				zap.String("provider", provider.Name()), zap.Error(err))
			continue
		}
		for _, key := range keys {
			keySet[key] = struct{}{}
		}
	}

	result := make([]string, 0, len(keySet))
	for key := range keySet {
		result = append(result, key)
	}
	return result
}
