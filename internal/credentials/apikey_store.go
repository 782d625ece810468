package credentials

import (
	"context"
	"sync"

	"github.com/loomctl/loom/internal/loomerr"
)

// APIKeyStore holds per-user, per-service API keys registered through
// the control plane (as opposed to a CLI login profile). Exactly one
// key per (user, service) pair is considered active.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]map[string]string // userID -> service key -> value
}

// NewAPIKeyStore creates an empty APIKeyStore.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]map[string]string)}
}

// Register sets the active API key for userID/key.
func (s *APIKeyStore) Register(userID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys[userID] == nil {
		s.keys[userID] = make(map[string]string)
	}
	s.keys[userID][key] = value
}

// Revoke removes the active API key for userID/key.
func (s *APIKeyStore) Revoke(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys[userID], key)
}

func (s *APIKeyStore) Name() string { return "api_key" }

func (s *APIKeyStore) GetCredential(ctx context.Context, userID, key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.keys[userID][key]
	if !ok {
		return nil, loomerr.Wrap(loomerr.KindCredentialUnavailable, "api key not registered: "+key, loomerr.ErrCredentialUnavailable)
	}
	return &Credential{Key: key, Value: value, Source: s.Name()}, nil
}

func (s *APIKeyStore) ListAvailable(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.keys[userID]))
	for k := range s.keys[userID] {
		keys = append(keys, k)
	}
	return keys, nil
}
