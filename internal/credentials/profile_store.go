package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loomctl/loom/internal/loomerr"
)

// Profile is a saved CLI login (e.g. the output of an interactive
// `claude login` or `gh auth login` flow) keyed by a name the user
// chose when they saved it.
type Profile struct {
	Name string
	Blob map[string]string // raw credentials-file contents, e.g. {"token": "..."}
}

// ProfileStore holds selected CLI login profiles per user and
// materializes the active one to a well-known on-disk path before an
// agent turn starts, so the CLI subprocess can read it the way it
// would after an interactive login.
type ProfileStore struct {
	mu           sync.RWMutex
	profiles     map[string]map[string]Profile // userID -> profile name -> Profile
	active       map[string]string             // userID -> active profile name
	credFilePath string                        // template path, materialized per user
}

// NewProfileStore creates a ProfileStore that writes the active
// profile's blob to credFilePath (mode 0600) on MaterializeActive.
func NewProfileStore(credFilePath string) *ProfileStore {
	return &ProfileStore{
		profiles:     make(map[string]map[string]Profile),
		active:       make(map[string]string),
		credFilePath: credFilePath,
	}
}

// SaveProfile stores profile for userID and, if it is the user's
// first profile, makes it active.
func (s *ProfileStore) SaveProfile(userID string, profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.profiles[userID] == nil {
		s.profiles[userID] = make(map[string]Profile)
	}
	s.profiles[userID][profile.Name] = profile
	if s.active[userID] == "" {
		s.active[userID] = profile.Name
	}
}

// SetActive selects which saved profile is used for userID.
func (s *ProfileStore) SetActive(userID, profileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[userID][profileName]; !ok {
		return loomerr.New(loomerr.KindValidation, "unknown profile: "+profileName)
	}
	s.active[userID] = profileName
	return nil
}

// MaterializeActive writes userID's active profile blob to disk at
// mode 0600 and returns the path. The caller is responsible for
// clearing it once the CLI subprocess that reads it has exited.
func (s *ProfileStore) MaterializeActive(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	activeName := s.active[userID]
	profile, ok := s.profiles[userID][activeName]
	s.mu.RUnlock()

	if !ok {
		return "", loomerr.Wrap(loomerr.KindCredentialUnavailable, "no active profile for user", loomerr.ErrCredentialUnavailable)
	}

	data, err := json.Marshal(profile.Blob)
	if err != nil {
		return "", fmt.Errorf("failed to marshal profile blob: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.credFilePath), 0700); err != nil {
		return "", fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := os.WriteFile(s.credFilePath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write credentials file: %w", err)
	}

	return s.credFilePath, nil
}

// Clear removes the materialized credentials file.
func (s *ProfileStore) Clear() error {
	err := os.Remove(s.credFilePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear credentials file: %w", err)
	}
	return nil
}

func (s *ProfileStore) Name() string { return "profile" }

func (s *ProfileStore) GetCredential(ctx context.Context, userID, key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activeName := s.active[userID]
	profile, ok := s.profiles[userID][activeName]
	if !ok {
		return nil, loomerr.Wrap(loomerr.KindCredentialUnavailable, "no active profile for user", loomerr.ErrCredentialUnavailable)
	}
	value, ok := profile.Blob[key]
	if !ok {
		return nil, loomerr.New(loomerr.KindCredentialUnavailable, "profile does not carry key: "+key)
	}
	return &Credential{Key: key, Value: value, Source: s.Name()}, nil
}

func (s *ProfileStore) ListAvailable(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activeName := s.active[userID]
	profile, ok := s.profiles[userID][activeName]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(profile.Blob))
	for k := range profile.Blob {
		keys = append(keys, k)
	}
	return keys, nil
}
