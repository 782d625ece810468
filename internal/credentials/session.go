package credentials

import (
	"context"
	"sync"
)

// Session serializes profile-mode credential usage: only one CLI
// subprocess may have the materialized profile credentials file on
// disk at a time, since the file lives at a single well-known path
// shared by every profile-mode turn on this process. API-key mode
// turns inject credentials as environment variables and never touch
// this mutex.
type Session struct {
	mu    sync.Mutex
	store *ProfileStore
}

// NewSession wraps store in a process-wide serialization point.
func NewSession(store *ProfileStore) *Session {
	return &Session{store: store}
}

// Run materializes userID's active profile to disk, invokes fn (which
// should spawn and wait on the CLI subprocess), then clears the
// credentials file regardless of fn's outcome. No other profile-mode
// turn can run concurrently on this process while fn is in flight.
func (s *Session) Run(ctx context.Context, userID string, fn func(credentialsPath string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.store.MaterializeActive(ctx, userID)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.store.Clear()
	}()

	return fn(path)
}
