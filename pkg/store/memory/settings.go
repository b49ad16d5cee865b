package memory

import (
	"context"
	"sync"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/settings"
)

// SettingsStore keeps the settings record in memory.
type SettingsStore struct {
	mu    sync.RWMutex
	rec   mail.TransportSettings
	saved bool
}

var _ settings.Store = (*SettingsStore)(nil)

// NewSettingsStore creates an empty settings store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{}
}

func (s *SettingsStore) Load(_ context.Context) (mail.TransportSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.saved {
		return mail.TransportSettings{}, settings.ErrNotFound
	}
	return s.rec, nil
}

func (s *SettingsStore) Save(_ context.Context, rec mail.TransportSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	s.saved = true
	return nil
}
