// Package memory provides the process-lifetime pairing code store.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/skypiea/relay/internal/services/relay/storage"
)

// Store keeps pairing codes in a map guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	byCode map[string]storage.ConnectionInfo
}

// New returns an empty store.
func New() *Store {
	return &Store{byCode: make(map[string]storage.ConnectionInfo)}
}

// PutConnection stores info under its code.
func (s *Store) PutConnection(ctx context.Context, info storage.ConnectionInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	code := strings.TrimSpace(info.Code)
	if code == "" {
		return fmt.Errorf("code is required")
	}
	if strings.TrimSpace(info.Token) == "" {
		return fmt.Errorf("token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[code]; ok {
		return storage.ErrCodeTaken
	}
	s.byCode[code] = info
	return nil
}

// GetConnection returns the record registered for code.
func (s *Store) GetConnection(ctx context.Context, code string) (storage.ConnectionInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConnectionInfo{}, err
	}
	s.mu.RLock()
	info, ok := s.byCode[strings.TrimSpace(code)]
	s.mu.RUnlock()
	if !ok {
		return storage.ConnectionInfo{}, storage.ErrNotFound
	}
	return info, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

var _ storage.ConnectionStore = (*Store)(nil)
