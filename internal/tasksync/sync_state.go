package tasksync

import (
	"context"
	"strings"
	"time"
)

// FullSyncToken asks the remote for a complete snapshot.
const FullSyncToken = "*"

const DefaultService = "todoist"

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

type SyncState struct {
	Service             string     `json:"service"`
	LastSyncToken       string     `json:"last_sync_token"`
	LastFullSync        *time.Time `json:"last_full_sync,omitempty"`
	LastIncrementalSync *time.Time `json:"last_incremental_sync,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s SyncState) NeedsFullSync() bool {
	token := strings.TrimSpace(s.LastSyncToken)
	return token == "" || token == FullSyncToken
}

func normalizeService(service string) string {
	service = strings.TrimSpace(service)
	if service == "" {
		return DefaultService
	}
	return service
}

func (s *Store) SyncState(service string) (SyncState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.syncStates[normalizeService(service)]
	return state, ok
}

// InitializeSyncState creates the row with the full-sync token if it does not
// exist yet. Calling it again is a no-op.
func (s *Store) InitializeSyncState(ctx context.Context, service string) (SyncState, error) {
	service = normalizeService(service)
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.syncStates[service]; ok {
		return state, nil
	}
	now := s.now().UTC()
	state := SyncState{
		Service:       service,
		LastSyncToken: FullSyncToken,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.backend.SaveSyncState(ctx, state); err != nil {
		return SyncState{}, err
	}
	s.syncStates[service] = state
	return state, nil
}

// AdvanceSyncState stores the token returned by a completed sync and bumps the
// timestamp matching mode.
func (s *Store) AdvanceSyncState(ctx context.Context, service, token string, mode SyncMode) (SyncState, error) {
	service = normalizeService(service)
	if strings.TrimSpace(token) == "" {
		return SyncState{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	state, ok := s.syncStates[service]
	if !ok {
		state = SyncState{Service: service, CreatedAt: now}
	}
	state.LastSyncToken = token
	state.UpdatedAt = now
	switch mode {
	case SyncModeFull:
		state.LastFullSync = &now
	default:
		state.LastIncrementalSync = &now
	}
	if err := s.backend.SaveSyncState(ctx, state); err != nil {
		return SyncState{}, err
	}
	s.syncStates[service] = state
	return state, nil
}

// ResetSyncState forces the next sync for service to be a full sync.
func (s *Store) ResetSyncState(ctx context.Context, service string) (SyncState, error) {
	service = normalizeService(service)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	state, ok := s.syncStates[service]
	if !ok {
		state = SyncState{Service: service, CreatedAt: now}
	}
	state.LastSyncToken = FullSyncToken
	state.UpdatedAt = now
	if err := s.backend.SaveSyncState(ctx, state); err != nil {
		return SyncState{}, err
	}
	s.syncStates[service] = state
	return state, nil
}
