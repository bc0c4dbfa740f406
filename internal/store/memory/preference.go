package memory

import (
	"context"
	"sort"
	"sync"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/preference"
)

// PreferenceStore implements preference.Store without durability, keyed by
// user and preference key.
type PreferenceStore struct {
	mu    sync.RWMutex
	byKey map[string]*domain.LearnedPreference
}

// NewPreferenceStore constructs an empty PreferenceStore.
func NewPreferenceStore() *PreferenceStore {
	return &PreferenceStore{byKey: make(map[string]*domain.LearnedPreference)}
}

var _ preference.Store = (*PreferenceStore)(nil)

func preferenceMapKey(userID, preferenceKey string) string {
	return userID + "\x00" + preferenceKey
}

// Get returns the learned preference for userID/preferenceKey.
func (s *PreferenceStore) Get(ctx context.Context, userID, preferenceKey string) (*domain.LearnedPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byKey[preferenceMapKey(userID, preferenceKey)]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "store: preference %s/%s not found", userID, preferenceKey)
	}
	clone := *p
	return &clone, nil
}

// Upsert stores pref, overwriting any prior record for the same key.
func (s *PreferenceStore) Upsert(ctx context.Context, pref domain.LearnedPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := pref
	s.byKey[preferenceMapKey(pref.UserID, pref.PreferenceKey)] = &clone
	return nil
}

// Delete removes the preference for userID/preferenceKey, if any.
func (s *PreferenceStore) Delete(ctx context.Context, userID, preferenceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, preferenceMapKey(userID, preferenceKey))
	return nil
}

// List returns every learned preference recorded for userID, sorted by
// preference key for deterministic output.
func (s *PreferenceStore) List(ctx context.Context, userID string) ([]*domain.LearnedPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.LearnedPreference
	for _, p := range s.byKey {
		if p.UserID != userID {
			continue
		}
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PreferenceKey < out[j].PreferenceKey })
	return out, nil
}
