// Package preference implements the learned-preference auto-approval
// service consulted by the checkpoint manager: a tally of prior
// approve/reject outcomes per (user, preference key) pair, used to decide
// whether a future checkpoint with the same key can resolve itself without
// prompting the user again.
package preference

import (
	"context"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
)

// Store persists learned-preference tallies. Concrete adapters live in
// internal/store/mongo (production) and internal/store/memory (tests).
type Store interface {
	Get(ctx context.Context, userID, preferenceKey string) (*domain.LearnedPreference, error)
	Upsert(ctx context.Context, pref domain.LearnedPreference) error
	Delete(ctx context.Context, userID, preferenceKey string) error
	List(ctx context.Context, userID string) ([]*domain.LearnedPreference, error)
}

// Options configures a Service.
type Options struct {
	Store  Store
	Logger telemetry.Logger
}

// Service implements ports.PreferencePort.
type Service struct {
	store  Store
	logger telemetry.Logger
}

// New constructs a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, apperr.New(apperr.DependencyUnavailable, "preference: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{store: opts.Store, logger: logger}, nil
}

var _ ports.PreferencePort = (*Service)(nil)

// RecordOutcome tallies one approve/reject resolution under the given
// preference key.
func (s *Service) RecordOutcome(ctx context.Context, userID, preferenceKey string, approved bool) error {
	pref, err := s.store.Get(ctx, userID, preferenceKey)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "preference: load")
	}
	if pref == nil {
		pref = &domain.LearnedPreference{UserID: userID, PreferenceKey: preferenceKey}
	}
	if approved {
		pref.ApproveCount++
	} else {
		pref.RejectCount++
	}
	pref.UpdatedAt = time.Now().UTC()
	if err := s.store.Upsert(ctx, *pref); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "preference: upsert")
	}
	return nil
}

// GetPreferenceStats returns the current tally, or nil if none recorded.
func (s *Service) GetPreferenceStats(ctx context.Context, userID, preferenceKey string) (*domain.LearnedPreference, error) {
	pref, err := s.store.Get(ctx, userID, preferenceKey)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "preference: load")
	}
	return pref, nil
}

// AutoApproveDecision reports whether history for this preference key is
// confident enough to auto-approve a new checkpoint without prompting.
func (s *Service) AutoApproveDecision(ctx context.Context, userID, preferenceKey string) (bool, error) {
	pref, err := s.store.Get(ctx, userID, preferenceKey)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.DependencyUnavailable, err, "preference: load")
	}
	if pref == nil {
		return false, nil
	}
	return pref.ShouldAutoApprove(), nil
}

// LearnFromReplan records the outcome of a REPLAN checkpoint under a
// dedicated "delegation.replan" preference key, so repeated acceptance of
// replans for the same user can eventually auto-approve too.
func (s *Service) LearnFromReplan(ctx context.Context, userID string, rc domain.ReplanContext, accepted bool) error {
	return s.RecordOutcome(ctx, userID, "delegation.replan", accepted)
}

// Delete removes a learned preference record entirely.
func (s *Service) Delete(ctx context.Context, userID, preferenceKey string) error {
	if err := s.store.Delete(ctx, userID, preferenceKey); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "preference: delete")
	}
	return nil
}

// ListPreferences returns every learned preference recorded for userID.
func (s *Service) ListPreferences(ctx context.Context, userID string) ([]*domain.LearnedPreference, error) {
	prefs, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "preference: list")
	}
	return prefs, nil
}
