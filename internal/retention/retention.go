// Package retention enforces per-type data lifecycle: records past their
// retention window are soft-deleted, soft-deleted records past the purge
// window are hard-deleted, and legal holds freeze both transitions.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// Policy defines the lifecycle for one resource type. RetainFor is measured
// from the record's last update and expires it into soft deletion; PurgeAfter
// is measured from the soft deletion and zero means never hard-delete.
type Policy struct {
	ResourceType string        `json:"resource_type"`
	RetainFor    time.Duration `json:"retain_for"`
	PurgeAfter   time.Duration `json:"purge_after,omitempty"`
	Description  string        `json:"description,omitempty"`
}

// DefaultPolicies returns the HIPAA-minimum baseline.
func DefaultPolicies() []Policy {
	const day = 24 * time.Hour
	return []Policy{
		{ResourceType: "medical_record", RetainFor: 2190 * day, PurgeAfter: 0,
			Description: "6 years from last service date, never purged"},
		{ResourceType: "billing_record", RetainFor: 2555 * day, PurgeAfter: 365 * day,
			Description: "7 years per IRS and CMS requirements"},
		{ResourceType: "consent_record", RetainFor: 3650 * day, PurgeAfter: 0,
			Description: "10 years, never purged"},
		{ResourceType: "temporary_data", RetainFor: 90 * day, PurgeAfter: 30 * day,
			Description: "staging data, 90 days"},
	}
}

// Hold is a legal hold on a resource or a whole resource type.
type Hold struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"` // empty holds the whole type
	PlacedBy     string    `json:"placed_by"`
	Reason       string    `json:"reason"`
	PlacedAt     time.Time `json:"placed_at"`
}

// Item is one record a Store exposes to the sweeper.
type Item struct {
	ResourceType  string
	ResourceID    string
	TenantID      string
	UpdatedAt     time.Time
	SoftDeletedAt *time.Time
}

// Store is the persistence surface the sweeper operates on.
type Store interface {
	// ListCandidates returns records of the type whose UpdatedAt (or
	// SoftDeletedAt, when set) is before the cutoff.
	ListCandidates(ctx context.Context, resourceType string, cutoff time.Time, limit int) ([]Item, error)
	SoftDelete(ctx context.Context, it Item) error
	HardDelete(ctx context.Context, it Item) error
}

// CheckpointPruner trims workflow checkpoints to the latest N per execution.
type CheckpointPruner interface {
	Prune(ctx context.Context, keepLatest int) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	SoftDeleted        int `json:"soft_deleted"`
	HardDeleted        int `json:"hard_deleted"`
	Held               int `json:"held"`
	CheckpointsPruned  int `json:"checkpoints_pruned"`
}

// Service owns the policies and holds, and runs sweeps.
type Service struct {
	mu       sync.RWMutex
	policies map[string]Policy
	holds    map[string]Hold

	store       Store
	checkpoints CheckpointPruner
	keepLatest  int
	log         zerolog.Logger
	now         func() time.Time
}

// NewService creates a Service. checkpoints may be nil.
func NewService(store Store, policies []Policy, checkpoints CheckpointPruner, keepLatest int, log zerolog.Logger) *Service {
	pm := make(map[string]Policy, len(policies))
	for _, p := range policies {
		pm[p.ResourceType] = p
	}
	if keepLatest <= 0 {
		keepLatest = 20
	}
	return &Service{
		policies:    pm,
		holds:       make(map[string]Hold),
		store:       store,
		checkpoints: checkpoints,
		keepLatest:  keepLatest,
		log:         log.With().Str("component", "retention").Logger(),
		now:         time.Now,
	}
}

// Policy returns the policy for a resource type, or nil.
func (s *Service) Policy(resourceType string) *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[resourceType]
	if !ok {
		return nil
	}
	return &p
}

// PlaceHold freezes retention processing for a resource or type.
func (s *Service) PlaceHold(h Hold) error {
	if h.ID == "" || h.ResourceType == "" {
		return errs.New(errs.Validation, "retention: hold needs id and resource_type")
	}
	h.PlacedAt = s.now().UTC()

	s.mu.Lock()
	s.holds[h.ID] = h
	s.mu.Unlock()

	s.log.Warn().
		Str("hold_id", h.ID).
		Str("resource_type", h.ResourceType).
		Str("placed_by", h.PlacedBy).
		Msg("retention: legal hold placed")
	return nil
}

// ReleaseHold removes a hold by id.
func (s *Service) ReleaseHold(id string) bool {
	s.mu.Lock()
	_, ok := s.holds[id]
	delete(s.holds, id)
	s.mu.Unlock()
	return ok
}

func (s *Service) onHold(it Item) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.holds {
		if h.ResourceType != it.ResourceType {
			continue
		}
		if h.TenantID != "" && h.TenantID != it.TenantID {
			continue
		}
		if h.ResourceID == "" || h.ResourceID == it.ResourceID {
			return true
		}
	}
	return false
}

// Sweep applies every policy once: expire to soft-delete, purge soft-deleted
// records past the purge window, then prune workflow checkpoints.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	var rep Report

	s.mu.RLock()
	policies := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		policies = append(policies, p)
	}
	s.mu.RUnlock()

	now := s.now().UTC()
	for _, p := range policies {
		cutoff := now.Add(-p.RetainFor)
		items, err := s.store.ListCandidates(ctx, p.ResourceType, cutoff, 1000)
		if err != nil {
			return rep, errs.Wrap(errs.Internal, err, "retention: list %s", p.ResourceType)
		}

		for _, it := range items {
			if s.onHold(it) {
				rep.Held++
				continue
			}

			if it.SoftDeletedAt == nil {
				if err := s.store.SoftDelete(ctx, it); err != nil {
					return rep, errs.Wrap(errs.Internal, err, "retention: soft delete %s/%s", it.ResourceType, it.ResourceID)
				}
				rep.SoftDeleted++
				continue
			}

			if p.PurgeAfter > 0 && it.SoftDeletedAt.Before(now.Add(-p.PurgeAfter)) {
				if err := s.store.HardDelete(ctx, it); err != nil {
					return rep, errs.Wrap(errs.Internal, err, "retention: hard delete %s/%s", it.ResourceType, it.ResourceID)
				}
				rep.HardDeleted++
			}
		}
	}

	if s.checkpoints != nil {
		pruned, err := s.checkpoints.Prune(ctx, s.keepLatest)
		if err != nil {
			return rep, errs.Wrap(errs.Internal, err, "retention: prune checkpoints")
		}
		rep.CheckpointsPruned = pruned
	}

	s.log.Info().
		Int("soft_deleted", rep.SoftDeleted).
		Int("hard_deleted", rep.HardDeleted).
		Int("held", rep.Held).
		Int("checkpoints_pruned", rep.CheckpointsPruned).
		Msg("retention: sweep complete")
	return rep, nil
}
