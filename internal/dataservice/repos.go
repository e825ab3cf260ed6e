// Package dataservice is the unified read/write surface over the relational
// entity stores: per-entity repositories with mandatory tenant scoping, the
// composed patient 360 view, and graph-backed patient networks.
package dataservice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/platform/errs"
)

// PatientRepo is the patient store. Every method requires a tenant scope.
type PatientRepo interface {
	Get(ctx context.Context, tenantID, id string) (*entity.Patient, error)
	GetByMRN(ctx context.Context, tenantID, mrn string) (*entity.Patient, error)
	Upsert(ctx context.Context, p *entity.Patient) error
	List(ctx context.Context, tenantID string, limit, offset int) ([]*entity.Patient, error)
}

// ConditionRepo lists diagnoses per patient. Method names stay distinct
// across the repo interfaces so one store can implement all of them.
type ConditionRepo interface {
	ListByPatient(ctx context.Context, tenantID, patientID string, activeOnly bool) ([]*entity.Condition, error)
	UpsertCondition(ctx context.Context, c *entity.Condition) error
}

// MedicationRepo lists medication orders per patient.
type MedicationRepo interface {
	ListMedsByPatient(ctx context.Context, tenantID, patientID string, activeOnly bool) ([]*entity.MedicationRequest, error)
	UpsertMedication(ctx context.Context, m *entity.MedicationRequest) error
}

// EncounterRepo lists visits per patient.
type EncounterRepo interface {
	ListRecent(ctx context.Context, tenantID, patientID string, limit int) ([]*entity.Encounter, error)
	UpsertEncounter(ctx context.Context, e *entity.Encounter) error
}

// ObservationRepo serves measurements, including the time-series reads the
// trend engine consumes.
type ObservationRepo interface {
	Latest(ctx context.Context, tenantID, patientID string, codes []string) (map[string]*entity.Observation, error)
	Series(ctx context.Context, tenantID, patientID, code string, start, end time.Time) ([]*entity.Observation, error)
	UpsertObservation(ctx context.Context, o *entity.Observation) error
}

func requireScope(tenantID, patientID string) error {
	if tenantID == "" {
		return errs.New(errs.Validation, "dataservice: tenant scope required")
	}
	if patientID == "" {
		return errs.New(errs.Validation, "dataservice: patient id required")
	}
	return nil
}

// MemoryStore is the in-process implementation of all five repositories,
// used by tests and single-node deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	patients     map[string]*entity.Patient // tenant|id
	conditions   map[string][]*entity.Condition
	medications  map[string][]*entity.MedicationRequest
	encounters   map[string][]*entity.Encounter
	observations map[string][]*entity.Observation // tenant|patient
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:     make(map[string]*entity.Patient),
		conditions:   make(map[string][]*entity.Condition),
		medications:  make(map[string][]*entity.MedicationRequest),
		encounters:   make(map[string][]*entity.Encounter),
		observations: make(map[string][]*entity.Observation),
	}
}

func skey(tenantID, id string) string { return tenantID + "|" + id }

// Get implements PatientRepo.
func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*entity.Patient, error) {
	if err := requireScope(tenantID, id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patients[skey(tenantID, id)]
	if !ok || p.DeletedAt != nil {
		return nil, errs.New(errs.NotFound, "patient %s not found", id)
	}
	cl := *p
	return &cl, nil
}

// GetByMRN implements PatientRepo.
func (s *MemoryStore) GetByMRN(ctx context.Context, tenantID, mrn string) (*entity.Patient, error) {
	if err := requireScope(tenantID, mrn); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.patients {
		if p.TenantID == tenantID && p.MRN == mrn && p.DeletedAt == nil {
			cl := *p
			return &cl, nil
		}
	}
	return nil, errs.New(errs.NotFound, "patient with mrn %s not found", mrn)
}

// Upsert implements PatientRepo.
func (s *MemoryStore) Upsert(ctx context.Context, p *entity.Patient) error {
	if err := requireScope(p.TenantID, p.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cl := *p
	cl.UpdatedAt = time.Now().UTC()
	if existing, ok := s.patients[skey(p.TenantID, p.ID)]; ok {
		cl.CreatedAt = existing.CreatedAt
	} else if cl.CreatedAt.IsZero() {
		cl.CreatedAt = cl.UpdatedAt
	}
	s.patients[skey(p.TenantID, p.ID)] = &cl
	return nil
}

// List implements PatientRepo.
func (s *MemoryStore) List(ctx context.Context, tenantID string, limit, offset int) ([]*entity.Patient, error) {
	if tenantID == "" {
		return nil, errs.New(errs.Validation, "dataservice: tenant scope required")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*entity.Patient
	for _, p := range s.patients {
		if p.TenantID == tenantID && p.DeletedAt == nil {
			cl := *p
			all = append(all, &cl)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListByPatient implements ConditionRepo.
func (s *MemoryStore) ListByPatient(ctx context.Context, tenantID, patientID string, activeOnly bool) ([]*entity.Condition, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.Condition
	for _, c := range s.conditions[skey(tenantID, patientID)] {
		if activeOnly && c.ClinicalStatus != "active" {
			continue
		}
		cl := *c
		out = append(out, &cl)
	}
	return out, nil
}

// UpsertCondition stores a condition keyed by id.
func (s *MemoryStore) UpsertCondition(ctx context.Context, c *entity.Condition) error {
	if err := requireScope(c.TenantID, c.PatientID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := skey(c.TenantID, c.PatientID)
	cl := *c
	for i, existing := range s.conditions[key] {
		if existing.ID == c.ID {
			s.conditions[key][i] = &cl
			return nil
		}
	}
	s.conditions[key] = append(s.conditions[key], &cl)
	return nil
}

// ListMedsByPatient implements MedicationRepo.
func (s *MemoryStore) ListMedsByPatient(ctx context.Context, tenantID, patientID string, activeOnly bool) ([]*entity.MedicationRequest, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.MedicationRequest
	for _, m := range s.medications[skey(tenantID, patientID)] {
		if activeOnly && m.Status != "active" {
			continue
		}
		cl := *m
		out = append(out, &cl)
	}
	return out, nil
}

// UpsertMedication stores a medication order keyed by id.
func (s *MemoryStore) UpsertMedication(ctx context.Context, m *entity.MedicationRequest) error {
	if err := requireScope(m.TenantID, m.PatientID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := skey(m.TenantID, m.PatientID)
	cl := *m
	for i, existing := range s.medications[key] {
		if existing.ID == m.ID {
			s.medications[key][i] = &cl
			return nil
		}
	}
	s.medications[key] = append(s.medications[key], &cl)
	return nil
}

// ListRecent implements EncounterRepo, newest period first.
func (s *MemoryStore) ListRecent(ctx context.Context, tenantID, patientID string, limit int) ([]*entity.Encounter, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.Encounter
	for _, e := range s.encounters[skey(tenantID, patientID)] {
		cl := *e
		out = append(out, &cl)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].PeriodStart != nil {
			ti = *out[i].PeriodStart
		}
		if out[j].PeriodStart != nil {
			tj = *out[j].PeriodStart
		}
		return ti.After(tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertEncounter stores an encounter keyed by id.
func (s *MemoryStore) UpsertEncounter(ctx context.Context, e *entity.Encounter) error {
	if err := requireScope(e.TenantID, e.PatientID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := skey(e.TenantID, e.PatientID)
	cl := *e
	for i, existing := range s.encounters[key] {
		if existing.ID == e.ID {
			s.encounters[key][i] = &cl
			return nil
		}
	}
	s.encounters[key] = append(s.encounters[key], &cl)
	return nil
}

// Latest implements ObservationRepo: the newest observation per requested
// code.
func (s *MemoryStore) Latest(ctx context.Context, tenantID, patientID string, codes []string) (map[string]*entity.Observation, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(codes))
	for _, c := range codes {
		wanted[c] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*entity.Observation)
	for _, o := range s.observations[skey(tenantID, patientID)] {
		if len(wanted) > 0 && !wanted[o.Code] {
			continue
		}
		cur, ok := out[o.Code]
		if !ok || after(o.EffectiveTS, cur.EffectiveTS) {
			cl := *o
			out[o.Code] = &cl
		}
	}
	return out, nil
}

// Series implements ObservationRepo, ascending by effective time.
func (s *MemoryStore) Series(ctx context.Context, tenantID, patientID, code string, start, end time.Time) ([]*entity.Observation, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.Observation
	for _, o := range s.observations[skey(tenantID, patientID)] {
		if o.Code != code || o.EffectiveTS == nil {
			continue
		}
		ts := *o.EffectiveTS
		if ts.Before(start) || ts.After(end) {
			continue
		}
		cl := *o
		out = append(out, &cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveTS.Before(*out[j].EffectiveTS) })
	return out, nil
}

// UpsertObservation stores an observation keyed by id.
func (s *MemoryStore) UpsertObservation(ctx context.Context, o *entity.Observation) error {
	if err := requireScope(o.TenantID, o.PatientID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := skey(o.TenantID, o.PatientID)
	cl := *o
	for i, existing := range s.observations[key] {
		if existing.ID == o.ID {
			s.observations[key][i] = &cl
			return nil
		}
	}
	s.observations[key] = append(s.observations[key], &cl)
	return nil
}

func after(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}
