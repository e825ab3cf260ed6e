package dataservice

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/platform/errs"
)

// PGStore implements all five repositories over the relational entity
// tables. Observations live in a time-partitioned table; everything else is
// plain rows with tenant_id in every key.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore backed by the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const patientColumns = `
	id, tenant_id, mrn, family_name, given_name, birth_date, gender,
	deceased, address, contact, created_at, updated_at, deleted_at`

// Get implements PatientRepo.
func (s *PGStore) Get(ctx context.Context, tenantID, id string) (*entity.Patient, error) {
	if err := requireScope(tenantID, id); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + patientColumns + `
		FROM patients
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`

	return scanPatient(s.pool.QueryRow(ctx, query, tenantID, id), id)
}

// GetByMRN implements PatientRepo.
func (s *PGStore) GetByMRN(ctx context.Context, tenantID, mrn string) (*entity.Patient, error) {
	if err := requireScope(tenantID, mrn); err != nil {
		return nil, err
	}
	query := `
		SELECT ` + patientColumns + `
		FROM patients
		WHERE tenant_id = $1 AND mrn = $2 AND deleted_at IS NULL`

	return scanPatient(s.pool.QueryRow(ctx, query, tenantID, mrn), mrn)
}

// Upsert implements PatientRepo.
func (s *PGStore) Upsert(ctx context.Context, p *entity.Patient) error {
	if err := requireScope(p.TenantID, p.ID); err != nil {
		return err
	}
	const query = `
		INSERT INTO patients (
			id, tenant_id, mrn, family_name, given_name, birth_date, gender,
			deceased, address, contact, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			mrn = EXCLUDED.mrn,
			family_name = EXCLUDED.family_name,
			given_name = EXCLUDED.given_name,
			birth_date = EXCLUDED.birth_date,
			gender = EXCLUDED.gender,
			deceased = EXCLUDED.deceased,
			address = EXCLUDED.address,
			contact = EXCLUDED.contact,
			updated_at = now()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.TenantID, p.MRN, p.Family, p.Given, p.BirthDate, p.Gender,
		p.Deceased, p.Address, p.Contact,
	)
	if err != nil {
		return fmt.Errorf("dataservice pg: upsert patient: %w", err)
	}
	return nil
}

// List implements PatientRepo.
func (s *PGStore) List(ctx context.Context, tenantID string, limit, offset int) ([]*entity.Patient, error) {
	if tenantID == "" {
		return nil, errs.New(errs.Validation, "dataservice: tenant scope required")
	}
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + patientColumns + `
		FROM patients
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY id
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: list patients: %w", err)
	}
	defer rows.Close()

	var out []*entity.Patient
	for rows.Next() {
		p, err := scanPatient(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByPatient implements ConditionRepo.
func (s *PGStore) ListByPatient(ctx context.Context, tenantID, patientID string, activeOnly bool) ([]*entity.Condition, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	const query = `
		SELECT id, tenant_id, patient_id, code, code_system, display,
		       clinical_status, onset_ts, encounter_id
		FROM conditions
		WHERE tenant_id = $1 AND patient_id = $2
		  AND ($3 = false OR clinical_status = 'active')
		ORDER BY onset_ts DESC NULLS LAST, id`

	rows, err := s.pool.Query(ctx, query, tenantID, patientID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: list conditions: %w", err)
	}
	defer rows.Close()

	var out []*entity.Condition
	for rows.Next() {
		c := &entity.Condition{}
		if err := rows.Scan(&c.ID, &c.TenantID, &c.PatientID, &c.Code, &c.CodeSystem,
			&c.Display, &c.ClinicalStatus, &c.OnsetTS, &c.EncounterID); err != nil {
			return nil, fmt.Errorf("dataservice pg: scan condition: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCondition implements ConditionRepo.
func (s *PGStore) UpsertCondition(ctx context.Context, c *entity.Condition) error {
	if err := requireScope(c.TenantID, c.PatientID); err != nil {
		return err
	}
	const query = `
		INSERT INTO conditions (
			id, tenant_id, patient_id, code, code_system, display,
			clinical_status, onset_ts, encounter_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			display = EXCLUDED.display,
			clinical_status = EXCLUDED.clinical_status,
			onset_ts = EXCLUDED.onset_ts,
			encounter_id = EXCLUDED.encounter_id`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.TenantID, c.PatientID, c.Code, c.CodeSystem, c.Display,
		c.ClinicalStatus, c.OnsetTS, c.EncounterID,
	)
	if err != nil {
		return fmt.Errorf("dataservice pg: upsert condition: %w", err)
	}
	return nil
}

// ListMedsByPatient implements MedicationRepo.
func (s *PGStore) ListMedsByPatient(ctx context.Context, tenantID, patientID string, activeOnly bool) ([]*entity.MedicationRequest, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	const query = `
		SELECT id, tenant_id, patient_id, code, display, dosage, route,
		       frequency, status, start_ts, end_ts
		FROM medication_requests
		WHERE tenant_id = $1 AND patient_id = $2
		  AND ($3 = false OR status = 'active')
		ORDER BY start_ts DESC NULLS LAST, id`

	rows, err := s.pool.Query(ctx, query, tenantID, patientID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: list medications: %w", err)
	}
	defer rows.Close()

	var out []*entity.MedicationRequest
	for rows.Next() {
		m := &entity.MedicationRequest{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.PatientID, &m.Code, &m.Display,
			&m.Dosage, &m.Route, &m.Frequency, &m.Status, &m.StartTS, &m.EndTS); err != nil {
			return nil, fmt.Errorf("dataservice pg: scan medication: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMedication implements MedicationRepo.
func (s *PGStore) UpsertMedication(ctx context.Context, m *entity.MedicationRequest) error {
	if err := requireScope(m.TenantID, m.PatientID); err != nil {
		return err
	}
	const query = `
		INSERT INTO medication_requests (
			id, tenant_id, patient_id, code, display, dosage, route,
			frequency, status, start_ts, end_ts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			display = EXCLUDED.display,
			dosage = EXCLUDED.dosage,
			route = EXCLUDED.route,
			frequency = EXCLUDED.frequency,
			status = EXCLUDED.status,
			start_ts = EXCLUDED.start_ts,
			end_ts = EXCLUDED.end_ts`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.TenantID, m.PatientID, m.Code, m.Display, m.Dosage, m.Route,
		m.Frequency, m.Status, m.StartTS, m.EndTS,
	)
	if err != nil {
		return fmt.Errorf("dataservice pg: upsert medication: %w", err)
	}
	return nil
}

// ListRecent implements EncounterRepo.
func (s *PGStore) ListRecent(ctx context.Context, tenantID, patientID string, limit int) ([]*entity.Encounter, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	const query = `
		SELECT id, tenant_id, patient_id, class, status, period_start,
		       period_end, location_ref, provider_ref, reason
		FROM encounters
		WHERE tenant_id = $1 AND patient_id = $2
		ORDER BY period_start DESC NULLS LAST, id
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, tenantID, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: list encounters: %w", err)
	}
	defer rows.Close()

	var out []*entity.Encounter
	for rows.Next() {
		e := &entity.Encounter{}
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PatientID, &e.Class, &e.Status,
			&e.PeriodStart, &e.PeriodEnd, &e.LocationRef, &e.ProviderRef, &e.Reason); err != nil {
			return nil, fmt.Errorf("dataservice pg: scan encounter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertEncounter implements EncounterRepo.
func (s *PGStore) UpsertEncounter(ctx context.Context, e *entity.Encounter) error {
	if err := requireScope(e.TenantID, e.PatientID); err != nil {
		return err
	}
	const query = `
		INSERT INTO encounters (
			id, tenant_id, patient_id, class, status, period_start,
			period_end, location_ref, provider_ref, reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			class = EXCLUDED.class,
			status = EXCLUDED.status,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			location_ref = EXCLUDED.location_ref,
			provider_ref = EXCLUDED.provider_ref,
			reason = EXCLUDED.reason`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.TenantID, e.PatientID, e.Class, e.Status, e.PeriodStart,
		e.PeriodEnd, e.LocationRef, e.ProviderRef, e.Reason,
	)
	if err != nil {
		return fmt.Errorf("dataservice pg: upsert encounter: %w", err)
	}
	return nil
}

// Latest implements ObservationRepo using a per-code window.
func (s *PGStore) Latest(ctx context.Context, tenantID, patientID string, codes []string) (map[string]*entity.Observation, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	const query = `
		SELECT DISTINCT ON (code)
		       id, tenant_id, patient_id, code, value_num, value_str, unit,
		       ref_range, effective_ts, category, encounter_id, source_system
		FROM observations
		WHERE tenant_id = $1 AND patient_id = $2
		  AND (cardinality($3::text[]) = 0 OR code = ANY($3))
		ORDER BY code, effective_ts DESC NULLS LAST`

	rows, err := s.pool.Query(ctx, query, tenantID, patientID, codes)
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: latest observations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*entity.Observation)
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out[o.Code] = o
	}
	return out, rows.Err()
}

// Series implements ObservationRepo, ascending by effective time.
func (s *PGStore) Series(ctx context.Context, tenantID, patientID, code string, start, end time.Time) ([]*entity.Observation, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	const query = `
		SELECT id, tenant_id, patient_id, code, value_num, value_str, unit,
		       ref_range, effective_ts, category, encounter_id, source_system
		FROM observations
		WHERE tenant_id = $1 AND patient_id = $2 AND code = $3
		  AND effective_ts BETWEEN $4 AND $5
		ORDER BY effective_ts`

	rows, err := s.pool.Query(ctx, query, tenantID, patientID, code, start, end)
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: observation series: %w", err)
	}
	defer rows.Close()

	var out []*entity.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertObservation implements ObservationRepo.
func (s *PGStore) UpsertObservation(ctx context.Context, o *entity.Observation) error {
	if err := requireScope(o.TenantID, o.PatientID); err != nil {
		return err
	}
	const query = `
		INSERT INTO observations (
			id, tenant_id, patient_id, code, value_num, value_str, unit,
			ref_range, effective_ts, category, encounter_id, source_system
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			value_num = EXCLUDED.value_num,
			value_str = EXCLUDED.value_str,
			unit = EXCLUDED.unit,
			ref_range = EXCLUDED.ref_range,
			effective_ts = EXCLUDED.effective_ts,
			category = EXCLUDED.category`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.TenantID, o.PatientID, o.Code, o.ValueNum, o.ValueStr, o.Unit,
		o.RefRange, o.EffectiveTS, o.Category, o.EncounterID, o.SourceSystem,
	)
	if err != nil {
		return fmt.Errorf("dataservice pg: upsert observation: %w", err)
	}
	return nil
}

func scanPatient(row pgx.Row, ref string) (*entity.Patient, error) {
	p := &entity.Patient{}
	err := row.Scan(
		&p.ID, &p.TenantID, &p.MRN, &p.Family, &p.Given, &p.BirthDate, &p.Gender,
		&p.Deceased, &p.Address, &p.Contact, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.NotFound, "patient %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: scan patient: %w", err)
	}
	return p, nil
}

func scanObservation(rows pgx.Rows) (*entity.Observation, error) {
	o := &entity.Observation{}
	err := rows.Scan(
		&o.ID, &o.TenantID, &o.PatientID, &o.Code, &o.ValueNum, &o.ValueStr, &o.Unit,
		&o.RefRange, &o.EffectiveTS, &o.Category, &o.EncounterID, &o.SourceSystem,
	)
	if err != nil {
		return nil, fmt.Errorf("dataservice pg: scan observation: %w", err)
	}
	return o, nil
}
