package dataservice

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis-health/aegis/internal/entity"
	"github.com/aegis-health/aegis/internal/graph"
	"github.com/aegis-health/aegis/internal/trend"
)

// Vital sign LOINC codes the 360 view and deterioration check read.
const (
	CodeHeartRate       = "8867-4"
	CodeSpO2            = "59408-5"
	CodeRespiratoryRate = "9279-1"
	CodeBodyTemperature = "8310-5"
)

var vitalCodes = []string{CodeHeartRate, CodeSpO2, CodeRespiratoryRate, CodeBodyTemperature}

// DefaultVitalThresholds are the alerting bounds applied when a tenant has
// not configured its own.
func DefaultVitalThresholds() map[string]trend.Thresholds {
	f := func(v float64) *float64 { return &v }
	return map[string]trend.Thresholds{
		CodeHeartRate:       {Low: f(50), High: f(110), CriticalLow: f(40), CriticalHigh: f(140)},
		CodeSpO2:            {Low: f(92), CriticalLow: f(88)},
		CodeRespiratoryRate: {Low: f(10), High: f(22), CriticalHigh: f(30)},
		CodeBodyTemperature: {Low: f(35.5), High: f(38), CriticalHigh: f(39.5)},
	}
}

// Patient360 is the composed longitudinal view.
type Patient360 struct {
	Patient           *entity.Patient                 `json:"patient"`
	ActiveConditions  []*entity.Condition             `json:"active_conditions"`
	ActiveMedications []*entity.MedicationRequest     `json:"active_medications"`
	RecentEncounters  []*entity.Encounter             `json:"recent_encounters"`
	LatestVitals      map[string]*entity.Observation  `json:"latest_vitals"`
}

// PatientNetwork is the graph neighborhood around a patient vertex.
type PatientNetwork struct {
	Vertices []entity.Vertex `json:"vertices"`
	Edges    []entity.Edge   `json:"edges"`
	Depth    int             `json:"depth"`
}

// Service is the unified data facade. All reads are tenant-scoped; the
// repositories enforce the scope so a missing tenant can never widen a
// query.
type Service struct {
	patients     PatientRepo
	conditions   ConditionRepo
	medications  MedicationRepo
	encounters   EncounterRepo
	observations ObservationRepo
	graph        graph.Driver
	thresholds   map[string]trend.Thresholds
	log          zerolog.Logger
}

// NewService creates a Service. graph may be nil when network queries are
// not served.
func NewService(
	patients PatientRepo,
	conditions ConditionRepo,
	medications MedicationRepo,
	encounters EncounterRepo,
	observations ObservationRepo,
	g graph.Driver,
	log zerolog.Logger,
) *Service {
	return &Service{
		patients:     patients,
		conditions:   conditions,
		medications:  medications,
		encounters:   encounters,
		observations: observations,
		graph:        g,
		thresholds:   DefaultVitalThresholds(),
		log:          log.With().Str("component", "dataservice").Logger(),
	}
}

// GetPatient360 composes demographics, active problem list, active orders,
// recent encounters, and the latest vital per code. Reads are independent
// and read-only; the first failure aborts the composition.
func (s *Service) GetPatient360(ctx context.Context, tenantID, patientID string) (*Patient360, error) {
	patient, err := s.patients.Get(ctx, tenantID, patientID)
	if err != nil {
		return nil, err
	}

	conditions, err := s.conditions.ListByPatient(ctx, tenantID, patientID, true)
	if err != nil {
		return nil, err
	}
	medications, err := s.medications.ListMedsByPatient(ctx, tenantID, patientID, true)
	if err != nil {
		return nil, err
	}
	encounters, err := s.encounters.ListRecent(ctx, tenantID, patientID, 10)
	if err != nil {
		return nil, err
	}
	vitals, err := s.observations.Latest(ctx, tenantID, patientID, vitalCodes)
	if err != nil {
		return nil, err
	}

	return &Patient360{
		Patient:           patient,
		ActiveConditions:  conditions,
		ActiveMedications: medications,
		RecentEncounters:  encounters,
		LatestVitals:      vitals,
	}, nil
}

// GetPatientNetwork returns the graph neighborhood around the patient's
// vertex. Depth is clamped to the traversal cap.
func (s *Service) GetPatientNetwork(ctx context.Context, tenantID, patientID string, depth int) (*PatientNetwork, error) {
	if err := requireScope(tenantID, patientID); err != nil {
		return nil, err
	}
	if depth <= 0 || depth > graph.MaxTraversalDepth {
		depth = graph.MaxTraversalDepth
	}

	startID := entity.NaturalID(entity.LabelPatient, patientID)
	vertices, edges, err := s.graph.Neighborhood(ctx, tenantID, startID, depth)
	if err != nil {
		return nil, err
	}
	return &PatientNetwork{Vertices: vertices, Edges: edges, Depth: depth}, nil
}

// VitalTrend analyzes one vital over a window and evaluates its thresholds.
func (s *Service) VitalTrend(ctx context.Context, tenantID, patientID, code string, start, end time.Time) (*trend.Analysis, *trend.Alert, error) {
	points, err := s.vitalSeries(ctx, tenantID, patientID, code, start, end)
	if err != nil {
		return nil, nil, err
	}
	analysis := trend.Analyze(code, points)
	alert := trend.CheckThresholds(code, points, s.thresholds[code])
	return &analysis, alert, nil
}

// CheckDeterioration runs the composite detector over the last 24 hours of
// SpO2, heart rate, and respiratory rate.
func (s *Service) CheckDeterioration(ctx context.Context, tenantID, patientID string, now time.Time) (*trend.Alert, error) {
	start := now.Add(-24 * time.Hour)
	series := make(map[string][]trend.Point, 3)
	for code, metric := range map[string]string{
		CodeSpO2:            trend.MetricSpO2,
		CodeHeartRate:       trend.MetricHeartRate,
		CodeRespiratoryRate: trend.MetricRespiratoryRate,
	} {
		points, err := s.vitalSeries(ctx, tenantID, patientID, code, start, now)
		if err != nil {
			return nil, err
		}
		series[metric] = points
	}

	alert := trend.DetectDeterioration(series, now)
	if alert != nil {
		s.log.Warn().
			Str("tenant_id", tenantID).
			Str("patient_id", patientID).
			Str("message", alert.Message).
			Msg("dataservice: deterioration detected")
	}
	return alert, nil
}

func (s *Service) vitalSeries(ctx context.Context, tenantID, patientID, code string, start, end time.Time) ([]trend.Point, error) {
	obs, err := s.observations.Series(ctx, tenantID, patientID, code, start, end)
	if err != nil {
		return nil, err
	}
	points := make([]trend.Point, 0, len(obs))
	for _, o := range obs {
		if o.ValueNum == nil || o.EffectiveTS == nil {
			continue
		}
		points = append(points, trend.Point{TS: *o.EffectiveTS, Value: *o.ValueNum})
	}
	return points, nil
}
