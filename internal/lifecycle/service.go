package lifecycle

import (
	"context"
	"time"

	"github.com/carlosapgomes/eqmd/internal/history"
	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/events"
	"github.com/carlosapgomes/eqmd/internal/shared/metrics"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// Service is the hospitalization lifecycle engine. Every mutation of a
// patient, its admission ledger or its record number ledger goes
// through one of its operations; other layers only read.
type Service struct {
	repo     domain.Repository
	recorder history.Recorder
	bus      *events.Bus
	now      func() time.Time
}

// NewService creates a new lifecycle service
func NewService(repo domain.Repository, recorder history.Recorder) *Service {
	if recorder == nil {
		recorder = history.NopRecorder{}
	}
	return &Service{
		repo:     repo,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock, for tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithBus attaches an event bus; every mutation then publishes a
// domain event alongside its history record
func (s *Service) WithBus(bus *events.Bus) *Service {
	s.bus = bus
	return s
}

// CreatePatientParams carries the optional fields of a new patient
type CreatePatientParams struct {
	RecordNumber string
	LegacyID     *string
}

// CreatePatient registers a new patient, optionally with an initial
// record number
func (s *Service) CreatePatient(ctx context.Context, params CreatePatientParams, actor *types.ID) (*domain.Patient, error) {
	p := domain.NewPatient()
	p.LegacyID = params.LegacyID

	if err := s.repo.CreatePatient(ctx, p); err != nil {
		return nil, err
	}
	s.record(ctx, "patient", p.ID, "created", actor, "")

	if params.RecordNumber != "" {
		if err := s.AssignRecordNumber(ctx, p.ID, domain.RecordNumberParams{
			RecordNumber: params.RecordNumber,
			EffectiveAt:  s.now(),
		}, actor); err != nil {
			return nil, err
		}
		return s.repo.FindPatient(ctx, p.ID)
	}

	return p, nil
}

// Admit opens a new admission episode for the patient
func (s *Service) Admit(ctx context.Context, patientID types.ID, params domain.EpisodeParams, actor *types.ID) (*domain.AdmissionEpisode, error) {
	p, err := s.repo.FindPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	// Repair stale projections before the aggregate check; the partial
	// unique index remains the authoritative guard
	active, err := s.repo.ActiveEpisode(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if active != nil && p.CurrentAdmissionID == nil {
		id := active.ID
		p.CurrentAdmissionID = &id
	}

	if params.AdmittedAt.IsZero() {
		params.AdmittedAt = s.now()
	}

	fromStatus := p.Status
	episode, err := p.Admit(params)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SaveAdmission(ctx, p, episode); err != nil {
		return nil, err
	}

	s.record(ctx, "episode", episode.ID, "admitted", actor, "")
	metrics.RecordAdmission(string(episode.Kind))
	metrics.RecordStatusTransition(string(fromStatus), string(p.Status))

	return episode, nil
}

// DischargeParams carries the caller-supplied fields of a discharge
type DischargeParams struct {
	Kind         domain.DischargeKind
	DischargedAt time.Time
	Bed          *string
	Diagnosis    *string
	Reason       string
}

// Discharge closes the patient's active episode
func (s *Service) Discharge(ctx context.Context, patientID types.ID, params DischargeParams, actor *types.ID) (*domain.AdmissionEpisode, error) {
	p, err := s.repo.FindPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	episode, err := s.repo.ActiveEpisode(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if episode == nil {
		return nil, errors.State("patient has no active admission")
	}

	// Repair stale projections before the aggregate check; the ledger
	// is authoritative for whether an active admission exists
	if p.CurrentAdmissionID == nil {
		id := episode.ID
		p.CurrentAdmissionID = &id
	}
	if !p.Status.Admitted() && p.Status != domain.StatusDeceased {
		if episode.Kind == domain.AdmissionEmergency {
			p.Status = domain.StatusEmergency
		} else {
			p.Status = domain.StatusInpatient
		}
	}

	if params.DischargedAt.IsZero() {
		params.DischargedAt = s.now()
	}

	fromStatus := p.Status
	if err := p.Discharge(episode, domain.DischargeParams{
		Kind:         params.Kind,
		DischargedAt: params.DischargedAt,
		Bed:          params.Bed,
		Diagnosis:    params.Diagnosis,
	}); err != nil {
		return nil, err
	}

	if err := s.repo.SaveEpisode(ctx, p, episode); err != nil {
		return nil, err
	}

	s.record(ctx, "episode", episode.ID, "discharged", actor, params.Reason)
	metrics.RecordDischarge(string(params.Kind))
	metrics.RecordStatusTransition(string(fromStatus), string(p.Status))

	return episode, nil
}

// CancelDischarge reopens a discharged episode
func (s *Service) CancelDischarge(ctx context.Context, episodeID types.ID, reason string, actor *types.ID) (*domain.AdmissionEpisode, error) {
	episode, err := s.repo.FindEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.FindPatient(ctx, episode.PatientID)
	if err != nil {
		return nil, err
	}

	fromStatus := p.Status
	if err := p.CancelDischarge(episode); err != nil {
		return nil, err
	}

	if err := s.repo.SaveEpisode(ctx, p, episode); err != nil {
		return nil, err
	}

	s.record(ctx, "episode", episode.ID, "discharge_cancelled", actor, reason)
	metrics.RecordStatusTransition(string(fromStatus), string(p.Status))

	return episode, nil
}

// DeclareDeath marks the patient deceased, closing any active episode
// with a death discharge at the given time
func (s *Service) DeclareDeath(ctx context.Context, patientID types.ID, at time.Time, reason string, actor *types.ID) error {
	p, err := s.repo.FindPatient(ctx, patientID)
	if err != nil {
		return err
	}

	episode, err := s.repo.ActiveEpisode(ctx, patientID)
	if err != nil {
		return err
	}

	if at.IsZero() {
		at = s.now()
	}

	fromStatus := p.Status
	if err := p.DeclareDeath(episode, at); err != nil {
		return err
	}

	if episode != nil {
		if err := s.repo.SaveEpisode(ctx, p, episode); err != nil {
			return err
		}
		metrics.RecordDischarge(string(domain.DischargeDeath))
	} else {
		if err := s.repo.SavePatient(ctx, p); err != nil {
			return err
		}
	}

	s.record(ctx, "patient", p.ID, "death_declared", actor, reason)
	metrics.RecordStatusTransition(string(fromStatus), string(p.Status))

	return nil
}

// SetOutpatient moves a non-admitted patient back to outpatient
func (s *Service) SetOutpatient(ctx context.Context, patientID types.ID, reason string, actor *types.ID) error {
	p, err := s.repo.FindPatient(ctx, patientID)
	if err != nil {
		return err
	}

	fromStatus := p.Status
	if err := p.SetOutpatient(); err != nil {
		return err
	}

	if err := s.repo.SavePatient(ctx, p); err != nil {
		return err
	}

	s.record(ctx, "patient", p.ID, "set_outpatient", actor, reason)
	metrics.RecordStatusTransition(string(fromStatus), string(p.Status))

	return nil
}

// Relabel switches an admitted patient between the emergency and
// inpatient labels without touching the episode
func (s *Service) Relabel(ctx context.Context, patientID types.ID, status domain.Status, reason string, actor *types.ID) error {
	p, err := s.repo.FindPatient(ctx, patientID)
	if err != nil {
		return err
	}

	fromStatus := p.Status
	if err := p.Relabel(status); err != nil {
		return err
	}

	if err := s.repo.SavePatient(ctx, p); err != nil {
		return err
	}

	s.record(ctx, "patient", p.ID, "relabelled", actor, reason)
	metrics.RecordStatusTransition(string(fromStatus), string(p.Status))

	return nil
}

// AssignRecordNumber appends a new current record number for the patient
func (s *Service) AssignRecordNumber(ctx context.Context, patientID types.ID, params domain.RecordNumberParams, actor *types.ID) error {
	p, err := s.repo.FindPatient(ctx, patientID)
	if err != nil {
		return err
	}

	if params.EffectiveAt.IsZero() {
		params.EffectiveAt = s.now()
	}

	entry, err := p.AssignRecordNumber(params)
	if err != nil {
		return err
	}

	if err := s.repo.SaveRecordNumber(ctx, p, entry); err != nil {
		return err
	}

	s.record(ctx, "record_number", entry.ID, "assigned", actor, params.Reason)
	metrics.RecordRecordNumberAssignment()

	return nil
}

// Refresh rebuilds the patient's denormalized fields from its ledgers.
// Idempotent; safe to run on an already consistent patient.
func (s *Service) Refresh(ctx context.Context, patientID types.ID, actor *types.ID) (*domain.Patient, error) {
	p, err := s.repo.FindPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	episodes, err := s.repo.ListEpisodes(ctx, patientID)
	if err != nil {
		return nil, err
	}

	entries, err := s.repo.ListRecordNumbers(ctx, patientID)
	if err != nil {
		return nil, err
	}

	domain.Recompute(p, episodes, entries)

	if err := s.repo.SavePatient(ctx, p); err != nil {
		return nil, err
	}

	s.record(ctx, "patient", p.ID, "refreshed", actor, "")

	return p, nil
}

// record writes a history change and publishes a domain event; both
// are best-effort and never fail the mutation that triggered them
func (s *Service) record(ctx context.Context, entity string, entityID types.ID, action string, actor *types.ID, reason string) {
	s.recorder.RecordChange(ctx, history.Change{
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Actor:    actor,
		Reason:   reason,
		At:       s.now(),
	})

	if s.bus != nil {
		event := events.NewEvent(entity+"."+action, "lifecycle", map[string]any{
			"entity_id": entityID,
			"reason":    reason,
		}).WithActor(actor)
		s.bus.Publish(ctx, event)
	}
}
