package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/carlosapgomes/eqmd/internal/adapters/legacy"
	"github.com/carlosapgomes/eqmd/internal/lifecycle"
	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/metrics"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// Result classifies the outcome of reconciling one feed record
type Result string

const (
	// ResultReconciled means at least one mutation was performed
	ResultReconciled Result = "reconciled"
	// ResultSkipped means the patient already matched the declared
	// status, or the declared status was unmapped
	ResultSkipped Result = "skipped"
)

// Outcome summarizes the reconciliation of one feed record
type Outcome struct {
	PatientID      types.ID `json:"patient_id,omitempty"`
	Result         Result   `json:"result"`
	EpisodesOpened int      `json:"episodes_opened"`
	EpisodesClosed int      `json:"episodes_closed"`
}

// statusByDeclared is the fixed mapping from the feed's coarse status
// vocabulary to internal statuses. Anything else is skipped.
var statusByDeclared = map[string]domain.Status{
	"inpatient":  domain.StatusInpatient,
	"outpatient": domain.StatusOutpatient,
	"emergency":  domain.StatusEmergency,
	"deceased":   domain.StatusDeceased,
}

// action is one branch of the reconciliation decision table
type action int

const (
	actionSetStatus action = iota // no active episode, declared non-admitted
	actionClose                   // active episode, declared non-admitted
	actionOpen                    // no active episode, declared admitted
	actionRelabel                 // active episode, declared admitted
)

// condition keys the decision table: what the feed declares crossed
// with what the ledger shows
type condition struct {
	declaredAdmitted bool
	hasActiveEpisode bool
}

// decisions is the exhaustive decision table. Each branch decides
// independently whether anything actually has to change.
var decisions = map[condition]action{
	{declaredAdmitted: false, hasActiveEpisode: false}: actionSetStatus,
	{declaredAdmitted: false, hasActiveEpisode: true}:  actionClose,
	{declaredAdmitted: true, hasActiveEpisode: false}:  actionOpen,
	{declaredAdmitted: true, hasActiveEpisode: true}:   actionRelabel,
}

// Service converges internal patient state with statuses declared by a
// legacy feed. It performs every mutation through the lifecycle engine
// and is idempotent: a converged patient always yields "skipped".
type Service struct {
	repo   domain.Repository
	engine *lifecycle.Service
	loc    *time.Location
	now    func() time.Time
}

// NewService creates a new reconciliation service. loc is the timezone
// used to interpret feed dates; nil means the system timezone.
func NewService(repo domain.Repository, engine *lifecycle.Service, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		repo:   repo,
		engine: engine,
		loc:    loc,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock, for tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Reconcile converges one patient with one feed record
func (s *Service) Reconcile(ctx context.Context, record legacy.StatusRecord, actor *types.ID) (*Outcome, error) {
	declared, ok := statusByDeclared[strings.ToLower(strings.TrimSpace(record.DeclaredStatus))]
	if !ok {
		outcome := &Outcome{Result: ResultSkipped}
		metrics.RecordReconcileOutcome(string(outcome.Result))
		return outcome, nil
	}

	p, err := s.resolve(ctx, record.PatientKey)
	if err != nil {
		return nil, err
	}

	active, err := s.repo.ActiveEpisode(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{PatientID: p.ID, Result: ResultSkipped}
	cond := condition{
		declaredAdmitted: declared.Admitted(),
		hasActiveEpisode: active != nil,
	}

	switch decisions[cond] {
	case actionSetStatus:
		if p.Status != declared {
			if err := s.setStatus(ctx, p.ID, declared, actor); err != nil {
				return nil, err
			}
			outcome.Result = ResultReconciled
		}

	case actionClose:
		if err := s.close(ctx, p.ID, declared, actor); err != nil {
			return nil, err
		}
		outcome.Result = ResultReconciled
		outcome.EpisodesClosed = 1
		metrics.RecordReconcileEpisode("closed")

	case actionOpen:
		// The feed cannot distinguish scheduled admissions, so every
		// synthesized episode is an emergency admission
		_, err := s.engine.Admit(ctx, p.ID, domain.EpisodeParams{
			Kind:       domain.AdmissionEmergency,
			AdmittedAt: s.admissionTime(record),
		}, actor)
		if err != nil {
			return nil, err
		}
		if declared != domain.StatusEmergency {
			if err := s.engine.Relabel(ctx, p.ID, declared, reconcileReason, actor); err != nil {
				return nil, err
			}
		}
		outcome.Result = ResultReconciled
		outcome.EpisodesOpened = 1
		metrics.RecordReconcileEpisode("opened")

	case actionRelabel:
		if p.Status != declared {
			if err := s.engine.Relabel(ctx, p.ID, declared, reconcileReason, actor); err != nil {
				return nil, err
			}
			outcome.Result = ResultReconciled
		}
	}

	metrics.RecordReconcileOutcome(string(outcome.Result))
	return outcome, nil
}

const reconcileReason = "Reconciled from legacy status feed"

// resolve finds the patient behind a feed key, which may live in either
// of two key spaces: the current record number or the legacy system id
func (s *Service) resolve(ctx context.Context, key string) (*domain.Patient, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.Validation("patient key is required")
	}

	p, err := s.repo.FindPatientByRecordNumber(ctx, key)
	if err == nil {
		return p, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	return s.repo.FindPatientByLegacyID(ctx, key)
}

// setStatus applies a declared non-admitted status to a patient with no
// active episode
func (s *Service) setStatus(ctx context.Context, patientID types.ID, declared domain.Status, actor *types.ID) error {
	if declared == domain.StatusDeceased {
		return s.engine.DeclareDeath(ctx, patientID, s.now(), reconcileReason, actor)
	}
	return s.engine.SetOutpatient(ctx, patientID, reconcileReason, actor)
}

// close discharges the active episode per the declared status: a death
// discharge for deceased, a medical discharge otherwise
func (s *Service) close(ctx context.Context, patientID types.ID, declared domain.Status, actor *types.ID) error {
	if declared == domain.StatusDeceased {
		return s.engine.DeclareDeath(ctx, patientID, s.now(), reconcileReason, actor)
	}
	_, err := s.engine.Discharge(ctx, patientID, lifecycle.DischargeParams{
		Kind:         domain.DischargeMedical,
		DischargedAt: s.now(),
		Reason:       reconcileReason,
	}, actor)
	return err
}

// admissionTime places a synthesized admission at local midnight of the
// feed's last admission date, falling back to now when the feed gave
// none
func (s *Service) admissionTime(record legacy.StatusRecord) time.Time {
	if record.LastAdmissionDate == nil {
		return s.now()
	}
	d := record.LastAdmissionDate.In(s.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.loc)
}
