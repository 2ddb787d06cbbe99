package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/carlosapgomes/eqmd/internal/history"
	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	"github.com/carlosapgomes/eqmd/internal/patient/infrastructure"
	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

func newTestService() (*Service, *infrastructure.MemoryRepository) {
	repo := infrastructure.NewMemoryRepository()
	return NewService(repo, nil), repo
}

func createPatient(t *testing.T, svc *Service) *domain.Patient {
	t.Helper()
	p, err := svc.CreatePatient(context.Background(), CreatePatientParams{RecordNumber: "MRN-001"}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	return p
}

// TestCreatePatient tests registration with an initial record number
func TestCreatePatient(t *testing.T) {
	svc, repo := newTestService()
	p := createPatient(t, svc)

	if p.CurrentRecordNumber != "MRN-001" {
		t.Errorf("Expected record number MRN-001, got %s", p.CurrentRecordNumber)
	}

	found, err := repo.FindPatientByRecordNumber(context.Background(), "MRN-001")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if found.ID != p.ID {
		t.Error("Expected lookup by record number to find the patient")
	}
}

// TestAdmitAndDischarge tests the basic admission round trip
func TestAdmitAndDischarge(t *testing.T) {
	svc, repo := newTestService()
	p := createPatient(t, svc)
	ctx := context.Background()

	admittedAt := time.Now().UTC().Add(-50 * time.Hour)
	episode, err := svc.Admit(ctx, p.ID, domain.EpisodeParams{
		Kind:       domain.AdmissionEmergency,
		AdmittedAt: admittedAt,
	}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	stored, _ := repo.FindPatient(ctx, p.ID)
	if stored.Status != domain.StatusEmergency {
		t.Errorf("Expected status %s, got %s", domain.StatusEmergency, stored.Status)
	}
	if stored.CurrentAdmissionID == nil || *stored.CurrentAdmissionID != episode.ID {
		t.Error("Expected current admission to be persisted")
	}

	_, err = svc.Discharge(ctx, p.ID, DischargeParams{
		Kind:         domain.DischargeMedical,
		DischargedAt: admittedAt.Add(48 * time.Hour),
	}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	stored, _ = repo.FindPatient(ctx, p.ID)
	if stored.Status != domain.StatusOutpatient {
		t.Errorf("Expected status %s, got %s", domain.StatusOutpatient, stored.Status)
	}
	if stored.TotalInpatientDays != 2 {
		t.Errorf("Expected 2 inpatient days, got %d", stored.TotalInpatientDays)
	}
}

// TestAdmitTwiceConflicts tests the single active admission rule end to
// end
func TestAdmitTwiceConflicts(t *testing.T) {
	svc, _ := newTestService()
	p := createPatient(t, svc)
	ctx := context.Background()

	if _, err := svc.Admit(ctx, p.ID, domain.EpisodeParams{Kind: domain.AdmissionScheduled}, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	_, err := svc.Admit(ctx, p.ID, domain.EpisodeParams{Kind: domain.AdmissionScheduled}, nil)
	if !errors.IsConflict(err) {
		t.Errorf("Expected conflict error, got %v", err)
	}
}

// TestDischargeWithoutAdmission tests the state guard
func TestDischargeWithoutAdmission(t *testing.T) {
	svc, _ := newTestService()
	p := createPatient(t, svc)

	_, err := svc.Discharge(context.Background(), p.ID, DischargeParams{Kind: domain.DischargeMedical}, nil)
	if !errors.IsState(err) {
		t.Errorf("Expected state error, got %v", err)
	}
}

// TestDischargeRepairsDriftedProjection tests discharging when the
// projection has lost track of the active episode
func TestDischargeRepairsDriftedProjection(t *testing.T) {
	svc, repo := newTestService()
	p := createPatient(t, svc)
	ctx := context.Background()

	admittedAt := time.Now().UTC().Add(-30 * time.Hour)
	_, err := svc.Admit(ctx, p.ID, domain.EpisodeParams{
		Kind:       domain.AdmissionScheduled,
		AdmittedAt: admittedAt,
	}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Drift: projection claims outpatient while the ledger holds an
	// active episode
	stored, _ := repo.FindPatient(ctx, p.ID)
	stored.Status = domain.StatusOutpatient
	stored.CurrentAdmissionID = nil
	if err := repo.SavePatient(ctx, stored); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	episode, err := svc.Discharge(ctx, p.ID, DischargeParams{
		Kind:         domain.DischargeMedical,
		DischargedAt: admittedAt.Add(24 * time.Hour),
	}, nil)
	if err != nil {
		t.Fatalf("Expected drifted discharge to succeed, got %v", err)
	}
	if episode.IsActive {
		t.Error("Expected episode to be closed")
	}

	stored, _ = repo.FindPatient(ctx, p.ID)
	if stored.Status != domain.StatusOutpatient {
		t.Errorf("Expected status %s, got %s", domain.StatusOutpatient, stored.Status)
	}
	if stored.CurrentAdmissionID != nil {
		t.Error("Expected current admission cleared after discharge")
	}
	if stored.TotalInpatientDays != 1 {
		t.Errorf("Expected 1 inpatient day, got %d", stored.TotalInpatientDays)
	}
}

// TestCancelDischargeRoundTrip tests that cancelling restores the
// pre-discharge projection
func TestCancelDischargeRoundTrip(t *testing.T) {
	svc, repo := newTestService()
	p := createPatient(t, svc)
	ctx := context.Background()

	admittedAt := time.Now().UTC().Add(-100 * time.Hour)
	episode, _ := svc.Admit(ctx, p.ID, domain.EpisodeParams{
		Kind:       domain.AdmissionScheduled,
		AdmittedAt: admittedAt,
		Ward:       strPtr("2A"),
	}, nil)

	before, _ := repo.FindPatient(ctx, p.ID)

	if _, err := svc.Discharge(ctx, p.ID, DischargeParams{
		Kind:         domain.DischargeMedical,
		DischargedAt: admittedAt.Add(72 * time.Hour),
	}, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := svc.CancelDischarge(ctx, episode.ID, "wrong patient", nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	after, _ := repo.FindPatient(ctx, p.ID)
	if after.Status != domain.StatusInpatient {
		t.Errorf("Expected status %s, got %s", domain.StatusInpatient, after.Status)
	}
	if after.TotalInpatientDays != before.TotalInpatientDays {
		t.Errorf("Expected %d inpatient days, got %d", before.TotalInpatientDays, after.TotalInpatientDays)
	}
	if after.CurrentAdmissionID == nil || *after.CurrentAdmissionID != episode.ID {
		t.Error("Expected current admission restored")
	}
	if after.Ward == nil || *after.Ward != "2A" {
		t.Error("Expected admission-time ward restored")
	}

	active, _ := repo.ActiveEpisode(ctx, p.ID)
	if active == nil || active.ID != episode.ID {
		t.Error("Expected the episode to be active again")
	}
}

// TestDeclareDeathDuringAdmission tests death declaration closing the
// active episode
func TestDeclareDeathDuringAdmission(t *testing.T) {
	svc, repo := newTestService()
	p := createPatient(t, svc)
	ctx := context.Background()

	admittedAt := time.Now().UTC().Add(-30 * time.Hour)
	episode, _ := svc.Admit(ctx, p.ID, domain.EpisodeParams{
		Kind:       domain.AdmissionEmergency,
		AdmittedAt: admittedAt,
	}, nil)

	if err := svc.DeclareDeath(ctx, p.ID, admittedAt.Add(25*time.Hour), "", nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	stored, _ := repo.FindPatient(ctx, p.ID)
	if stored.Status != domain.StatusDeceased {
		t.Errorf("Expected status %s, got %s", domain.StatusDeceased, stored.Status)
	}

	closed, _ := repo.FindEpisode(ctx, episode.ID)
	if closed.IsActive {
		t.Error("Expected episode to be closed")
	}
	if closed.DischargeKind == nil || *closed.DischargeKind != domain.DischargeDeath {
		t.Errorf("Expected death discharge kind, got %v", closed.DischargeKind)
	}
}

// TestAssignRecordNumberHistory tests the ledger after a reassignment
func TestAssignRecordNumberHistory(t *testing.T) {
	svc, repo := newTestService()
	p := createPatient(t, svc)
	ctx := context.Background()

	if err := svc.AssignRecordNumber(ctx, p.ID, domain.RecordNumberParams{
		RecordNumber: "MRN-002",
		Reason:       "chart merge",
	}, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	entries, _ := repo.ListRecordNumbers(ctx, p.ID)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	current := 0
	for _, entry := range entries {
		if entry.IsCurrent {
			current++
			if entry.RecordNumber != "MRN-002" {
				t.Errorf("Expected current number MRN-002, got %s", entry.RecordNumber)
			}
			if entry.PreviousNumber != "MRN-001" {
				t.Errorf("Expected previous number MRN-001, got %s", entry.PreviousNumber)
			}
		}
	}
	if current != 1 {
		t.Errorf("Expected exactly one current entry, got %d", current)
	}

	if _, err := repo.FindPatientByRecordNumber(ctx, "MRN-001"); !errors.IsNotFound(err) {
		t.Errorf("Expected old number to no longer resolve, got %v", err)
	}
}

// TestRefreshRepairsDrift tests the refresh path over the repository
func TestRefreshRepairsDrift(t *testing.T) {
	svc, repo := newTestService()
	p := createPatient(t, svc)
	ctx := context.Background()

	svc.Admit(ctx, p.ID, domain.EpisodeParams{Kind: domain.AdmissionScheduled}, nil)

	// Corrupt the projection behind the engine's back
	stored, _ := repo.FindPatient(ctx, p.ID)
	stored.Status = domain.StatusDischarged
	stored.TotalAdmissions = 42
	stored.CurrentRecordNumber = "WRONG"
	repo.SavePatient(ctx, stored)

	repaired, err := svc.Refresh(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if repaired.Status != domain.StatusInpatient {
		t.Errorf("Expected status %s, got %s", domain.StatusInpatient, repaired.Status)
	}
	if repaired.TotalAdmissions != 1 {
		t.Errorf("Expected 1 admission, got %d", repaired.TotalAdmissions)
	}
	if repaired.CurrentRecordNumber != "MRN-001" {
		t.Errorf("Expected record number MRN-001, got %s", repaired.CurrentRecordNumber)
	}
}

// TestActorRecorded tests that actor attribution is stored as given,
// including its absence
func TestActorRecorded(t *testing.T) {
	repo := infrastructure.NewMemoryRepository()
	rec := &captureRecorder{}
	svc := NewService(repo, rec)
	ctx := context.Background()

	actor := types.NewID()
	if _, err := svc.CreatePatient(ctx, CreatePatientParams{}, &actor); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := svc.CreatePatient(ctx, CreatePatientParams{}, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(rec.changes) != 2 {
		t.Fatalf("Expected 2 changes, got %d", len(rec.changes))
	}
	if rec.changes[0].Actor == nil || *rec.changes[0].Actor != actor {
		t.Error("Expected first change attributed to the actor")
	}
	if rec.changes[1].Actor != nil {
		t.Error("Expected second change to record the absent actor as nil")
	}
}

type captureRecorder struct {
	changes []history.Change
}

func (r *captureRecorder) RecordChange(ctx context.Context, change history.Change) error {
	r.changes = append(r.changes, change)
	return nil
}

func strPtr(s string) *string { return &s }
