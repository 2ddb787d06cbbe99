package internal

import (
	"context"
	"testing"
	"time"

	"github.com/carlosapgomes/eqmd/internal/adapters/legacy"
	"github.com/carlosapgomes/eqmd/internal/lifecycle"
	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	"github.com/carlosapgomes/eqmd/internal/patient/infrastructure"
	"github.com/carlosapgomes/eqmd/internal/reconcile"
)

// TestFullHospitalizationWorkflow tests the complete patient lifecycle
// across the engine, the ledgers and the reconciler
func TestFullHospitalizationWorkflow(t *testing.T) {
	ctx := context.Background()
	repo := infrastructure.NewMemoryRepository()
	engine := lifecycle.NewService(repo, nil)
	reconciler := reconcile.NewService(repo, engine, time.UTC)

	// 1. Register a patient with an initial record number
	p, err := engine.CreatePatient(ctx, lifecycle.CreatePatientParams{RecordNumber: "MRN-001"}, nil)
	if err != nil {
		t.Fatalf("Failed to create patient: %v", err)
	}
	if p.Status != domain.StatusOutpatient {
		t.Errorf("New patient should be outpatient, got %s", p.Status)
	}

	// 2. Emergency admission
	admittedAt := time.Now().UTC().Add(-72 * time.Hour)
	ward := "3B"
	episode, err := engine.Admit(ctx, p.ID, domain.EpisodeParams{
		Kind:       domain.AdmissionEmergency,
		AdmittedAt: admittedAt,
		Ward:       &ward,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to admit: %v", err)
	}

	// 3. A second admission must fail while the first is open
	if _, err := engine.Admit(ctx, p.ID, domain.EpisodeParams{Kind: domain.AdmissionScheduled}, nil); err == nil {
		t.Error("Second admission should conflict")
	}

	// 4. Medical discharge after two days
	if _, err := engine.Discharge(ctx, p.ID, lifecycle.DischargeParams{
		Kind:         domain.DischargeMedical,
		DischargedAt: admittedAt.Add(49 * time.Hour),
	}, nil); err != nil {
		t.Fatalf("Failed to discharge: %v", err)
	}

	stored, _ := repo.FindPatient(ctx, p.ID)
	if stored.Status != domain.StatusOutpatient {
		t.Errorf("Discharged patient should be outpatient, got %s", stored.Status)
	}
	if stored.TotalInpatientDays != 2 {
		t.Errorf("Expected 2 inpatient days, got %d", stored.TotalInpatientDays)
	}

	// 5. The discharge was a mistake - cancel it
	if _, err := engine.CancelDischarge(ctx, episode.ID, "discharged in error", nil); err != nil {
		t.Fatalf("Failed to cancel discharge: %v", err)
	}

	stored, _ = repo.FindPatient(ctx, p.ID)
	if stored.Status != domain.StatusInpatient {
		t.Errorf("Reopened patient should be inpatient, got %s", stored.Status)
	}
	if stored.TotalInpatientDays != 0 {
		t.Errorf("Expected days backed out, got %d", stored.TotalInpatientDays)
	}
	if stored.Ward == nil || *stored.Ward != "3B" {
		t.Error("Expected admission-time ward restored")
	}

	// 6. A chart merge assigns a new record number
	if err := engine.AssignRecordNumber(ctx, p.ID, domain.RecordNumberParams{
		RecordNumber: "MRN-777",
		Reason:       "chart merge",
	}, nil); err != nil {
		t.Fatalf("Failed to assign record number: %v", err)
	}

	// 7. The legacy feed still knows the old number but agrees on the
	// status - reconciliation must resolve it and change nothing
	outcome, err := reconciler.Reconcile(ctx, legacy.StatusRecord{
		PatientKey:     "MRN-777",
		DeclaredStatus: "inpatient",
	}, nil)
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if outcome.Result != reconcile.ResultSkipped {
		t.Errorf("Converged patient should be skipped, got %s", outcome.Result)
	}

	// 8. The feed later declares the patient deceased
	outcome, err = reconciler.Reconcile(ctx, legacy.StatusRecord{
		PatientKey:     "MRN-777",
		DeclaredStatus: "deceased",
	}, nil)
	if err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	if outcome.EpisodesClosed != 1 {
		t.Errorf("Expected the episode closed, got %d", outcome.EpisodesClosed)
	}

	stored, _ = repo.FindPatient(ctx, p.ID)
	if stored.Status != domain.StatusDeceased {
		t.Errorf("Expected deceased, got %s", stored.Status)
	}

	// 9. Refresh must be a no-op on the converged state
	refreshed, err := engine.Refresh(ctx, p.ID, nil)
	if err != nil {
		t.Fatalf("Failed to refresh: %v", err)
	}
	if refreshed.Status != domain.StatusDeceased {
		t.Errorf("Refresh changed status to %s", refreshed.Status)
	}
	if refreshed.TotalAdmissions != 1 {
		t.Errorf("Expected 1 admission, got %d", refreshed.TotalAdmissions)
	}
	if refreshed.CurrentRecordNumber != "MRN-777" {
		t.Errorf("Expected MRN-777, got %s", refreshed.CurrentRecordNumber)
	}
}
