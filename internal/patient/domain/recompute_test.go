package domain

import (
	"testing"
	"time"
)

func buildLedgers(p *Patient) ([]AdmissionEpisode, []RecordNumberEntry) {
	base := time.Now().UTC().Add(-240 * time.Hour)

	first, _ := p.Admit(EpisodeParams{Kind: AdmissionScheduled, AdmittedAt: base})
	p.Discharge(first, DischargeParams{Kind: DischargeMedical, DischargedAt: base.Add(72 * time.Hour)})

	second, _ := p.Admit(EpisodeParams{Kind: AdmissionEmergency, AdmittedAt: base.Add(120 * time.Hour), Ward: strPtr("ICU"), Bed: strPtr("4")})

	entry, _ := p.AssignRecordNumber(RecordNumberParams{RecordNumber: "MRN-100"})

	return []AdmissionEpisode{*first, *second}, []RecordNumberEntry{*entry}
}

// TestRecomputeIdempotent tests that refreshing a consistent patient
// changes nothing
func TestRecomputeIdempotent(t *testing.T) {
	p := NewPatient()
	episodes, entries := buildLedgers(p)

	before := *p
	Recompute(p, episodes, entries)

	if p.Status != before.Status {
		t.Errorf("Expected status %s, got %s", before.Status, p.Status)
	}
	if p.TotalAdmissions != before.TotalAdmissions {
		t.Errorf("Expected %d admissions, got %d", before.TotalAdmissions, p.TotalAdmissions)
	}
	if p.TotalInpatientDays != before.TotalInpatientDays {
		t.Errorf("Expected %d inpatient days, got %d", before.TotalInpatientDays, p.TotalInpatientDays)
	}
	if p.CurrentRecordNumber != before.CurrentRecordNumber {
		t.Errorf("Expected record number %s, got %s", before.CurrentRecordNumber, p.CurrentRecordNumber)
	}
	if (p.CurrentAdmissionID == nil) != (before.CurrentAdmissionID == nil) {
		t.Error("Expected current admission pointer unchanged")
	}
	if p.Ward == nil || *p.Ward != "ICU" {
		t.Error("Expected ward unchanged")
	}
}

// TestRecomputeRepairsDrift tests rebuilding a corrupted projection
func TestRecomputeRepairsDrift(t *testing.T) {
	p := NewPatient()
	episodes, entries := buildLedgers(p)

	// Simulate drift written by a buggy external writer
	p.Status = StatusDischarged
	p.CurrentAdmissionID = nil
	p.Ward = nil
	p.TotalAdmissions = 99
	p.TotalInpatientDays = 99
	p.CurrentRecordNumber = "WRONG"
	p.LastAdmissionAt = nil

	Recompute(p, episodes, entries)

	if p.Status != StatusEmergency {
		t.Errorf("Expected status %s, got %s", StatusEmergency, p.Status)
	}
	if p.CurrentAdmissionID == nil || *p.CurrentAdmissionID != episodes[1].ID {
		t.Error("Expected current admission restored from the active episode")
	}
	if p.Ward == nil || *p.Ward != "ICU" {
		t.Error("Expected ward restored from the active episode")
	}
	if p.TotalAdmissions != 2 {
		t.Errorf("Expected 2 admissions, got %d", p.TotalAdmissions)
	}
	if p.TotalInpatientDays != 3 {
		t.Errorf("Expected 3 inpatient days, got %d", p.TotalInpatientDays)
	}
	if p.CurrentRecordNumber != "MRN-100" {
		t.Errorf("Expected record number MRN-100, got %s", p.CurrentRecordNumber)
	}
	if p.LastAdmissionAt == nil || !p.LastAdmissionAt.Equal(episodes[1].AdmittedAt) {
		t.Error("Expected last admission time restored")
	}
}

// TestRecomputeNoActiveEpisode tests forcing admitted status back to
// outpatient when no episode is active
func TestRecomputeNoActiveEpisode(t *testing.T) {
	p := NewPatient()
	base := time.Now().UTC().Add(-100 * time.Hour)
	episode, _ := p.Admit(EpisodeParams{Kind: AdmissionScheduled, AdmittedAt: base})
	p.Discharge(episode, DischargeParams{Kind: DischargeMedical, DischargedAt: base.Add(24 * time.Hour)})

	// Drift: status claims admitted but the ledger has no active episode
	p.Status = StatusInpatient
	id := episode.ID
	p.CurrentAdmissionID = &id

	Recompute(p, []AdmissionEpisode{*episode}, nil)

	if p.Status != StatusOutpatient {
		t.Errorf("Expected status %s, got %s", StatusOutpatient, p.Status)
	}
	if p.CurrentAdmissionID != nil {
		t.Error("Expected current admission cleared")
	}
}

// TestRecomputeIgnoresForeignEpisodes tests that entries belonging to
// another patient contribute nothing to any recomputed field
func TestRecomputeIgnoresForeignEpisodes(t *testing.T) {
	p := NewPatient()
	base := time.Now().UTC().Add(-100 * time.Hour)
	own, _ := p.Admit(EpisodeParams{Kind: AdmissionScheduled, AdmittedAt: base})
	p.Discharge(own, DischargeParams{Kind: DischargeMedical, DischargedAt: base.Add(48 * time.Hour)})

	other := NewPatient()
	foreign, _ := other.Admit(EpisodeParams{Kind: AdmissionEmergency, AdmittedAt: base.Add(72 * time.Hour)})

	Recompute(p, []AdmissionEpisode{*own, *foreign}, nil)

	if p.TotalAdmissions != 1 {
		t.Errorf("Expected 1 admission, got %d", p.TotalAdmissions)
	}
	if p.TotalInpatientDays != 2 {
		t.Errorf("Expected 2 inpatient days, got %d", p.TotalInpatientDays)
	}
	if p.CurrentAdmissionID != nil {
		t.Error("Expected no current admission from a foreign active episode")
	}
	if p.LastAdmissionAt == nil || !p.LastAdmissionAt.Equal(own.AdmittedAt) {
		t.Error("Expected last admission time from the own episode only")
	}
}

// TestRecomputePreservesTerminalStatus tests that deceased is not
// overwritten when there is no active episode
func TestRecomputePreservesTerminalStatus(t *testing.T) {
	p := NewPatient()
	p.DeclareDeath(nil, time.Now().UTC())

	Recompute(p, nil, nil)

	if p.Status != StatusDeceased {
		t.Errorf("Expected status %s, got %s", StatusDeceased, p.Status)
	}
}

// TestRecomputeEmptyLedgers tests the ledger-less baseline
func TestRecomputeEmptyLedgers(t *testing.T) {
	p := NewPatient()
	p.TotalAdmissions = 5
	p.CurrentRecordNumber = "MRN-X"

	Recompute(p, nil, nil)

	if p.TotalAdmissions != 0 || p.TotalInpatientDays != 0 {
		t.Errorf("Expected zero totals, got %d/%d", p.TotalAdmissions, p.TotalInpatientDays)
	}
	if p.CurrentRecordNumber != "" {
		t.Errorf("Expected empty record number, got %s", p.CurrentRecordNumber)
	}
	if p.LastAdmissionAt != nil {
		t.Error("Expected no last admission time")
	}
}
