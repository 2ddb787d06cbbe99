package domain

import (
	"fmt"
	"time"

	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// Status is the patient's hospitalization status
type Status string

const (
	StatusOutpatient  Status = "outpatient"
	StatusInpatient   Status = "inpatient"
	StatusEmergency   Status = "emergency"
	StatusDischarged  Status = "discharged"
	StatusTransferred Status = "transferred"
	StatusDeceased    Status = "deceased"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusOutpatient, StatusInpatient, StatusEmergency,
		StatusDischarged, StatusTransferred, StatusDeceased:
		return true
	}
	return false
}

// Admitted reports whether s is an in-hospital status
func (s Status) Admitted() bool {
	return s == StatusInpatient || s == StatusEmergency
}

// Patient is the aggregate root for the hospitalization lifecycle.
//
// Status, ward/bed, current record number, current admission pointer and
// the totals are denormalized projections of the two ledgers (admission
// episodes and record number entries). The ledgers are the source of
// truth; Recompute can rebuild every one of these fields from them.
type Patient struct {
	ID     types.ID `json:"id"`
	Status Status   `json:"status"`

	// Placement, meaningful only while admitted
	Ward *string `json:"ward,omitempty"`
	Bed  *string `json:"bed,omitempty"`

	// Denormalized from the record number ledger
	CurrentRecordNumber string `json:"current_record_number"`

	// Denormalized from the admission ledger
	CurrentAdmissionID *types.ID  `json:"current_admission_id,omitempty"`
	TotalAdmissions    int        `json:"total_admissions"`
	TotalInpatientDays int        `json:"total_inpatient_days"`
	LastAdmissionAt    *time.Time `json:"last_admission_at,omitempty"`

	// LegacyID is the key this patient had in the legacy HIS, when known.
	// It is the second key space the reconciliation feed may use.
	LegacyID *string `json:"legacy_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPatient creates a new patient in the initial outpatient state
func NewPatient() *Patient {
	now := time.Now().UTC()
	return &Patient{
		ID:        types.NewID(),
		Status:    StatusOutpatient,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Admitted reports whether the patient currently has an open admission
func (p *Patient) Admitted() bool {
	return p.CurrentAdmissionID != nil
}

// Admit opens a new episode for the patient. Fails with a conflict when
// the patient already has an active admission; the partial unique index
// on the episode table backs this check up under concurrency.
func (p *Patient) Admit(params EpisodeParams) (*AdmissionEpisode, error) {
	if p.Admitted() {
		return nil, errors.Conflict("patient already has an active admission")
	}
	episode, err := NewEpisode(p.ID, params)
	if err != nil {
		return nil, err
	}
	p.applyAdmission(episode)
	return episode, nil
}

// Discharge closes the given active episode and moves the patient to the
// status implied by the discharge kind
func (p *Patient) Discharge(episode *AdmissionEpisode, params DischargeParams) error {
	if !p.Status.Admitted() {
		return errors.State(fmt.Sprintf("cannot discharge patient in status %s", p.Status))
	}
	if params.Kind == DischargeDeath {
		return errors.Validation("death discharge must go through death declaration")
	}
	if err := episode.close(params); err != nil {
		return err
	}
	p.applyDischarge(episode)
	return nil
}

// CancelDischarge reopens a discharged episode and restores the
// projection, including the admission-time ward and bed
func (p *Patient) CancelDischarge(episode *AdmissionEpisode) error {
	if p.Admitted() {
		return errors.Conflict("patient already has an active admission")
	}
	restoredDays, err := episode.reopen()
	if err != nil {
		return err
	}
	p.applyCancelDischarge(episode, restoredDays)
	return nil
}

// DeclareDeath marks the patient deceased. When an active episode is
// given it is closed with a death discharge at the given time; episode
// may be nil for a patient who dies outside an admission.
func (p *Patient) DeclareDeath(episode *AdmissionEpisode, at time.Time) error {
	if p.Status == StatusDeceased {
		return errors.State("patient is already deceased")
	}
	if episode != nil {
		if err := episode.close(DischargeParams{Kind: DischargeDeath, DischargedAt: at}); err != nil {
			return err
		}
		p.applyDischarge(episode)
	}
	p.Status = StatusDeceased
	p.Ward = nil
	p.Bed = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetOutpatient moves a non-admitted patient back to outpatient
func (p *Patient) SetOutpatient() error {
	if p.Admitted() {
		return errors.State("cannot set outpatient while an admission is active")
	}
	p.Status = StatusOutpatient
	p.Ward = nil
	p.Bed = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Relabel switches between the two admitted status labels without
// touching the episode. Used when an external feed disagrees on whether
// an admitted patient is an emergency or a ward inpatient.
func (p *Patient) Relabel(status Status) error {
	if !status.Admitted() {
		return errors.Validation(fmt.Sprintf("relabel requires an admitted status, got %s", status))
	}
	if !p.Admitted() {
		return errors.State("cannot relabel a patient without an active admission")
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignRecordNumber appends a new current record number entry and
// updates the denormalized current number
func (p *Patient) AssignRecordNumber(params RecordNumberParams) (*RecordNumberEntry, error) {
	entry, err := NewRecordNumberEntry(p.ID, p.CurrentRecordNumber, params)
	if err != nil {
		return nil, err
	}
	if entry.RecordNumber == p.CurrentRecordNumber {
		return nil, errors.Conflict("record number is already current for this patient")
	}
	p.CurrentRecordNumber = entry.RecordNumber
	p.UpdatedAt = time.Now().UTC()
	return entry, nil
}

// applyAdmission updates the projection for a newly opened episode
func (p *Patient) applyAdmission(e *AdmissionEpisode) {
	id := e.ID
	p.CurrentAdmissionID = &id
	p.Ward = cloneStr(e.AdmissionWard)
	p.Bed = cloneStr(e.AdmissionBed)
	at := e.AdmittedAt
	p.LastAdmissionAt = &at
	p.TotalAdmissions++
	if e.Kind == AdmissionEmergency {
		p.Status = StatusEmergency
	} else {
		p.Status = StatusInpatient
	}
	p.UpdatedAt = time.Now().UTC()
}

// applyDischarge updates the projection for a closed episode. For a death
// discharge the status is left for the caller to set (DeclareDeath sets
// Deceased as part of the same unit of work).
func (p *Patient) applyDischarge(e *AdmissionEpisode) {
	p.CurrentAdmissionID = nil
	p.Ward = nil
	p.Bed = nil
	if e.StayDays != nil {
		p.TotalInpatientDays += *e.StayDays
	}
	switch *e.DischargeKind {
	case DischargeTransferred:
		p.Status = StatusTransferred
	case DischargeDeath:
		// caller decides
	default:
		p.Status = StatusOutpatient
	}
	p.UpdatedAt = time.Now().UTC()
}

// applyCancelDischarge restores the projection for a reopened episode,
// including the admission-time ward/bed and the previously added days
func (p *Patient) applyCancelDischarge(e *AdmissionEpisode, restoredDays int) {
	id := e.ID
	p.CurrentAdmissionID = &id
	p.Ward = cloneStr(e.AdmissionWard)
	p.Bed = cloneStr(e.AdmissionBed)
	p.Status = StatusInpatient
	p.TotalInpatientDays -= restoredDays
	if p.TotalInpatientDays < 0 {
		p.TotalInpatientDays = 0
	}
	p.UpdatedAt = time.Now().UTC()
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
