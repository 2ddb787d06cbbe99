package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// AdmissionKind classifies how an episode was opened
type AdmissionKind string

const (
	AdmissionEmergency AdmissionKind = "emergency"
	AdmissionScheduled AdmissionKind = "scheduled"
)

// Valid reports whether k is a known admission kind
func (k AdmissionKind) Valid() bool {
	return k == AdmissionEmergency || k == AdmissionScheduled
}

// DischargeKind classifies how an episode was closed
type DischargeKind string

const (
	DischargeMedical     DischargeKind = "medical"
	DischargeTransferred DischargeKind = "transferred"
	DischargeDeath       DischargeKind = "death"
	DischargeOther       DischargeKind = "other"
)

// Valid reports whether k is a known discharge kind
func (k DischargeKind) Valid() bool {
	switch k {
	case DischargeMedical, DischargeTransferred, DischargeDeath, DischargeOther:
		return true
	}
	return false
}

// AdmissionEpisode is one row of the append-only admission ledger. An
// episode is active from admission until discharge; cancelling a
// discharge reopens the same row rather than appending a new one.
type AdmissionEpisode struct {
	ID        types.ID `json:"id"`
	PatientID types.ID `json:"patient_id"`

	Kind       AdmissionKind `json:"kind"`
	AdmittedAt time.Time     `json:"admitted_at"`

	// Placement at admission time, restored on cancel-discharge
	AdmissionWard *string `json:"admission_ward,omitempty"`
	AdmissionBed  *string `json:"admission_bed,omitempty"`

	Diagnosis string `json:"diagnosis,omitempty"`

	DischargedAt  *time.Time     `json:"discharged_at,omitempty"`
	DischargeKind *DischargeKind `json:"discharge_kind,omitempty"`

	// Placement and diagnosis at discharge time, recorded independently
	// of the admission-time values
	DischargeBed       *string `json:"discharge_bed,omitempty"`
	DischargeDiagnosis *string `json:"discharge_diagnosis,omitempty"`

	// Whole hours and whole days of the completed stay, set on discharge
	StayHours *int `json:"stay_hours,omitempty"`
	StayDays  *int `json:"stay_days,omitempty"`

	IsActive bool `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EpisodeParams carries the caller-supplied fields of a new admission
type EpisodeParams struct {
	Kind       AdmissionKind
	AdmittedAt time.Time
	Ward       *string
	Bed        *string
	Diagnosis  string
}

// NewEpisode validates params and creates an active episode
func NewEpisode(patientID types.ID, params EpisodeParams) (*AdmissionEpisode, error) {
	if !params.Kind.Valid() {
		return nil, errors.Validation(fmt.Sprintf("invalid admission kind: %s", params.Kind))
	}
	if params.AdmittedAt.IsZero() {
		return nil, errors.Validation("admission time is required")
	}
	now := time.Now().UTC()
	return &AdmissionEpisode{
		ID:            types.NewID(),
		PatientID:     patientID,
		Kind:          params.Kind,
		AdmittedAt:    params.AdmittedAt.UTC(),
		AdmissionWard: cloneStr(params.Ward),
		AdmissionBed:  cloneStr(params.Bed),
		Diagnosis:     strings.TrimSpace(params.Diagnosis),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// DischargeParams carries the caller-supplied fields of a discharge
type DischargeParams struct {
	Kind         DischargeKind
	DischargedAt time.Time
	Bed          *string
	Diagnosis    *string
}

// close validates and closes the episode, computing the stay duration
func (e *AdmissionEpisode) close(params DischargeParams) error {
	if !e.IsActive {
		return errors.State("episode is already discharged")
	}
	if !params.Kind.Valid() {
		return errors.Validation(fmt.Sprintf("invalid discharge kind: %s", params.Kind))
	}
	if params.DischargedAt.IsZero() {
		return errors.Validation("discharge time is required")
	}
	at := params.DischargedAt.UTC()
	if !at.After(e.AdmittedAt) {
		return errors.Validation("discharge time must be after admission time")
	}
	kind := params.Kind
	hours := int(at.Sub(e.AdmittedAt).Hours())
	days := hours / 24
	e.DischargedAt = &at
	e.DischargeKind = &kind
	e.DischargeBed = cloneStr(params.Bed)
	e.DischargeDiagnosis = cloneStr(params.Diagnosis)
	e.StayHours = &hours
	e.StayDays = &days
	e.IsActive = false
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// reopen reverts a discharge, clearing the closure fields. Returns the
// whole days the discharge had contributed so the projection can back
// them out.
func (e *AdmissionEpisode) reopen() (int, error) {
	if e.IsActive {
		return 0, errors.State("episode is not discharged")
	}
	days := 0
	if e.StayDays != nil {
		days = *e.StayDays
	}
	e.DischargedAt = nil
	e.DischargeKind = nil
	e.DischargeBed = nil
	e.DischargeDiagnosis = nil
	e.StayHours = nil
	e.StayDays = nil
	e.IsActive = true
	e.UpdatedAt = time.Now().UTC()
	return days, nil
}

// StayDuration is an elapsed stay expressed in whole hours and days
type StayDuration struct {
	Hours int `json:"hours"`
	Days  int `json:"days"`
}

// CurrentDuration returns the elapsed stay of an active episode as of
// now, or nil once the episode is closed
func (e *AdmissionEpisode) CurrentDuration(now time.Time) *StayDuration {
	if !e.IsActive {
		return nil
	}
	hours := int(now.UTC().Sub(e.AdmittedAt).Hours())
	if hours < 0 {
		hours = 0
	}
	return &StayDuration{Hours: hours, Days: hours / 24}
}
