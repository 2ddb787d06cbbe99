package domain

import (
	"strings"
	"time"

	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// RecordNumberEntry is one row of the append-only record number ledger.
// At most one entry per patient is current; assigning a new number
// flips the previous current entry off and appends a new current one.
type RecordNumberEntry struct {
	ID        types.ID `json:"id"`
	PatientID types.ID `json:"patient_id"`

	RecordNumber   string `json:"record_number"`
	PreviousNumber string `json:"previous_number,omitempty"`

	EffectiveAt time.Time `json:"effective_at"`
	Reason      string    `json:"reason,omitempty"`

	IsCurrent bool `json:"is_current"`

	CreatedAt time.Time `json:"created_at"`
}

// RecordNumberParams carries the caller-supplied fields of an assignment
type RecordNumberParams struct {
	RecordNumber string
	EffectiveAt  time.Time
	Reason       string
}

// NewRecordNumberEntry validates params and creates a current entry.
// previous is the number being replaced, empty for a first assignment.
func NewRecordNumberEntry(patientID types.ID, previous string, params RecordNumberParams) (*RecordNumberEntry, error) {
	number := strings.TrimSpace(params.RecordNumber)
	if len(number) < 3 {
		return nil, errors.Validation("record number must be at least 3 characters")
	}
	effective := params.EffectiveAt.UTC()
	now := time.Now().UTC()
	if effective.IsZero() {
		effective = now
	}
	if effective.After(now) {
		return nil, errors.Validation("effective time cannot be in the future")
	}
	return &RecordNumberEntry{
		ID:             types.NewID(),
		PatientID:      patientID,
		RecordNumber:   number,
		PreviousNumber: previous,
		EffectiveAt:    effective,
		Reason:         strings.TrimSpace(params.Reason),
		IsCurrent:      true,
		CreatedAt:      now,
	}, nil
}
