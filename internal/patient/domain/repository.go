package domain

import (
	"context"

	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// Repository persists patients and their two ledgers.
//
// The Save* methods are composite writes: each one persists the patient
// projection together with the affected ledger rows in a single
// transaction, so a lifecycle operation either lands fully or not at
// all.
type Repository interface {
	CreatePatient(ctx context.Context, patient *Patient) error
	FindPatient(ctx context.Context, id types.ID) (*Patient, error)
	FindPatientByRecordNumber(ctx context.Context, recordNumber string) (*Patient, error)
	FindPatientByLegacyID(ctx context.Context, legacyID string) (*Patient, error)
	ListPatients(ctx context.Context, limit, offset int) ([]Patient, error)

	FindEpisode(ctx context.Context, id types.ID) (*AdmissionEpisode, error)
	// ActiveEpisode returns nil without error when the patient has none
	ActiveEpisode(ctx context.Context, patientID types.ID) (*AdmissionEpisode, error)
	ListEpisodes(ctx context.Context, patientID types.ID) ([]AdmissionEpisode, error)

	ListRecordNumbers(ctx context.Context, patientID types.ID) ([]RecordNumberEntry, error)

	// SaveAdmission inserts the new episode and updates the patient
	SaveAdmission(ctx context.Context, patient *Patient, episode *AdmissionEpisode) error
	// SaveEpisode updates an existing episode and the patient; used for
	// discharge and cancel-discharge
	SaveEpisode(ctx context.Context, patient *Patient, episode *AdmissionEpisode) error
	// SaveRecordNumber retires the previous current entry, inserts the
	// new one and updates the patient
	SaveRecordNumber(ctx context.Context, patient *Patient, entry *RecordNumberEntry) error
	// SavePatient updates the patient projection alone
	SavePatient(ctx context.Context, patient *Patient) error
}
