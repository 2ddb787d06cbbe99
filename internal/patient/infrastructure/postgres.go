package infrastructure

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// PostgresRepository implements domain.Repository using PostgreSQL.
// The partial unique indexes on records.admission_episodes and
// records.record_number_entries enforce the one-active / one-current
// rules even under concurrent writers.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreatePatient saves a new patient
func (r *PostgresRepository) CreatePatient(ctx context.Context, p *domain.Patient) error {
	query := `
		INSERT INTO records.patients (
			id, status, ward, bed,
			current_record_number, current_admission_id,
			total_admissions, total_inpatient_days, last_admission_at,
			legacy_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.Status, p.Ward, p.Bed,
		p.CurrentRecordNumber, p.CurrentAdmissionID,
		p.TotalAdmissions, p.TotalInpatientDays, p.LastAdmissionAt,
		p.LegacyID, p.CreatedAt, p.UpdatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("patient with this legacy id already exists")
		}
		return errors.Wrap(err, "failed to save patient")
	}

	return nil
}

const patientColumns = `id, status, ward, bed,
		current_record_number, current_admission_id,
		total_admissions, total_inpatient_days, last_admission_at,
		legacy_id, created_at, updated_at`

func scanPatient(row pgx.Row) (*domain.Patient, error) {
	p := &domain.Patient{}
	err := row.Scan(
		&p.ID, &p.Status, &p.Ward, &p.Bed,
		&p.CurrentRecordNumber, &p.CurrentAdmissionID,
		&p.TotalAdmissions, &p.TotalInpatientDays, &p.LastAdmissionAt,
		&p.LegacyID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindPatient finds a patient by ID
func (r *PostgresRepository) FindPatient(ctx context.Context, id types.ID) (*domain.Patient, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+patientColumns+` FROM records.patients WHERE id = $1`, id)

	p, err := scanPatient(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("patient", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find patient")
	}
	return p, nil
}

// FindPatientByRecordNumber finds the patient whose current record
// number matches
func (r *PostgresRepository) FindPatientByRecordNumber(ctx context.Context, recordNumber string) (*domain.Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM records.patients
		WHERE id = (
			SELECT patient_id FROM records.record_number_entries
			WHERE record_number = $1 AND is_current
		)`, recordNumber)

	p, err := scanPatient(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("patient", recordNumber)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find patient by record number")
	}
	return p, nil
}

// FindPatientByLegacyID finds a patient by its legacy system key
func (r *PostgresRepository) FindPatientByLegacyID(ctx context.Context, legacyID string) (*domain.Patient, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+patientColumns+` FROM records.patients WHERE legacy_id = $1`, legacyID)

	p, err := scanPatient(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("patient", legacyID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find patient by legacy id")
	}
	return p, nil
}

// ListPatients lists patients ordered by creation time
func (r *PostgresRepository) ListPatients(ctx context.Context, limit, offset int) ([]domain.Patient, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM records.patients
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list patients")
	}
	defer rows.Close()

	var patients []domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan patient")
		}
		patients = append(patients, *p)
	}

	return patients, nil
}

// --- Episode operations ---

const episodeColumns = `id, patient_id, kind, admitted_at,
		admission_ward, admission_bed, diagnosis,
		discharged_at, discharge_kind, discharge_bed, discharge_diagnosis,
		stay_hours, stay_days,
		is_active, created_at, updated_at`

func scanEpisode(row pgx.Row) (*domain.AdmissionEpisode, error) {
	e := &domain.AdmissionEpisode{}
	err := row.Scan(
		&e.ID, &e.PatientID, &e.Kind, &e.AdmittedAt,
		&e.AdmissionWard, &e.AdmissionBed, &e.Diagnosis,
		&e.DischargedAt, &e.DischargeKind, &e.DischargeBed, &e.DischargeDiagnosis,
		&e.StayHours, &e.StayDays,
		&e.IsActive, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FindEpisode finds an episode by ID
func (r *PostgresRepository) FindEpisode(ctx context.Context, id types.ID) (*domain.AdmissionEpisode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM records.admission_episodes WHERE id = $1`, id)

	e, err := scanEpisode(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("episode", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find episode")
	}
	return e, nil
}

// ActiveEpisode returns the patient's active episode, or nil when none
func (r *PostgresRepository) ActiveEpisode(ctx context.Context, patientID types.ID) (*domain.AdmissionEpisode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+episodeColumns+` FROM records.admission_episodes WHERE patient_id = $1 AND is_active`,
		patientID)

	e, err := scanEpisode(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active episode")
	}
	return e, nil
}

// ListEpisodes lists the patient's admission ledger, newest first
func (r *PostgresRepository) ListEpisodes(ctx context.Context, patientID types.ID) ([]domain.AdmissionEpisode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+episodeColumns+`
		FROM records.admission_episodes
		WHERE patient_id = $1
		ORDER BY admitted_at DESC`, patientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list episodes")
	}
	defer rows.Close()

	var episodes []domain.AdmissionEpisode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan episode")
		}
		episodes = append(episodes, *e)
	}

	return episodes, nil
}

// ListRecordNumbers lists the patient's record number ledger, newest first
func (r *PostgresRepository) ListRecordNumbers(ctx context.Context, patientID types.ID) ([]domain.RecordNumberEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, record_number, previous_number,
			effective_at, reason, is_current, created_at
		FROM records.record_number_entries
		WHERE patient_id = $1
		ORDER BY effective_at DESC, created_at DESC`, patientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list record numbers")
	}
	defer rows.Close()

	var entries []domain.RecordNumberEntry
	for rows.Next() {
		var entry domain.RecordNumberEntry
		err := rows.Scan(
			&entry.ID, &entry.PatientID, &entry.RecordNumber, &entry.PreviousNumber,
			&entry.EffectiveAt, &entry.Reason, &entry.IsCurrent, &entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan record number entry")
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// --- Composite writes ---

// SaveAdmission inserts the new episode and updates the patient in one
// transaction
func (r *PostgresRepository) SaveAdmission(ctx context.Context, p *domain.Patient, e *domain.AdmissionEpisode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO records.admission_episodes (
			id, patient_id, kind, admitted_at,
			admission_ward, admission_bed, diagnosis,
			discharged_at, discharge_kind, discharge_bed, discharge_diagnosis,
			stay_hours, stay_days,
			is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = tx.Exec(ctx, query,
		e.ID, e.PatientID, e.Kind, e.AdmittedAt,
		e.AdmissionWard, e.AdmissionBed, e.Diagnosis,
		e.DischargedAt, e.DischargeKind, e.DischargeBed, e.DischargeDiagnosis,
		e.StayHours, e.StayDays,
		e.IsActive, e.CreatedAt, e.UpdatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("patient already has an active admission")
		}
		return errors.Wrap(err, "failed to save episode")
	}

	if err := r.updatePatient(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// SaveEpisode updates an existing episode and the patient in one
// transaction. Reopening an episode hits the same partial unique index
// as admission, so a concurrent re-admission surfaces as a conflict.
func (r *PostgresRepository) SaveEpisode(ctx context.Context, p *domain.Patient, e *domain.AdmissionEpisode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE records.admission_episodes SET
			discharged_at = $2, discharge_kind = $3,
			discharge_bed = $4, discharge_diagnosis = $5,
			stay_hours = $6, stay_days = $7,
			is_active = $8, updated_at = $9
		WHERE id = $1`

	result, err := tx.Exec(ctx, query,
		e.ID, e.DischargedAt, e.DischargeKind,
		e.DischargeBed, e.DischargeDiagnosis,
		e.StayHours, e.StayDays,
		e.IsActive, e.UpdatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("patient already has an active admission")
		}
		return errors.Wrap(err, "failed to update episode")
	}

	if result.RowsAffected() == 0 {
		return errors.NotFound("episode", e.ID.String())
	}

	if err := r.updatePatient(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// SaveRecordNumber retires the previous current entry, inserts the new
// one and updates the patient in one transaction
func (r *PostgresRepository) SaveRecordNumber(ctx context.Context, p *domain.Patient, entry *domain.RecordNumberEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE records.record_number_entries SET is_current = false
		 WHERE patient_id = $1 AND is_current`, entry.PatientID)
	if err != nil {
		return errors.Wrap(err, "failed to retire current record number")
	}

	query := `
		INSERT INTO records.record_number_entries (
			id, patient_id, record_number, previous_number,
			effective_at, reason, is_current, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = tx.Exec(ctx, query,
		entry.ID, entry.PatientID, entry.RecordNumber, entry.PreviousNumber,
		entry.EffectiveAt, entry.Reason, entry.IsCurrent, entry.CreatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("record number entry already exists")
		}
		return errors.Wrap(err, "failed to save record number entry")
	}

	if err := r.updatePatient(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// SavePatient updates the patient projection alone
func (r *PostgresRepository) SavePatient(ctx context.Context, p *domain.Patient) error {
	return r.updatePatient(ctx, r.pool, p)
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *PostgresRepository) updatePatient(ctx context.Context, q execer, p *domain.Patient) error {
	query := `
		UPDATE records.patients SET
			status = $2, ward = $3, bed = $4,
			current_record_number = $5, current_admission_id = $6,
			total_admissions = $7, total_inpatient_days = $8, last_admission_at = $9,
			updated_at = $10
		WHERE id = $1`

	result, err := q.Exec(ctx, query,
		p.ID, p.Status, p.Ward, p.Bed,
		p.CurrentRecordNumber, p.CurrentAdmissionID,
		p.TotalAdmissions, p.TotalInpatientDays, p.LastAdmissionAt,
		p.UpdatedAt,
	)

	if err != nil {
		return errors.Wrap(err, "failed to update patient")
	}

	if result.RowsAffected() == 0 {
		return errors.NotFound("patient", p.ID.String())
	}

	return nil
}
