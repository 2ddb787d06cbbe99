package infrastructure

import (
	"context"
	"sort"
	"sync"

	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// MemoryRepository implements domain.Repository in memory. It backs the
// service's limited mode when no database is configured, and the test
// suites. It enforces the same one-active-episode and one-current-number
// rules the database indexes do.
type MemoryRepository struct {
	mu       sync.RWMutex
	patients map[types.ID]*domain.Patient
	episodes map[types.ID]*domain.AdmissionEpisode
	entries  map[types.ID]*domain.RecordNumberEntry
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients: make(map[types.ID]*domain.Patient),
		episodes: make(map[types.ID]*domain.AdmissionEpisode),
		entries:  make(map[types.ID]*domain.RecordNumberEntry),
	}
}

// CreatePatient saves a new patient
func (r *MemoryRepository) CreatePatient(ctx context.Context, p *domain.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.patients[p.ID]; ok {
		return errors.Conflict("patient already exists")
	}
	if p.LegacyID != nil {
		for _, other := range r.patients {
			if other.LegacyID != nil && *other.LegacyID == *p.LegacyID {
				return errors.Conflict("patient with this legacy id already exists")
			}
		}
	}

	cp := *p
	r.patients[p.ID] = &cp
	return nil
}

// FindPatient finds a patient by ID
func (r *MemoryRepository) FindPatient(ctx context.Context, id types.ID) (*domain.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, errors.NotFound("patient", id.String())
	}
	cp := *p
	return &cp, nil
}

// FindPatientByRecordNumber finds the patient whose current record
// number matches
func (r *MemoryRepository) FindPatientByRecordNumber(ctx context.Context, recordNumber string) (*domain.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.entries {
		if entry.IsCurrent && entry.RecordNumber == recordNumber {
			if p, ok := r.patients[entry.PatientID]; ok {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, errors.NotFound("patient", recordNumber)
}

// FindPatientByLegacyID finds a patient by its legacy system key
func (r *MemoryRepository) FindPatientByLegacyID(ctx context.Context, legacyID string) (*domain.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.patients {
		if p.LegacyID != nil && *p.LegacyID == legacyID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.NotFound("patient", legacyID)
}

// ListPatients lists patients ordered by creation time, newest first
func (r *MemoryRepository) ListPatients(ctx context.Context, limit, offset int) ([]domain.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	patients := make([]domain.Patient, 0, len(r.patients))
	for _, p := range r.patients {
		patients = append(patients, *p)
	}
	sort.Slice(patients, func(i, j int) bool {
		return patients[i].CreatedAt.After(patients[j].CreatedAt)
	})

	if offset >= len(patients) {
		return nil, nil
	}
	end := offset + limit
	if end > len(patients) {
		end = len(patients)
	}
	return patients[offset:end], nil
}

// FindEpisode finds an episode by ID
func (r *MemoryRepository) FindEpisode(ctx context.Context, id types.ID) (*domain.AdmissionEpisode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.episodes[id]
	if !ok {
		return nil, errors.NotFound("episode", id.String())
	}
	cp := *e
	return &cp, nil
}

// ActiveEpisode returns the patient's active episode, or nil when none
func (r *MemoryRepository) ActiveEpisode(ctx context.Context, patientID types.ID) (*domain.AdmissionEpisode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := r.activeEpisodeLocked(patientID); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) activeEpisodeLocked(patientID types.ID) *domain.AdmissionEpisode {
	for _, e := range r.episodes {
		if e.PatientID == patientID && e.IsActive {
			return e
		}
	}
	return nil
}

// ListEpisodes lists the patient's admission ledger, newest first
func (r *MemoryRepository) ListEpisodes(ctx context.Context, patientID types.ID) ([]domain.AdmissionEpisode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var episodes []domain.AdmissionEpisode
	for _, e := range r.episodes {
		if e.PatientID == patientID {
			episodes = append(episodes, *e)
		}
	}
	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].AdmittedAt.After(episodes[j].AdmittedAt)
	})
	return episodes, nil
}

// ListRecordNumbers lists the patient's record number ledger, newest first
func (r *MemoryRepository) ListRecordNumbers(ctx context.Context, patientID types.ID) ([]domain.RecordNumberEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []domain.RecordNumberEntry
	for _, entry := range r.entries {
		if entry.PatientID == patientID {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EffectiveAt.After(entries[j].EffectiveAt)
	})
	return entries, nil
}

// SaveAdmission inserts the new episode and updates the patient
func (r *MemoryRepository) SaveAdmission(ctx context.Context, p *domain.Patient, e *domain.AdmissionEpisode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.patients[p.ID]; !ok {
		return errors.NotFound("patient", p.ID.String())
	}
	if existing := r.activeEpisodeLocked(e.PatientID); existing != nil && existing.ID != e.ID {
		return errors.Conflict("patient already has an active admission")
	}

	ce := *e
	cp := *p
	r.episodes[e.ID] = &ce
	r.patients[p.ID] = &cp
	return nil
}

// SaveEpisode updates an existing episode and the patient
func (r *MemoryRepository) SaveEpisode(ctx context.Context, p *domain.Patient, e *domain.AdmissionEpisode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.episodes[e.ID]; !ok {
		return errors.NotFound("episode", e.ID.String())
	}
	if _, ok := r.patients[p.ID]; !ok {
		return errors.NotFound("patient", p.ID.String())
	}
	if e.IsActive {
		if existing := r.activeEpisodeLocked(e.PatientID); existing != nil && existing.ID != e.ID {
			return errors.Conflict("patient already has an active admission")
		}
	}

	ce := *e
	cp := *p
	r.episodes[e.ID] = &ce
	r.patients[p.ID] = &cp
	return nil
}

// SaveRecordNumber retires the previous current entry, inserts the new
// one and updates the patient
func (r *MemoryRepository) SaveRecordNumber(ctx context.Context, p *domain.Patient, entry *domain.RecordNumberEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.patients[p.ID]; !ok {
		return errors.NotFound("patient", p.ID.String())
	}

	for _, other := range r.entries {
		if other.PatientID == entry.PatientID && other.IsCurrent {
			other.IsCurrent = false
		}
	}

	ce := *entry
	cp := *p
	r.entries[entry.ID] = &ce
	r.patients[p.ID] = &cp
	return nil
}

// SavePatient updates the patient projection alone
func (r *MemoryRepository) SavePatient(ctx context.Context, p *domain.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.patients[p.ID]; !ok {
		return errors.NotFound("patient", p.ID.String())
	}
	cp := *p
	r.patients[p.ID] = &cp
	return nil
}
