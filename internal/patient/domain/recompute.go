package domain

import "time"

// Recompute rebuilds every denormalized field of the patient from the
// two ledgers. It is pure over its inputs and idempotent: running it on
// an already consistent patient changes nothing, and it is the only
// sanctioned repair path for projection drift.
func Recompute(p *Patient, episodes []AdmissionEpisode, entries []RecordNumberEntry) {
	count := 0
	days := 0
	var active *AdmissionEpisode
	var lastAdmission *time.Time
	for i := range episodes {
		e := &episodes[i]
		if e.PatientID != p.ID {
			continue
		}
		count++
		if e.IsActive {
			active = e
		} else if e.StayDays != nil {
			days += *e.StayDays
		}
		if lastAdmission == nil || e.AdmittedAt.After(*lastAdmission) {
			at := e.AdmittedAt
			lastAdmission = &at
		}
	}
	p.TotalAdmissions = count
	p.TotalInpatientDays = days
	p.LastAdmissionAt = lastAdmission

	if active != nil {
		id := active.ID
		p.CurrentAdmissionID = &id
		p.Ward = cloneStr(active.AdmissionWard)
		p.Bed = cloneStr(active.AdmissionBed)
		if !p.Status.Admitted() {
			if active.Kind == AdmissionEmergency {
				p.Status = StatusEmergency
			} else {
				p.Status = StatusInpatient
			}
		}
	} else {
		p.CurrentAdmissionID = nil
		p.Ward = nil
		p.Bed = nil
		if p.Status.Admitted() {
			p.Status = StatusOutpatient
		}
	}

	p.CurrentRecordNumber = ""
	for i := range entries {
		entry := &entries[i]
		if entry.PatientID == p.ID && entry.IsCurrent {
			p.CurrentRecordNumber = entry.RecordNumber
			break
		}
	}

	p.UpdatedAt = time.Now().UTC()
}
