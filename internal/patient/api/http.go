package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carlosapgomes/eqmd/internal/adapters/legacy"
	"github.com/carlosapgomes/eqmd/internal/lifecycle"
	"github.com/carlosapgomes/eqmd/internal/patient/domain"
	"github.com/carlosapgomes/eqmd/internal/reconcile"
	"github.com/carlosapgomes/eqmd/internal/shared/auth"
	"github.com/carlosapgomes/eqmd/internal/shared/errors"
	"github.com/carlosapgomes/eqmd/internal/shared/types"
)

// Handler provides HTTP handlers for the patient module. Reads go to
// the repository; every mutation goes through the lifecycle engine.
type Handler struct {
	repo       domain.Repository
	engine     *lifecycle.Service
	reconciler *reconcile.Service
	batch      *reconcile.Batch
}

// NewHandler creates a new patient handler. batch may be nil when no
// legacy feed is configured.
func NewHandler(repo domain.Repository, engine *lifecycle.Service, reconciler *reconcile.Service, batch *reconcile.Batch) *Handler {
	return &Handler{repo: repo, engine: engine, reconciler: reconciler, batch: batch}
}

// Routes registers the patient routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListPatients)
	r.Post("/", h.CreatePatient)

	r.Route("/{patientID}", func(r chi.Router) {
		r.Get("/", h.GetPatient)

		// Lifecycle transitions
		r.Post("/admit", h.Admit)
		r.Post("/discharge", h.Discharge)
		r.Post("/death", h.DeclareDeath)
		r.Post("/outpatient", h.SetOutpatient)
		r.Post("/refresh", h.Refresh)
		r.Post("/record-number", h.AssignRecordNumber)

		// Ledgers
		r.Get("/episodes", h.ListEpisodes)
		r.Get("/record-numbers", h.ListRecordNumbers)

		r.Route("/episodes/{episodeID}", func(r chi.Router) {
			r.Get("/", h.GetEpisode)
			r.Post("/cancel-discharge", h.CancelDischarge)
		})
	})

	return r
}

// ReconcileRoutes registers the reconciliation routes
func (h *Handler) ReconcileRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Reconcile)
	r.Post("/batch", h.RunBatch)

	return r
}

// --- Request/Response types ---

type CreatePatientRequest struct {
	RecordNumber string  `json:"record_number,omitempty"`
	LegacyID     *string `json:"legacy_id,omitempty"`
}

type AdmitRequest struct {
	Kind       domain.AdmissionKind `json:"kind"`
	AdmittedAt *time.Time           `json:"admitted_at,omitempty"`
	Ward       *string              `json:"ward,omitempty"`
	Bed        *string              `json:"bed,omitempty"`
	Diagnosis  string               `json:"diagnosis,omitempty"`
}

type DischargeRequest struct {
	Kind         domain.DischargeKind `json:"kind"`
	DischargedAt *time.Time           `json:"discharged_at,omitempty"`
	Bed          *string              `json:"bed,omitempty"`
	Diagnosis    *string              `json:"diagnosis,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

type CancelDischargeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DeclareDeathRequest struct {
	At     *time.Time `json:"at,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

type SetOutpatientRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AssignRecordNumberRequest struct {
	RecordNumber string     `json:"record_number"`
	EffectiveAt  *time.Time `json:"effective_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

type ReconcileRequest struct {
	PatientKey        string     `json:"patient_key"`
	DeclaredStatus    string     `json:"declared_status"`
	LastAdmissionDate *time.Time `json:"last_admission_date,omitempty"`
}

type RunBatchRequest struct {
	Cursor string `json:"cursor,omitempty"`
}

// EpisodeResponse wraps an episode with the elapsed stay of an active
// admission
type EpisodeResponse struct {
	*domain.AdmissionEpisode
	CurrentDuration *domain.StayDuration `json:"current_duration,omitempty"`
}

// --- Handlers ---

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)

	patients, err := h.repo.ListPatients(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"patients": patients})
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	p, err := h.engine.CreatePatient(r.Context(), lifecycle.CreatePatientParams{
		RecordNumber: req.RecordNumber,
		LegacyID:     req.LegacyID,
	}, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	p, err := h.repo.FindPatient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	params := domain.EpisodeParams{
		Kind:      req.Kind,
		Ward:      req.Ward,
		Bed:       req.Bed,
		Diagnosis: req.Diagnosis,
	}
	if req.AdmittedAt != nil {
		params.AdmittedAt = *req.AdmittedAt
	}

	episode, err := h.engine.Admit(r.Context(), id, params, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, episode)
}

func (h *Handler) Discharge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	var req DischargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	params := lifecycle.DischargeParams{
		Kind:      req.Kind,
		Bed:       req.Bed,
		Diagnosis: req.Diagnosis,
		Reason:    req.Reason,
	}
	if req.DischargedAt != nil {
		params.DischargedAt = *req.DischargedAt
	}

	episode, err := h.engine.Discharge(r.Context(), id, params, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, episode)
}

func (h *Handler) CancelDischarge(w http.ResponseWriter, r *http.Request) {
	episodeID, ok := pathID(w, r, "episodeID")
	if !ok {
		return
	}

	var req CancelDischargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	episode, err := h.engine.CancelDischarge(r.Context(), episodeID, req.Reason, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, episode)
}

func (h *Handler) DeclareDeath(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	var req DeclareDeathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	at := time.Time{}
	if req.At != nil {
		at = *req.At
	}

	if err := h.engine.DeclareDeath(r.Context(), id, at, req.Reason, auth.Actor(r.Context())); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.repo.FindPatient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) SetOutpatient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	var req SetOutpatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if err := h.engine.SetOutpatient(r.Context(), id, req.Reason, auth.Actor(r.Context())); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.repo.FindPatient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	p, err := h.engine.Refresh(r.Context(), id, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) AssignRecordNumber(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	var req AssignRecordNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	params := domain.RecordNumberParams{
		RecordNumber: req.RecordNumber,
		Reason:       req.Reason,
	}
	if req.EffectiveAt != nil {
		params.EffectiveAt = *req.EffectiveAt
	}

	if err := h.engine.AssignRecordNumber(r.Context(), id, params, auth.Actor(r.Context())); err != nil {
		writeError(w, err)
		return
	}

	p, err := h.repo.FindPatient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	episodes, err := h.repo.ListEpisodes(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	responses := make([]EpisodeResponse, 0, len(episodes))
	for i := range episodes {
		responses = append(responses, EpisodeResponse{
			AdmissionEpisode: &episodes[i],
			CurrentDuration:  episodes[i].CurrentDuration(now),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"episodes": responses})
}

func (h *Handler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	episodeID, ok := pathID(w, r, "episodeID")
	if !ok {
		return
	}

	episode, err := h.repo.FindEpisode(r.Context(), episodeID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EpisodeResponse{
		AdmissionEpisode: episode,
		CurrentDuration:  episode.CurrentDuration(time.Now().UTC()),
	})
}

func (h *Handler) ListRecordNumbers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "patientID")
	if !ok {
		return
	}

	entries, err := h.repo.ListRecordNumbers(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"record_numbers": entries})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), legacy.StatusRecord{
		PatientKey:        req.PatientKey,
		DeclaredStatus:    req.DeclaredStatus,
		LastAdmissionDate: req.LastAdmissionDate,
	}, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		writeError(w, errors.State("no legacy feed is configured"))
		return
	}

	var req RunBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	summary, err := h.batch.Run(r.Context(), req.Cursor)
	if err != nil {
		// Partial progress is still useful to the caller
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// --- Helpers ---

func pathID(w http.ResponseWriter, r *http.Request, param string) (types.ID, bool) {
	id, err := types.ParseID(chi.URLParam(r, param))
	if err != nil {
		writeError(w, errors.BadRequest("invalid "+param))
		return "", false
	}
	return id, true
}

func paging(r *http.Request) (limit, offset int) {
	limit = 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
