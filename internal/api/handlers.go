package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/healthlink/mpi/internal/algorithm"
	"github.com/healthlink/mpi/internal/matching"
	"github.com/healthlink/mpi/internal/mpi"
	"github.com/healthlink/mpi/internal/tuning"
	"github.com/healthlink/mpi/pkg/models"
)

// Handlers contains all HTTP handlers for the linkage service.
type Handlers struct {
	store     *mpi.Store
	algoStore *algorithm.Store
	tuning    *tuning.Supervisor
}

// NewHandlers creates new handlers.
func NewHandlers(store *mpi.Store, algoStore *algorithm.Store, sup *tuning.Supervisor) *Handlers {
	return &Handlers{store: store, algoStore: algoStore, tuning: sup}
}

// HealthCheck handles health check requests.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "mpi-linker",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// linkRequest is the payload for POST /api/v1/link.
type linkRequest struct {
	Record         models.PIIRecord `json:"record"`
	AlgorithmLabel string            `json:"algorithm_label,omitempty"`
}

// linkResponse is the external LinkResponse contract: the overall
// prediction, the Person and Patient the record was attached to, and
// every candidate cluster that reached at least "possible" on some pass.
type linkResponse struct {
	Prediction         matching.Prediction      `json:"prediction"`
	PersonReferenceID  string                   `json:"person_reference_id,omitempty"`
	PatientReferenceID string                   `json:"patient_reference_id"`
	Results            []matching.ClusterResult `json:"results"`
}

// LinkRecord runs the configured algorithm against an incoming record,
// grades every candidate Person cluster it surfaces, and attaches the
// record to the matched Person (if the grading is an unambiguous match)
// or to a newly created Person otherwise (possible_match and no_match
// are never linked to an existing Person, per the matching design).
func (h *Handlers) LinkRecord(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var algo *models.Algorithm
	var err error
	if req.AlgorithmLabel != "" {
		algo, err = h.algoStore.Get(r.Context(), req.AlgorithmLabel)
	} else {
		algo, err = h.algoStore.GetDefault(r.Context())
	}
	if err != nil {
		respondError(w, http.StatusNotFound, "no algorithm configured")
		return
	}

	engine := matching.NewEngine(h.store)
	results, err := engine.Link(r.Context(), *algo, &req.Record)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	prediction, chosen := matching.Decide(results, algo.IncludeMultipleMatches)

	var person *models.Person
	status := http.StatusCreated
	if prediction == matching.PredictionMatch {
		person = &models.Person{ID: chosen.PersonID, ReferenceID: chosen.PersonReferenceID}
		status = http.StatusOK
	}

	patient, err := h.store.InsertPatient(r.Context(), req.Record, person, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respond(w, status, linkResponse{
		Prediction:         prediction,
		PersonReferenceID:  patient.PersonReferenceID,
		PatientReferenceID: patient.ReferenceID,
		Results:            results,
	})
}

// maxSeedClusters bounds how many Person clusters a single seed request
// may create, keeping one request's transaction count bounded.
const maxSeedClusters = 100

// seedCluster is one ClusterGroup entry: a set of records that all
// belong to the same, possibly new, Person.
type seedCluster struct {
	Records          []models.PIIRecord `json:"records"`
	ExternalPersonID string              `json:"external_person_id,omitempty"`
}

// seedPatientSummary is one Patient's projection in a PersonGroup.
type seedPatientSummary struct {
	PatientReferenceID string `json:"patient_reference_id"`
	ExternalPatientID  string `json:"external_patient_id,omitempty"`
}

// seedPersonSummary is one Person's projection in a PersonGroup.
type seedPersonSummary struct {
	PersonReferenceID string               `json:"person_reference_id"`
	ExternalPersonID  string               `json:"external_person_id,omitempty"`
	Patients          []seedPatientSummary `json:"patients"`
}

// SeedPatients bulk-loads a ClusterGroup: each cluster's records are
// inserted as patients under their own new Person, for test/demo data
// loading. An empty cluster list or more than maxSeedClusters clusters
// is rejected outright.
func (h *Handlers) SeedPatients(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Clusters []seedCluster `json:"clusters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Clusters) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "clusters must not be empty")
		return
	}
	if len(req.Clusters) > maxSeedClusters {
		respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("clusters must not exceed %d", maxSeedClusters))
		return
	}
	for i, c := range req.Clusters {
		if len(c.Records) == 0 {
			respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("cluster %d: records must not be empty", i))
			return
		}
	}

	persons := make([]seedPersonSummary, 0, len(req.Clusters))
	for _, c := range req.Clusters {
		patients, err := h.store.BulkInsertPatients(r.Context(), c.Records, nil)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}

		summary := seedPersonSummary{ExternalPersonID: c.ExternalPersonID}
		for _, p := range patients {
			summary.PersonReferenceID = p.PersonReferenceID
			summary.Patients = append(summary.Patients, seedPatientSummary{
				PatientReferenceID: p.ReferenceID,
				ExternalPatientID:  p.ExternalPatientID,
			})
		}
		persons = append(persons, summary)
	}

	respond(w, http.StatusCreated, struct {
		Persons []seedPersonSummary `json:"persons"`
	}{persons})
}

// GetPatient fetches a single patient by reference id.
func (h *Handlers) GetPatient(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	patients, err := h.store.GetPatientsByReferenceIDs(r.Context(), []string{referenceID})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(patients) == 0 {
		respondError(w, http.StatusNotFound, "patient not found")
		return
	}
	respond(w, http.StatusOK, patients[0])
}

// UpdatePatient replaces a patient's demographic data.
func (h *Handlers) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	var rec models.PIIRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patient, err := h.store.UpdatePatient(r.Context(), referenceID, rec)
	if errors.Is(err, mpi.ErrPatientNotFound) {
		respondError(w, http.StatusNotFound, "patient not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, patient)
}

// DeletePatient removes a patient.
func (h *Handlers) DeletePatient(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	if err := h.store.DeletePatient(r.Context(), referenceID); errors.Is(err, mpi.ErrPatientNotFound) {
		respondError(w, http.StatusNotFound, "patient not found")
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetOrphanedPatients paginates through patients with no Person cluster.
func (h *Handlers) GetOrphanedPatients(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("cursor")
	patients, err := h.store.GetOrphanedPatients(r.Context(), limit, cursor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, patients)
}

// GetPerson fetches a single person by reference id.
func (h *Handlers) GetPerson(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	person, err := h.store.GetPersonByReferenceID(r.Context(), referenceID)
	if errors.Is(err, mpi.ErrPersonNotFound) {
		respondError(w, http.StatusNotFound, "person not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, person)
}

// DeletePersons removes the given persons. If any of them still has an
// attached patient, nothing is deleted and the request fails with 409.
func (h *Handlers) DeletePersons(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferenceIDs []string `json:"reference_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.store.DeletePersons(r.Context(), req.ReferenceIDs)
	if errors.Is(err, mpi.ErrPersonHasPatients) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAlgorithms returns summaries of every stored algorithm.
func (h *Handlers) ListAlgorithms(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.algoStore.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, summaries)
}

// CreateAlgorithm creates a new algorithm configuration.
func (h *Handlers) CreateAlgorithm(w http.ResponseWriter, r *http.Request) {
	var algo models.Algorithm
	if err := json.NewDecoder(r.Body).Decode(&algo); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := h.algoStore.Create(r.Context(), algo)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusCreated, created)
}

// GetAlgorithm fetches a single algorithm by label.
func (h *Handlers) GetAlgorithm(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	algo, err := h.algoStore.Get(r.Context(), label)
	if errors.Is(err, algorithm.ErrNotFound) {
		respondError(w, http.StatusNotFound, "algorithm not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, algo)
}

// UpdateAlgorithm replaces an algorithm's configuration and passes.
func (h *Handlers) UpdateAlgorithm(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	var algo models.Algorithm
	if err := json.NewDecoder(r.Body).Decode(&algo); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.algoStore.Update(r.Context(), label, algo)
	if errors.Is(err, algorithm.ErrNotFound) {
		respondError(w, http.StatusNotFound, "algorithm not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusOK, updated)
}

// DeleteAlgorithm removes an algorithm.
func (h *Handlers) DeleteAlgorithm(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	if err := h.algoStore.Delete(r.Context(), label); errors.Is(err, algorithm.ErrNotFound) {
		respondError(w, http.StatusNotFound, "algorithm not found")
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDefaultAlgorithm returns whichever algorithm is currently marked
// default.
func (h *Handlers) GetDefaultAlgorithm(w http.ResponseWriter, r *http.Request) {
	algo, err := h.algoStore.GetDefault(r.Context())
	if errors.Is(err, algorithm.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no default algorithm configured")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, algo)
}

// StartTuningJob launches a new tuning run.
func (h *Handlers) StartTuningJob(w http.ResponseWriter, r *http.Request) {
	var params models.TuningParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := h.tuning.Start(r.Context(), params)
	if errors.Is(err, tuning.ErrJobAlreadyRunning) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusAccepted, job)
}

// GetTuningJob returns the status of the most recently started tuning
// job.
func (h *Handlers) GetTuningJob(w http.ResponseWriter, r *http.Request) {
	job := h.tuning.Current()
	if job == nil {
		respondError(w, http.StatusNotFound, "no tuning job has been run")
		return
	}
	respond(w, http.StatusOK, job)
}

// ResetMPI truncates all MPI tables, when allowed by configuration.
func (h *Handlers) ResetMPI(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reset(r.Context()); errors.Is(err, mpi.ErrResetNotAllowed) {
		respondError(w, http.StatusForbidden, err.Error())
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}
