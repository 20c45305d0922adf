// Package mpi implements the Master Patient Index store: the persistence
// layer for Person clusters, Patient observations, and the BlockingValue
// rows derived from them.
package mpi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthlink/mpi/internal/blocking"
	"github.com/healthlink/mpi/pkg/models"
)

// Store is the repository for all MPI persistence operations, wrapping a
// pgx connection pool the way chainlens's explorer.Repository wraps one
// for block/transaction data.
type Store struct {
	pool       *pgxpool.Pool
	allowReset bool
}

func NewStore(pool *pgxpool.Pool, allowReset bool) *Store {
	return &Store{pool: pool, allowReset: allowReset}
}

// InsertPatient creates a new Patient row, deriving and persisting its
// blocking values, and linking it to person (creating one first if nil).
func (s *Store) InsertPatient(ctx context.Context, rec models.PIIRecord, person *models.Person, externalPatientID string) (*models.Patient, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("mpi: begin insert_patient: %w", err)
	}
	defer tx.Rollback(ctx)

	if person == nil {
		person, err = insertPerson(ctx, tx)
		if err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("mpi: marshal patient data: %w", err)
	}

	patient := &models.Patient{
		ReferenceID:       uuid.NewString(),
		PersonID:          person.ID,
		PersonReferenceID: person.ReferenceID,
		Data:              rec,
		ExternalPatientID: externalPatientID,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO patient (reference_id, person_id, data, external_patient_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		patient.ReferenceID, patient.PersonID, data, patient.ExternalPatientID,
	).Scan(&patient.ID, &patient.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("mpi: insert patient: %w", err)
	}

	if err := insertBlockingValues(ctx, tx, patient.ID, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mpi: commit insert_patient: %w", err)
	}
	return patient, nil
}

// BulkInsertPatients inserts many patients in one round trip via
// pgx.Batch, returning results in the same order as records, matching
// the teacher's InsertBlocks batch-then-scan-in-order idiom. Every
// patient in the batch is linked to the same person.
func (s *Store) BulkInsertPatients(ctx context.Context, records []models.PIIRecord, person *models.Person) ([]*models.Patient, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("mpi: begin bulk_insert_patients: %w", err)
	}
	defer tx.Rollback(ctx)

	if person == nil {
		person, err = insertPerson(ctx, tx)
		if err != nil {
			return nil, err
		}
	}

	batch := &pgx.Batch{}
	patients := make([]*models.Patient, len(records))
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("mpi: marshal patient data at index %d: %w", i, err)
		}
		patients[i] = &models.Patient{
			ReferenceID:       uuid.NewString(),
			PersonID:          person.ID,
			PersonReferenceID: person.ReferenceID,
			Data:              rec,
		}
		batch.Queue(`
			INSERT INTO patient (reference_id, person_id, data)
			VALUES ($1, $2, $3)
			RETURNING id, created_at`,
			patients[i].ReferenceID, patients[i].PersonID, data,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range patients {
		if err := br.QueryRow().Scan(&patients[i].ID, &patients[i].CreatedAt); err != nil {
			br.Close()
			return nil, fmt.Errorf("mpi: bulk insert row %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("mpi: close batch: %w", err)
	}

	for i, p := range patients {
		if err := insertBlockingValues(ctx, tx, p.ID, records[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mpi: commit bulk_insert_patients: %w", err)
	}
	return patients, nil
}

// UpdatePatient replaces a patient's demographic data and regenerates its
// blocking values to match.
func (s *Store) UpdatePatient(ctx context.Context, referenceID string, rec models.PIIRecord) (*models.Patient, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("mpi: begin update_patient: %w", err)
	}
	defer tx.Rollback(ctx)

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("mpi: marshal patient data: %w", err)
	}

	patient := &models.Patient{ReferenceID: referenceID, Data: rec}
	err = tx.QueryRow(ctx, `
		UPDATE patient SET data = $2
		WHERE reference_id = $1
		RETURNING id, person_id, created_at`,
		referenceID, data,
	).Scan(&patient.ID, &patient.PersonID, &patient.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mpi: update patient: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM blocking_value WHERE patient_id = $1`, patient.ID); err != nil {
		return nil, fmt.Errorf("mpi: clear blocking values: %w", err)
	}
	if err := insertBlockingValues(ctx, tx, patient.ID, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mpi: commit update_patient: %w", err)
	}
	return patient, nil
}

// UpdatePersonCluster reassigns every given patient to person, creating a
// new Person first if person is nil. A single patient is simply a
// one-element slice; see DESIGN.md for why this module doesn't carry a
// separate single-patient overload.
func (s *Store) UpdatePersonCluster(ctx context.Context, patientIDs []int64, person *models.Person) (*models.Person, error) {
	if len(patientIDs) == 0 {
		return person, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("mpi: begin update_person_cluster: %w", err)
	}
	defer tx.Rollback(ctx)

	if person == nil {
		person, err = insertPerson(ctx, tx)
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE patient SET person_id = $1 WHERE id = ANY($2)`, person.ID, patientIDs); err != nil {
		return nil, fmt.Errorf("mpi: reassign patients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mpi: commit update_person_cluster: %w", err)
	}
	return person, nil
}

// UpdatePatientPersonIDs reattaches every patient currently clustered
// under any of oldPersonIDs to person. It is the bulk merge primitive
// behind collapsing two or more Person clusters discovered to be the
// same real-world individual into one.
func (s *Store) UpdatePatientPersonIDs(ctx context.Context, person *models.Person, oldPersonIDs []int64) error {
	if len(oldPersonIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE patient SET person_id = $1
		WHERE person_id = ANY($2)`,
		person.ID, oldPersonIDs,
	)
	if err != nil {
		return fmt.Errorf("mpi: update_patient_person_ids: %w", err)
	}
	return nil
}

// DeletePatient removes a patient and its blocking values. It never
// deletes the patient's Person, even if that leaves the Person without
// any patients: orphan cleanup is a separate, explicit operation.
func (s *Store) DeletePatient(ctx context.Context, referenceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM patient WHERE reference_id = $1`, referenceID)
	if err != nil {
		return fmt.Errorf("mpi: delete_patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

// DeletePersons removes the given persons. Deleting a Person with any
// attached Patient is forbidden: it fails the whole batch with
// ErrPersonHasPatients rather than silently orphaning those patients.
func (s *Store) DeletePersons(ctx context.Context, referenceIDs []string) error {
	if len(referenceIDs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("mpi: begin delete_persons: %w", err)
	}
	defer tx.Rollback(ctx)

	var attached int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM patient p
		JOIN person per ON per.id = p.person_id
		WHERE per.reference_id = ANY($1)`, referenceIDs,
	).Scan(&attached)
	if err != nil {
		return fmt.Errorf("mpi: check attached patients: %w", err)
	}
	if attached > 0 {
		return ErrPersonHasPatients
	}

	if _, err := tx.Exec(ctx, `DELETE FROM person WHERE reference_id = ANY($1)`, referenceIDs); err != nil {
		return fmt.Errorf("mpi: delete_persons: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("mpi: commit delete_persons: %w", err)
	}
	return nil
}

// GetPatientsByReferenceIDs fetches patients in bulk by their reference
// ids.
func (s *Store) GetPatientsByReferenceIDs(ctx context.Context, referenceIDs []string) ([]*models.Patient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.reference_id, p.person_id, per.reference_id, p.data,
		       p.external_patient_id, p.external_person_id, p.external_person_source, p.created_at
		FROM patient p
		JOIN person per ON per.id = p.person_id
		WHERE p.reference_id = ANY($1)`, referenceIDs)
	if err != nil {
		return nil, fmt.Errorf("mpi: get_patients_by_reference_ids: %w", err)
	}
	defer rows.Close()

	var out []*models.Patient
	for rows.Next() {
		p := &models.Patient{}
		var raw []byte
		if err := rows.Scan(&p.ID, &p.ReferenceID, &p.PersonID, &p.PersonReferenceID, &raw,
			&p.ExternalPatientID, &p.ExternalPersonID, &p.ExternalPersonSource, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("mpi: scan patient: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Data); err != nil {
			return nil, fmt.Errorf("mpi: decode patient data: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPersonByReferenceID fetches a single person.
func (s *Store) GetPersonByReferenceID(ctx context.Context, referenceID string) (*models.Person, error) {
	person := &models.Person{ReferenceID: referenceID}
	err := s.pool.QueryRow(ctx, `SELECT id, created_at FROM person WHERE reference_id = $1`, referenceID).
		Scan(&person.ID, &person.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPersonNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mpi: get_person_by_reference_id: %w", err)
	}
	return person, nil
}

// GetOrphanedPatients returns patients whose person_id is null, paginated
// by reference id for a stable cursor across calls.
func (s *Store) GetOrphanedPatients(ctx context.Context, limit int, cursor string) ([]*models.Patient, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, reference_id, data, external_patient_id, created_at
		FROM patient
		WHERE person_id IS NULL AND reference_id > $1
		ORDER BY reference_id
		LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("mpi: get_orphaned_patients: %w", err)
	}
	defer rows.Close()

	var out []*models.Patient
	for rows.Next() {
		p := &models.Patient{}
		var raw []byte
		if err := rows.Scan(&p.ID, &p.ReferenceID, &raw, &p.ExternalPatientID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("mpi: scan orphan: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Data); err != nil {
			return nil, fmt.Errorf("mpi: decode orphan data: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reset truncates every MPI table. Guarded by allowReset, since this is a
// destructive, test/demo-only operation the original system also scopes
// tightly.
func (s *Store) Reset(ctx context.Context) error {
	if !s.allowReset {
		return ErrResetNotAllowed
	}
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE blocking_value, patient, person RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("mpi: reset_mpi: %w", err)
	}
	return nil
}

// GetBlockData delegates candidate retrieval to the blocking package,
// which owns the join/disagreement-filtering logic. It is exposed here
// so the matching engine only needs to depend on *mpi.Store.
func (s *Store) GetBlockData(ctx context.Context, rec *models.PIIRecord, keys []models.BlockingKey, maxMissingAllowedProportion float64) ([]blocking.CandidatePatient, error) {
	return blocking.NewStore(s.pool).GetBlockData(ctx, rec, keys, maxMissingAllowedProportion)
}

func insertPerson(ctx context.Context, tx pgx.Tx) (*models.Person, error) {
	person := &models.Person{ReferenceID: uuid.NewString()}
	err := tx.QueryRow(ctx, `
		INSERT INTO person (reference_id) VALUES ($1)
		RETURNING id, created_at`, person.ReferenceID,
	).Scan(&person.ID, &person.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("mpi: insert person: %w", err)
	}
	return person, nil
}

func insertBlockingValues(ctx context.Context, tx pgx.Tx, patientID int64, rec models.PIIRecord) error {
	values := blocking.DeriveBlockingValues(&rec, blocking.AllKeys)
	if len(values) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range values {
		batch.Queue(`INSERT INTO blocking_value (patient_id, blocking_key, value) VALUES ($1, $2, $3)`,
			patientID, int(v.BlockingKey), v.Value)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range values {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("mpi: insert blocking values: %w", err)
		}
	}
	return nil
}
