package tuning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthlink/mpi/pkg/models"
)

// Repository is the pgx-backed PairSource/Recorder a production
// Supervisor runs against: true-match pairs are sampled from patients
// already clustered under the same Person, non-match pairs from patients
// under different Persons, and job state is persisted to a
// tuning_job row for audit/history.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TrueMatchPairs samples pairs of patients sharing a Person cluster,
// the closest a labeled dataset comes to a known-true match without a
// separate curated truth set.
func (r *Repository) TrueMatchPairs(ctx context.Context) ([]Pair, error) {
	return r.pairsWhere(ctx, `
		SELECT a.data, b.data
		FROM patient a
		JOIN patient b ON b.person_id = a.person_id AND b.id > a.id
		LIMIT 500`)
}

// NonMatchPairs samples pairs of patients under different Person
// clusters.
func (r *Repository) NonMatchPairs(ctx context.Context) ([]Pair, error) {
	return r.pairsWhere(ctx, `
		SELECT a.data, b.data
		FROM patient a
		JOIN patient b ON b.person_id <> a.person_id AND b.id > a.id
		LIMIT 500`)
}

func (r *Repository) pairsWhere(ctx context.Context, query string) ([]Pair, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tuning: load pairs: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var rawA, rawB []byte
		if err := rows.Scan(&rawA, &rawB); err != nil {
			return nil, fmt.Errorf("tuning: scan pair: %w", err)
		}
		var a, b models.PIIRecord
		if err := json.Unmarshal(rawA, &a); err != nil {
			return nil, fmt.Errorf("tuning: decode pair member a: %w", err)
		}
		if err := json.Unmarshal(rawB, &b); err != nil {
			return nil, fmt.Errorf("tuning: decode pair member b: %w", err)
		}
		out = append(out, Pair{A: &a, B: &b})
	}
	return out, rows.Err()
}

// SaveJob upserts a tuning_job row keyed by id, recording every status
// transition the Supervisor reports.
func (r *Repository) SaveJob(ctx context.Context, job models.TuningJob) error {
	var resultsRaw []byte
	var err error
	if job.Results != nil {
		resultsRaw, err = json.Marshal(job.Results)
		if err != nil {
			return fmt.Errorf("tuning: marshal results: %w", err)
		}
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO tuning_job (id, status, true_match_pairs, non_match_pairs, results, failure_reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			results = EXCLUDED.results,
			failure_reason = EXCLUDED.failure_reason,
			finished_at = EXCLUDED.finished_at`,
		job.ID, job.Status, job.Params.TrueMatchPairs, job.Params.NonMatchPairs,
		resultsRaw, job.FailureReason, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("tuning: save_job: %w", err)
	}
	return nil
}
