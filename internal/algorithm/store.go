package algorithm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthlink/mpi/pkg/models"
)

// Error mirrors the teacher's {Code, Message} error shape, used for
// conditions callers are expected to branch on.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var ErrNotFound = &Error{Code: "ALGORITHM_NOT_FOUND", Message: "algorithm not found"}

// Store is the CRUD repository for Algorithm configurations.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new Algorithm and its passes after validating it
// against the current default, all within one transaction so the
// at-most-one-default check sees a consistent view.
func (s *Store) Create(ctx context.Context, algo models.Algorithm) (*models.Algorithm, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("algorithm: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	existingDefault, err := currentDefault(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := ValidateAlgorithm(algo, existingDefault); err != nil {
		return nil, err
	}

	skipValues, err := json.Marshal(algo.SkipValues)
	if err != nil {
		return nil, fmt.Errorf("algorithm: marshal skip_values: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO algorithm
			(label, description, is_default, include_multiple_matches, belongingness_lower, belongingness_upper,
			 skip_values, max_missing_allowed_proportion, missing_field_points_proportion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		algo.Label, algo.Description, algo.IsDefault, algo.IncludeMultipleMatches,
		algo.BelongingnessRatio[0], algo.BelongingnessRatio[1],
		skipValues, algo.MaxMissingAllowedProportion, algo.MissingFieldPointsProportion,
	).Scan(&algo.ID)
	if err != nil {
		return nil, fmt.Errorf("algorithm: insert: %w", err)
	}

	if err := replacePasses(ctx, tx, algo.ID, algo.Passes); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("algorithm: commit create: %w", err)
	}
	return &algo, nil
}

// Update replaces description/defaults and atomically swaps the entire
// passes list of the algorithm stored under label; the label itself is
// not changed. The swap matches the original's
// cascade="all, delete-orphan" full-replacement semantics rather than a
// per-pass diff.
func (s *Store) Update(ctx context.Context, label string, algo models.Algorithm) (*models.Algorithm, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("algorithm: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `SELECT id FROM algorithm WHERE label = $1`, label).Scan(&algo.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("algorithm: lookup for update: %w", err)
	}

	existingDefault, err := currentDefault(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := ValidateAlgorithm(algo, existingDefault); err != nil {
		return nil, err
	}

	skipValues, err := json.Marshal(algo.SkipValues)
	if err != nil {
		return nil, fmt.Errorf("algorithm: marshal skip_values: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE algorithm
		SET description = $2, is_default = $3, include_multiple_matches = $4,
		    belongingness_lower = $5, belongingness_upper = $6,
		    skip_values = $7, max_missing_allowed_proportion = $8, missing_field_points_proportion = $9
		WHERE id = $1`,
		algo.ID, algo.Description, algo.IsDefault, algo.IncludeMultipleMatches,
		algo.BelongingnessRatio[0], algo.BelongingnessRatio[1],
		skipValues, algo.MaxMissingAllowedProportion, algo.MissingFieldPointsProportion,
	)
	if err != nil {
		return nil, fmt.Errorf("algorithm: update: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM algorithm_pass WHERE algorithm_id = $1`, algo.ID); err != nil {
		return nil, fmt.Errorf("algorithm: clear passes: %w", err)
	}
	if err := replacePasses(ctx, tx, algo.ID, algo.Passes); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("algorithm: commit update: %w", err)
	}
	algo.Label = label
	return &algo, nil
}

// Delete removes an algorithm and its passes (cascade).
func (s *Store) Delete(ctx context.Context, label string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM algorithm WHERE label = $1`, label)
	if err != nil {
		return fmt.Errorf("algorithm: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a full Algorithm, including its passes.
func (s *Store) Get(ctx context.Context, label string) (*models.Algorithm, error) {
	algo := &models.Algorithm{Label: label}
	var skipValuesRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, description, is_default, include_multiple_matches, belongingness_lower, belongingness_upper,
		       skip_values, max_missing_allowed_proportion, missing_field_points_proportion
		FROM algorithm WHERE label = $1`, label,
	).Scan(&algo.ID, &algo.Description, &algo.IsDefault, &algo.IncludeMultipleMatches,
		&algo.BelongingnessRatio[0], &algo.BelongingnessRatio[1],
		&skipValuesRaw, &algo.MaxMissingAllowedProportion, &algo.MissingFieldPointsProportion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("algorithm: get: %w", err)
	}
	if len(skipValuesRaw) > 0 {
		if err := json.Unmarshal(skipValuesRaw, &algo.SkipValues); err != nil {
			return nil, fmt.Errorf("algorithm: decode skip_values: %w", err)
		}
	}

	passes, err := loadPasses(ctx, s.pool, algo.ID)
	if err != nil {
		return nil, err
	}
	algo.Passes = passes
	return algo, nil
}

// GetDefault fetches whichever algorithm is currently marked default.
func (s *Store) GetDefault(ctx context.Context) (*models.Algorithm, error) {
	var label string
	err := s.pool.QueryRow(ctx, `SELECT label FROM algorithm WHERE is_default = true LIMIT 1`).Scan(&label)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("algorithm: get_default: %w", err)
	}
	return s.Get(ctx, label)
}

// List returns summary projections of every stored algorithm.
func (s *Store) List(ctx context.Context) ([]models.AlgorithmSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.label, a.description, a.is_default, count(p.id)
		FROM algorithm a
		LEFT JOIN algorithm_pass p ON p.algorithm_id = a.id
		GROUP BY a.id
		ORDER BY a.label`)
	if err != nil {
		return nil, fmt.Errorf("algorithm: list: %w", err)
	}
	defer rows.Close()

	var out []models.AlgorithmSummary
	for rows.Next() {
		var sum models.AlgorithmSummary
		if err := rows.Scan(&sum.ID, &sum.Label, &sum.Description, &sum.IsDefault, &sum.PassCount); err != nil {
			return nil, fmt.Errorf("algorithm: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func currentDefault(ctx context.Context, tx pgx.Tx) (*models.Algorithm, error) {
	var algo models.Algorithm
	err := tx.QueryRow(ctx, `SELECT id, label FROM algorithm WHERE is_default = true LIMIT 1`).
		Scan(&algo.ID, &algo.Label)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("algorithm: lookup current default: %w", err)
	}
	return &algo, nil
}

func replacePasses(ctx context.Context, tx pgx.Tx, algorithmID int64, passes []models.AlgorithmPass) error {
	for _, p := range passes {
		keys := make([]int, len(p.BlockingKeys))
		for i, k := range p.BlockingKeys {
			keys[i] = int(k)
		}
		evaluators, err := json.Marshal(p.Evaluators)
		if err != nil {
			return fmt.Errorf("algorithm: marshal evaluators: %w", err)
		}
		kwargs, err := json.Marshal(p.Kwargs)
		if err != nil {
			return fmt.Errorf("algorithm: marshal kwargs: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO algorithm_pass
				(algorithm_id, label, blocking_keys, evaluators, rule, cluster_ratio,
				 window_lower, window_upper, kwargs)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			algorithmID, p.Label, keys, evaluators, p.Rule, p.ClusterRatio,
			p.PossibleMatchWindow[0], p.PossibleMatchWindow[1], kwargs,
		)
		if err != nil {
			return fmt.Errorf("algorithm: insert pass %q: %w", p.Label, err)
		}
	}
	return nil
}

func loadPasses(ctx context.Context, pool *pgxpool.Pool, algorithmID int64) ([]models.AlgorithmPass, error) {
	rows, err := pool.Query(ctx, `
		SELECT label, blocking_keys, evaluators, rule, cluster_ratio, window_lower, window_upper, kwargs
		FROM algorithm_pass WHERE algorithm_id = $1 ORDER BY id`, algorithmID)
	if err != nil {
		return nil, fmt.Errorf("algorithm: load passes: %w", err)
	}
	defer rows.Close()

	var out []models.AlgorithmPass
	for rows.Next() {
		var p models.AlgorithmPass
		var keys []int32
		var evaluatorsRaw, kwargsRaw []byte
		if err := rows.Scan(&p.Label, &keys, &evaluatorsRaw, &p.Rule, &p.ClusterRatio,
			&p.PossibleMatchWindow[0], &p.PossibleMatchWindow[1], &kwargsRaw); err != nil {
			return nil, fmt.Errorf("algorithm: scan pass: %w", err)
		}
		for _, k := range keys {
			p.BlockingKeys = append(p.BlockingKeys, models.BlockingKey(k))
		}
		if err := json.Unmarshal(evaluatorsRaw, &p.Evaluators); err != nil {
			return nil, fmt.Errorf("algorithm: decode evaluators: %w", err)
		}
		if len(kwargsRaw) > 0 {
			if err := json.Unmarshal(kwargsRaw, &p.Kwargs); err != nil {
				return nil, fmt.Errorf("algorithm: decode kwargs: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
