// Package blocking derives blocking values from PIIRecords and retrieves
// candidate Person clusters from the MPI store using those values,
// bounding the matching engine's per-link work to a handful of clusters
// instead of the full patient population.
package blocking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthlink/mpi/pkg/models"
)

// AllKeys is the fixed, stable set of blocking keys the linker derives
// for every record. Algorithm passes select a subset of these for each
// pass; the set itself is never extended without a migration, since the
// enum values are a storage contract.
var AllKeys = []models.BlockingKey{
	models.BlockingKeyBirthdate,
	models.BlockingKeyMRN,
	models.BlockingKeySex,
	models.BlockingKeyZip,
	models.BlockingKeyFirstName,
	models.BlockingKeyLastName,
	models.BlockingKeyAddress,
	models.BlockingKeyPhone,
	models.BlockingKeyEmail,
	models.BlockingKeyIdentifier,
}

// DeriveBlockingValues computes every BlockingValue a patient record
// produces, across the given set of keys. Keys the record has no data
// for simply contribute no rows.
func DeriveBlockingValues(rec *models.PIIRecord, keys []models.BlockingKey) []models.BlockingValue {
	var out []models.BlockingValue
	for _, key := range keys {
		for _, v := range rec.BlockingValues(key) {
			out = append(out, models.BlockingValue{BlockingKey: key, Value: v})
		}
	}
	return out
}

// Store retrieves candidate clusters from persisted blocking values.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CandidatePatient is a patient row returned by GetBlockData, trimmed to
// what the matching engine needs to score it and attribute it to a
// cluster.
type CandidatePatient struct {
	PatientID   int64
	PersonID    int64
	ReferenceID string // the Person's reference id
	Data        models.PIIRecord
}

// DefaultMissingnessTolerance is the maximum fraction of a pass's
// blocking keys that may be absent from the incoming record before the
// pass is skipped entirely for lack of signal to block on, used when an
// algorithm doesn't configure its own max_missing_allowed_proportion.
const DefaultMissingnessTolerance = 0.5

// GetBlockData returns every Patient belonging to a Person cluster that
// shares at least one blocking value with rec, for the given pass's
// blocking keys. It never returns a patient whose own blocking values
// actively disagree with rec on every key they both have populated, and
// it never returns an orphaned patient (one with no Person).
//
// A record missing more than maxMissingAllowedProportion of the pass's
// blocking keys is rejected outright: with too few derivable keys, any
// candidate set returned would be overbroad enough to be meaningless. A
// non-positive maxMissingAllowedProportion falls back to
// DefaultMissingnessTolerance.
func (s *Store) GetBlockData(ctx context.Context, rec *models.PIIRecord, keys []models.BlockingKey, maxMissingAllowedProportion float64) ([]CandidatePatient, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if maxMissingAllowedProportion <= 0 {
		maxMissingAllowedProportion = DefaultMissingnessTolerance
	}
	values := DeriveBlockingValues(rec, keys)
	present := map[models.BlockingKey]bool{}
	for _, v := range values {
		present[v.BlockingKey] = true
	}
	missing := 0
	for _, k := range keys {
		if !present[k] {
			missing++
		}
	}
	if float64(missing)/float64(len(keys)) > maxMissingAllowedProportion {
		return nil, nil
	}
	if len(values) == 0 {
		return nil, nil
	}

	// A single join against blocking_value covers every key that has a
	// value to match on: a candidate patient is anyone sharing a Person
	// with a patient that matches on at least one key. The candidate set is widened here and
	// narrowed by the in-process disagreement filter below, since
	// "shares a Person with a key-matching patient" is necessarily
	// broader than "agrees with rec on every key both sides have."
	// The (key, value) pairs are matched via unnest over two parallel
	// arrays rather than a tuple ANY(), which pgx has no composite-type
	// encoding for.
	query := `
		SELECT DISTINCT p.id, p.person_id, per.reference_id, p.data
		FROM patient p
		JOIN person per ON per.id = p.person_id
		JOIN patient matched ON matched.person_id = p.person_id
		JOIN blocking_value bv ON bv.patient_id = matched.id
		WHERE p.person_id IS NOT NULL
		  AND EXISTS (
		      SELECT 1 FROM unnest($1::smallint[], $2::text[]) AS want(key, value)
		      WHERE bv.blocking_key = want.key AND bv.value = want.value
		  )`

	keyParams := make([]int16, len(values))
	valueParams := make([]string, len(values))
	for i, v := range values {
		keyParams[i] = int16(v.BlockingKey)
		valueParams[i] = v.Value
	}

	rows, err := s.pool.Query(ctx, query, keyParams, valueParams)
	if err != nil {
		return nil, fmt.Errorf("blocking: query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []CandidatePatient
	for rows.Next() {
		var c CandidatePatient
		var raw []byte
		if err := rows.Scan(&c.PatientID, &c.PersonID, &c.ReferenceID, &raw); err != nil {
			return nil, fmt.Errorf("blocking: scan candidate: %w", err)
		}
		if err := json.Unmarshal(raw, &c.Data); err != nil {
			return nil, fmt.Errorf("blocking: decode candidate data: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blocking: iterate candidates: %w", err)
	}

	return filterDisagreeing(candidates, rec, keys), nil
}

// filterDisagreeing drops any candidate that actively disagrees with rec
// on every blocking key both sides have a derivable value for. A
// candidate that is simply missing a key (rather than disagreeing on it)
// is never penalized for that absence.
func filterDisagreeing(candidates []CandidatePatient, rec *models.PIIRecord, keys []models.BlockingKey) []CandidatePatient {
	recValues := map[models.BlockingKey]map[string]bool{}
	for _, k := range keys {
		set := map[string]bool{}
		for _, v := range rec.BlockingValues(k) {
			set[v] = true
		}
		recValues[k] = set
	}

	out := candidates[:0]
	for _, c := range candidates {
		comparableKeys, agreedKeys := 0, 0
		data := c.Data
		for _, k := range keys {
			recSet := recValues[k]
			if len(recSet) == 0 {
				continue
			}
			candVals := data.BlockingValues(k)
			if len(candVals) == 0 {
				continue
			}
			comparableKeys++
			for _, v := range candVals {
				if recSet[v] {
					agreedKeys++
					break
				}
			}
		}
		if comparableKeys > 0 && agreedKeys == 0 {
			continue // disagrees on every key both sides have
		}
		out = append(out, c)
	}
	return out
}
