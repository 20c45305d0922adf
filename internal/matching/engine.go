// Package matching implements the linker's multi-pass scoring engine:
// evaluators compare individual features, patientScore turns per-feature
// scores into a normalized patient-level score, and the engine aggregates
// those scores across a candidate Person cluster into a single graded
// result per pass, then across passes into the final verdict.
package matching

import (
	"context"
	"sort"

	"github.com/healthlink/mpi/internal/blocking"
	"github.com/healthlink/mpi/pkg/models"
)

// Prediction is the final grading of an incoming record against one
// candidate Person cluster.
type Prediction string

const (
	PredictionMatch         Prediction = "match"
	PredictionPossibleMatch Prediction = "possible_match"
	PredictionNoMatch       Prediction = "no_match"
)

// ClusterResult is the matching engine's verdict for one candidate Person
// cluster that reached at least "possible" on some pass: its normalized
// score, the accumulated points that score represents, the thresholds
// the winning pass graded it against, and the resulting grade.
type ClusterResult struct {
	PersonID              int64      `json:"-"`
	PersonReferenceID     string     `json:"person_reference_id"`
	AccumulatedPoints     float64    `json:"accumulated_points"`
	RMS                   float64    `json:"rms"`
	MinMatchThreshold     float64    `json:"mmt"`
	CertainMatchThreshold float64    `json:"cmt"`
	Grade                 Prediction `json:"grade"`
}

// BlockDataSource retrieves blocking candidates for a pass; implemented
// by *blocking.Store and faked in tests.
type BlockDataSource interface {
	GetBlockData(ctx context.Context, rec *models.PIIRecord, keys []models.BlockingKey, maxMissingAllowedProportion float64) ([]blocking.CandidatePatient, error)
}

// Engine runs an Algorithm's passes against a record and grades every
// candidate cluster it surfaces.
type Engine struct {
	store BlockDataSource
}

func NewEngine(store BlockDataSource) *Engine {
	return &Engine{store: store}
}

// clusterMax tracks, for one candidate Person, the best per-pass cluster
// score seen across passes (scores[person] = max(...) per spec) along
// with the pass that produced it, since the final grade and thresholds
// reported back to the caller are the producing pass's.
type clusterMax struct {
	referenceID string
	score       float64
	pass        *models.AlgorithmPass
}

// Link cleans rec of any configured skip values, then runs every pass of
// algo against it, grading every candidate Person cluster the passes
// surface. Within a pass, a cluster's member patients are each scored
// independently and collapsed to one scalar via their median; across
// passes, a Person's score is the max of its per-pass cluster scores.
// Only clusters reaching at least "possible" on their best pass are
// returned, sorted by descending score.
func (e *Engine) Link(ctx context.Context, algo models.Algorithm, rec *models.PIIRecord) ([]ClusterResult, error) {
	clean := CleanRecord(rec, algo.SkipValues)

	byPerson := map[int64]*clusterMax{}

	for i := range algo.Passes {
		pass := algo.Passes[i]

		candidates, err := e.store.GetBlockData(ctx, clean, pass.BlockingKeys, algo.MaxMissingAllowedProportion)
		if err != nil {
			return nil, err
		}

		byCluster := map[int64][]float64{}
		refs := map[int64]string{}
		for _, c := range candidates {
			score, err := patientScore(pass, clean, &c.Data, algo.MissingFieldPointsProportion)
			if err != nil {
				return nil, err
			}
			byCluster[c.PersonID] = append(byCluster[c.PersonID], score)
			refs[c.PersonID] = c.ReferenceID
		}

		for personID, scores := range byCluster {
			clusterScore := median(scores)
			cm, ok := byPerson[personID]
			if !ok {
				cm = &clusterMax{referenceID: refs[personID]}
				byPerson[personID] = cm
			}
			if cm.pass == nil || clusterScore > cm.score {
				cm.score = clusterScore
				p := pass
				cm.pass = &p
			}
		}
	}

	results := make([]ClusterResult, 0, len(byPerson))
	for personID, cm := range byPerson {
		lower, upper := cm.pass.PossibleMatchWindow[0], cm.pass.PossibleMatchWindow[1]
		grade := gradeScore(cm.score, lower, upper)
		if grade == PredictionNoMatch {
			continue
		}
		results = append(results, ClusterResult{
			PersonID:              personID,
			PersonReferenceID:     cm.referenceID,
			AccumulatedPoints:     cm.score * passMaxPoints(*cm.pass),
			RMS:                   cm.score,
			MinMatchThreshold:     lower,
			CertainMatchThreshold: upper,
			Grade:                 grade,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].RMS > results[j].RMS })
	return results, nil
}

// Decide applies the cross-cluster disambiguation step to a Link result
// set: one certain cluster is an unambiguous match. More than one
// certain cluster is a match only when includeMultipleMatches allows
// picking the single best of them; otherwise the set is too ambiguous to
// commit to and is downgraded to a possible match on that best
// candidate. Absent any certain cluster, the best possible cluster (if
// any) yields possible_match; an empty or all-no_match result set yields
// no_match with no chosen cluster.
func Decide(results []ClusterResult, includeMultipleMatches bool) (Prediction, *ClusterResult) {
	var certain, possible []ClusterResult
	for _, r := range results {
		switch r.Grade {
		case PredictionMatch:
			certain = append(certain, r)
		case PredictionPossibleMatch:
			possible = append(possible, r)
		}
	}

	switch {
	case len(certain) == 1:
		best := certain[0]
		return PredictionMatch, &best
	case len(certain) > 1 && includeMultipleMatches:
		best := certain[0]
		return PredictionMatch, &best
	case len(certain) > 1:
		best := certain[0]
		return PredictionPossibleMatch, &best
	case len(possible) > 0:
		best := possible[0]
		return PredictionPossibleMatch, &best
	default:
		return PredictionNoMatch, nil
	}
}

// gradeScore buckets a normalized score against one pass's
// possible_match_window: at or above the upper bound is a certain match,
// at or above the lower bound is possible, anything below is not a match.
// A bound of zero is treated as unset: a zero upper bound grades nothing
// as certain, and a zero lower bound grades nothing as possible.
func gradeScore(score, lower, upper float64) Prediction {
	switch {
	case upper > 0 && score >= upper:
		return PredictionMatch
	case lower > 0 && score >= lower:
		return PredictionPossibleMatch
	default:
		return PredictionNoMatch
	}
}

// passMaxPoints sums a pass's evaluator ceilings, the denominator
// patientScore normalizes against.
func passMaxPoints(pass models.AlgorithmPass) float64 {
	var total float64
	for _, ev := range pass.Evaluators {
		total += evaluatorCeiling(ev)
	}
	return total
}

// median returns the median of values, breaking ties on an even-length
// slice by averaging the two middle values rather than picking either
// one, so the aggregate score doesn't depend on slice ordering.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
