package matching

import (
	"fmt"
	"strings"

	"github.com/healthlink/mpi/pkg/models"
)

// featureScore is the result of evaluating one Evaluator against one
// feature. Present discriminates a real, comparable score (even if it is
// zero, meaning "compared and disagreed") from a feature missing on one
// or both sides.
type featureScore struct {
	Present bool
	Score   float64 // 0..1 for most evaluators; log-odds contribution for probabilistic ones
}

func missingScore() featureScore { return featureScore{Present: false} }

// EvaluateFeature dispatches to the evaluator kind named by ev and scores
// the given feature between the incoming record and a candidate. This is
// the closed tagged union the matching engine drives: algorithm passes
// read from storage select a Kind, never a Go callable, so the set of
// possible behaviors is exhaustively enumerated here rather than bound
// dynamically.
func EvaluateFeature(ev models.Evaluator, rec, candidate *models.PIIRecord) (featureScore, error) {
	recVals := rec.FieldIter(ev.Feature)
	candVals := candidate.FieldIter(ev.Feature)
	if len(recVals) == 0 || len(candVals) == 0 {
		return missingScore(), nil
	}

	switch ev.Kind {
	case models.EvaluatorExactMatchAny:
		return featureScore{Present: true, Score: boolScore(anyEqual(recVals, candVals))}, nil

	case models.EvaluatorExactMatchAll:
		return featureScore{Present: true, Score: boolScore(allEqual(recVals, candVals))}, nil

	case models.EvaluatorFuzzyMatch:
		measure := ev.SimilarityMeasure
		if measure == "" {
			measure = models.SimilarityJaroWinkler
		}
		threshold := ev.FuzzyMatchThreshold
		if threshold == 0 {
			threshold = 0.7
		}
		best := bestSimilarity(measure, recVals, candVals)
		return featureScore{Present: true, Score: boolScore(best >= threshold)}, nil

	case models.EvaluatorCompareProbabilisticExactMatch:
		if ev.LogOdds == 0 {
			return featureScore{}, fmt.Errorf("matching: no log_odds configured for feature %s", ev.Feature)
		}
		if anyEqual(recVals, candVals) {
			return featureScore{Present: true, Score: ev.LogOdds}, nil
		}
		return featureScore{Present: true, Score: 0}, nil

	case models.EvaluatorCompareProbabilisticFuzzyMatch:
		if ev.LogOdds == 0 {
			return featureScore{}, fmt.Errorf("matching: no log_odds configured for feature %s", ev.Feature)
		}
		measure := ev.SimilarityMeasure
		if measure == "" {
			measure = models.SimilarityJaroWinkler
		}
		threshold := ev.FuzzyMatchThreshold
		if threshold == 0 {
			threshold = 0.7
		}
		best := bestSimilarity(measure, recVals, candVals)
		if best < threshold {
			return featureScore{Present: true, Score: 0}, nil
		}
		return featureScore{Present: true, Score: best * ev.LogOdds}, nil

	default:
		return featureScore{}, fmt.Errorf("matching: unknown evaluator kind %q", ev.Kind)
	}
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func anyEqual(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if normalize(x) == normalize(y) {
				return true
			}
		}
	}
	return false
}

// allEqual reports whether a and b are equal as multisets once every
// value is normalized: same size, and every value in one side has a
// matching value in the other. Containment in only one direction (e.g.
// a=["X"], b=["X","Y"]) is not equality.
func allEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	return containsAll(a, b) && containsAll(b, a)
}

func containsAll(a, b []string) bool {
	for _, x := range a {
		found := false
		for _, y := range b {
			if normalize(x) == normalize(y) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func bestSimilarity(measure models.SimilarityMeasure, a, b []string) float64 {
	best := 0.0
	for _, x := range a {
		for _, y := range b {
			if s := similarity(measure, x, y); s > best {
				best = s
			}
		}
	}
	return best
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
