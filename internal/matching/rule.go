package matching

import "github.com/healthlink/mpi/pkg/models"

// patientScore scores one candidate patient against rec within a single
// pass: every evaluator contributes its raw output, or
// missingFieldPointsProportion times its ceiling when the compared
// feature is absent on one or both sides, and the sum is normalized by
// the pass's max achievable points. A pass with no probabilistic
// evaluators has no achievable points to normalize by, so its patients
// are scored instead by the fraction of evaluators that agreed outright.
func patientScore(pass models.AlgorithmPass, rec, candidate *models.PIIRecord, missingFieldPointsProportion float64) (float64, error) {
	var points, maxPoints float64
	perfect := 0

	for _, ev := range pass.Evaluators {
		ceiling := evaluatorCeiling(ev)
		maxPoints += ceiling

		fs, err := EvaluateFeature(ev, rec, candidate)
		if err != nil {
			return 0, err
		}
		if !fs.Present {
			points += missingFieldPointsProportion * ceiling
			continue
		}
		points += fs.Score
		if fs.Score >= 1 {
			perfect++
		}
	}

	if maxPoints > 0 {
		return points / maxPoints, nil
	}
	if len(pass.Evaluators) == 0 {
		return 0, nil
	}
	return float64(perfect) / float64(len(pass.Evaluators)), nil
}

// evaluatorCeiling returns the maximum number of points an evaluator can
// contribute toward a pass's max_points. Only probabilistic evaluators
// carry log-odds weight; non-probabilistic evaluators contribute nothing
// to the sum, so a pass built entirely of them falls back to the
// perfect-agreement fraction in patientScore.
func evaluatorCeiling(ev models.Evaluator) float64 {
	switch ev.Kind {
	case models.EvaluatorCompareProbabilisticExactMatch, models.EvaluatorCompareProbabilisticFuzzyMatch:
		return ev.LogOdds
	default:
		return 0
	}
}
