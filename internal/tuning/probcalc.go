// Package tuning implements the tuning engine: m/u-probability and
// log-odds calculation over labeled record pairs, and a supervised
// background job that runs that calculation and recommends a
// possible-match window.
package tuning

import (
	"math"
	"strings"

	"github.com/healthlink/mpi/pkg/models"
)

// ignoredFields are excluded from log-odds calculation: GIVEN_NAME/NAME
// are redundant with FIRST_NAME once a pass already blocks/evaluates on
// it, and SUFFIX is too sparse and low-signal to calibrate reliably.
// This mirrors the original system's FIELDS_TO_IGNORE list exactly.
var ignoredFields = map[models.Feature]bool{
	models.FeatureGivenName: true,
	models.FeatureName:      true,
	models.FeatureSuffix:    true,
}

// FieldsToCalculate is every Feature the tuning engine computes log-odds
// for: the full Feature set minus ignoredFields.
func FieldsToCalculate() []models.Feature {
	all := []models.Feature{
		models.FeatureBirthDate, models.FeatureMRN, models.FeatureSex, models.FeatureZip,
		models.FeatureCounty, models.FeatureRace, models.FeatureFirstName, models.FeatureLastName,
		models.FeatureAddress, models.FeatureCity, models.FeatureState, models.FeatureTelecom,
		models.FeaturePhone, models.FeatureEmail, models.FeatureIdentifier,
	}
	out := make([]models.Feature, 0, len(all))
	for _, f := range all {
		if !ignoredFields[f] {
			out = append(out, f)
		}
	}
	return out
}

// Pair is one labeled comparison: two records known in advance to be a
// true match or a non-match.
type Pair struct {
	A, B *models.PIIRecord
}

// agrees reports whether a and b agree exactly on feature f, using the
// same field_iter-based comparison the matching engine's
// EXACT_MATCH_ANY evaluator uses.
func agrees(pair Pair, f models.Feature) (present bool, agree bool) {
	av, bv := pair.A.FieldIter(f), pair.B.FieldIter(f)
	if len(av) == 0 || len(bv) == 0 {
		return false, false
	}
	for _, x := range av {
		for _, y := range bv {
			if strings.ToUpper(strings.TrimSpace(x)) == strings.ToUpper(strings.TrimSpace(y)) {
				return true, true
			}
		}
	}
	return true, false
}

// laplaceSmoothing is the additive smoothing constant applied so that a
// feature with zero observed agreements never produces a probability of
// exactly 0, which would make its log-odds undefined. A feature on which
// every comparable pair agrees still yields exactly 1.
const laplaceSmoothing = 1.0

// calculateMProbs computes, for every field in FieldsToCalculate, the
// probability that two records agree on that field given that they are a
// true match.
func calculateMProbs(truePairs []Pair) map[models.Feature]float64 {
	return calculateAgreementProbs(truePairs)
}

// calculateUProbs computes, for every field, the probability that two
// records agree given that they are NOT a match.
func calculateUProbs(nonMatchPairs []Pair) map[models.Feature]float64 {
	return calculateAgreementProbs(nonMatchPairs)
}

func calculateAgreementProbs(pairs []Pair) map[models.Feature]float64 {
	out := map[models.Feature]float64{}
	for _, f := range FieldsToCalculate() {
		var comparable, agreeCount float64
		for _, pair := range pairs {
			present, agree := agrees(pair, f)
			if !present {
				continue
			}
			comparable++
			if agree {
				agreeCount++
			}
		}
		// Laplace smoothing: add one pseudo-agreement so a field with no
		// comparable pairs still yields a well-defined probability instead
		// of a division by zero.
		out[f] = (agreeCount + laplaceSmoothing) / (comparable + laplaceSmoothing)
	}
	return out
}

// calculateLogOdds computes ln(m/u) per field, the core weight the
// matching engine's probabilistic evaluators use.
func calculateLogOdds(mProbs, uProbs map[models.Feature]float64) []models.LogOdd {
	out := make([]models.LogOdd, 0, len(mProbs))
	for f, m := range mProbs {
		out = append(out, models.LogOdd{Feature: f, Value: math.Log(m / uProbs[f])})
	}
	return out
}
