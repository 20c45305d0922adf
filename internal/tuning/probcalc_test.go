package tuning

import (
	"testing"

	"github.com/healthlink/mpi/pkg/models"
)

func rec(last string) *models.PIIRecord {
	return &models.PIIRecord{Name: []models.Name{{Family: last}}}
}

func TestFieldsToCalculate_ExcludesIgnoredFields(t *testing.T) {
	for _, f := range FieldsToCalculate() {
		if ignoredFields[f] {
			t.Errorf("FieldsToCalculate() unexpectedly included ignored field %s", f)
		}
	}
}

func TestCalculateMProbs_AllAgreeingPairsYieldsHighProbability(t *testing.T) {
	pairs := []Pair{
		{A: rec("Smith"), B: rec("Smith")},
		{A: rec("Jones"), B: rec("Jones")},
	}
	probs := calculateMProbs(pairs)
	if got := probs[models.FeatureLastName]; got < 0.7 {
		t.Errorf("m-probability for agreeing pairs = %v, want >= 0.7", got)
	}
}

func TestCalculateUProbs_AllDisagreeingPairsYieldsLowProbability(t *testing.T) {
	pairs := []Pair{
		{A: rec("Smith"), B: rec("Jones")},
		{A: rec("Diaz"), B: rec("Lopez")},
	}
	probs := calculateUProbs(pairs)
	if got := probs[models.FeatureLastName]; got > 0.4 {
		t.Errorf("u-probability for disagreeing pairs = %v, want <= 0.4", got)
	}
}

func TestCalculateLogOdds_HigherMThanUYieldsPositiveWeight(t *testing.T) {
	m := map[models.Feature]float64{models.FeatureLastName: 0.9}
	u := map[models.Feature]float64{models.FeatureLastName: 0.1}
	logOdds := calculateLogOdds(m, u)
	if len(logOdds) != 1 || logOdds[0].Value <= 0 {
		t.Fatalf("expected a positive log-odds weight, got %+v", logOdds)
	}
}
