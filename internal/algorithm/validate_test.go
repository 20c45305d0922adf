package algorithm

import (
	"testing"

	"github.com/healthlink/mpi/pkg/models"
)

func validAlgorithm() models.Algorithm {
	return models.Algorithm{
		ID:                 1,
		Label:              "dibbs-default",
		BelongingnessRatio: [2]float64{0.3, 0.9},
		Passes: []models.AlgorithmPass{
			{
				Label:               "pass-1",
				BlockingKeys:        []models.BlockingKey{models.BlockingKeyLastName},
				Evaluators:          []models.Evaluator{{Feature: models.FeatureLastName, Kind: models.EvaluatorExactMatchAny}},
				Rule:                models.RuleLogOddsCutoff,
				PossibleMatchWindow: [2]float64{0.3, 0.9},
			},
		},
	}
}

func TestValidateAlgorithm_Valid(t *testing.T) {
	if err := ValidateAlgorithm(validAlgorithm(), nil); err != nil {
		t.Fatalf("expected valid algorithm to pass, got %v", err)
	}
}

func TestValidateAlgorithm_RejectsBadLabel(t *testing.T) {
	algo := validAlgorithm()
	algo.Label = "Not Valid Label!"
	if err := ValidateAlgorithm(algo, nil); err == nil {
		t.Fatal("expected label validation to fail")
	}
}

func TestValidateAlgorithm_RejectsSecondDefault(t *testing.T) {
	algo := validAlgorithm()
	algo.IsDefault = true
	algo.ID = 2
	existing := &models.Algorithm{ID: 1, Label: "existing-default"}
	if err := ValidateAlgorithm(algo, existing); err == nil {
		t.Fatal("expected at-most-one-default validation to fail")
	}
}

func TestValidateAlgorithm_AllowsReplacingItself(t *testing.T) {
	algo := validAlgorithm()
	algo.IsDefault = true
	existing := &models.Algorithm{ID: algo.ID, Label: algo.Label}
	if err := ValidateAlgorithm(algo, existing); err != nil {
		t.Fatalf("expected updating the current default to pass, got %v", err)
	}
}

func TestValidateAlgorithm_RejectsUnknownKwarg(t *testing.T) {
	algo := validAlgorithm()
	algo.Passes[0].Kwargs = map[string]any{"treshold": 0.9}
	if err := ValidateAlgorithm(algo, nil); err == nil {
		t.Fatal("expected unknown kwarg to fail validation")
	}
}

func TestValidateAlgorithm_RejectsEmptyPasses(t *testing.T) {
	algo := validAlgorithm()
	algo.Passes = nil
	if err := ValidateAlgorithm(algo, nil); err == nil {
		t.Fatal("expected algorithm with no passes to fail validation")
	}
}

func TestValidateAlgorithm_RejectsProbabilisticEvaluatorWithoutLogOdds(t *testing.T) {
	algo := validAlgorithm()
	algo.Passes[0].Evaluators = []models.Evaluator{
		{Feature: models.FeatureLastName, Kind: models.EvaluatorCompareProbabilisticExactMatch},
	}
	if err := ValidateAlgorithm(algo, nil); err == nil {
		t.Fatal("expected probabilistic evaluator with no log_odds to fail validation")
	}
}

func TestValidateAlgorithm_AllowsProbabilisticEvaluatorWithLogOdds(t *testing.T) {
	algo := validAlgorithm()
	algo.Passes[0].Evaluators = []models.Evaluator{
		{Feature: models.FeatureLastName, Kind: models.EvaluatorCompareProbabilisticExactMatch, LogOdds: 6.5},
	}
	if err := ValidateAlgorithm(algo, nil); err != nil {
		t.Fatalf("expected probabilistic evaluator with log_odds to pass, got %v", err)
	}
}
