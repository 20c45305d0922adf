// Package algorithm implements the configuration store for named
// Algorithm definitions: CRUD, the at-most-one-default invariant, and the
// validation rules a stored AlgorithmPass must satisfy.
package algorithm

import (
	"fmt"
	"regexp"

	"github.com/healthlink/mpi/pkg/models"
)

// labelPattern matches the original system's label schema: lowercase
// alphanumeric segments joined by single hyphens, e.g. "dibbs-default".
var labelPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// availableKwargs is the allow-list of keys a pass's kwargs map may use. A seed file with a typo'd key (e.g. "treshold") fails
// loudly here instead of silently being ignored downstream.
var availableKwargs = map[string]bool{
	"similarity_measure":    true,
	"threshold":             true,
	"log_odds":              true,
	"fuzzy_match_threshold": true,
}

// Validator is one independent config check, following the plugin-list
// shape of the teacher's compliance.Validator interface, repurposed here
// from PHI-compliance checks to algorithm-configuration checks.
type Validator interface {
	Name() string
	Validate(algo models.Algorithm, existingDefault *models.Algorithm) error
}

// Validators is the fixed set of checks ValidateAlgorithm runs, in order.
func Validators() []Validator {
	return []Validator{
		labelValidator{},
		defaultUniquenessValidator{},
		passValidator{},
		belongingnessRatioValidator{},
	}
}

// ValidateAlgorithm runs every registered Validator against algo. The
// existingDefault parameter, if non-nil, is the algorithm currently
// marked default, used to enforce the at-most-one-default invariant
// without a database trigger; when it has the same ID as algo, it is
// algo itself and does not count as a second default.
func ValidateAlgorithm(algo models.Algorithm, existingDefault *models.Algorithm) error {
	for _, v := range Validators() {
		if err := v.Validate(algo, existingDefault); err != nil {
			return fmt.Errorf("algorithm: %s: %w", v.Name(), err)
		}
	}
	return nil
}

type labelValidator struct{}

func (labelValidator) Name() string { return "label" }
func (labelValidator) Validate(algo models.Algorithm, _ *models.Algorithm) error {
	if !labelPattern.MatchString(algo.Label) {
		return fmt.Errorf("label %q must match %s", algo.Label, labelPattern.String())
	}
	return nil
}

type defaultUniquenessValidator struct{}

func (defaultUniquenessValidator) Name() string { return "default_uniqueness" }
func (defaultUniquenessValidator) Validate(algo models.Algorithm, existingDefault *models.Algorithm) error {
	if !algo.IsDefault {
		return nil
	}
	if existingDefault != nil && existingDefault.ID != algo.ID {
		return fmt.Errorf("there can only be one default algorithm, %q is already default", existingDefault.Label)
	}
	return nil
}

type passValidator struct{}

func (passValidator) Name() string { return "passes" }
func (passValidator) Validate(algo models.Algorithm, _ *models.Algorithm) error {
	if len(algo.Passes) == 0 {
		return fmt.Errorf("algorithm must have at least one pass")
	}
	for _, p := range algo.Passes {
		if len(p.BlockingKeys) == 0 {
			return fmt.Errorf("pass %q must declare at least one blocking key", p.Label)
		}
		if len(p.Evaluators) == 0 {
			return fmt.Errorf("pass %q must declare at least one evaluator", p.Label)
		}
		for _, ev := range p.Evaluators {
			if err := validateEvaluatorKind(ev.Kind); err != nil {
				return fmt.Errorf("pass %q: %w", p.Label, err)
			}
			if isProbabilistic(ev.Kind) && ev.LogOdds == 0 {
				return fmt.Errorf("pass %q: evaluator for feature %q is probabilistic and requires a non-zero log_odds", p.Label, ev.Feature)
			}
		}
		for k := range p.Kwargs {
			if !availableKwargs[k] {
				return fmt.Errorf("pass %q: kwarg %q is not a recognized option", p.Label, k)
			}
		}
		if p.PossibleMatchWindow[0] > p.PossibleMatchWindow[1] {
			return fmt.Errorf("pass %q: possible_match_window lower bound exceeds upper bound", p.Label)
		}
	}
	return nil
}

// isProbabilistic reports whether kind requires a configured log_odds
// weight to produce a meaningful score. Missing log_odds on one of these
// must fail validation at config load, not be discovered mid-comparison.
func isProbabilistic(kind models.EvaluatorKind) bool {
	switch kind {
	case models.EvaluatorCompareProbabilisticExactMatch, models.EvaluatorCompareProbabilisticFuzzyMatch:
		return true
	default:
		return false
	}
}

func validateEvaluatorKind(kind models.EvaluatorKind) error {
	switch kind {
	case models.EvaluatorExactMatchAny, models.EvaluatorExactMatchAll, models.EvaluatorFuzzyMatch,
		models.EvaluatorCompareProbabilisticExactMatch, models.EvaluatorCompareProbabilisticFuzzyMatch:
		return nil
	default:
		return fmt.Errorf("unknown evaluator kind %q", kind)
	}
}

type belongingnessRatioValidator struct{}

func (belongingnessRatioValidator) Name() string { return "belongingness_ratio" }
func (belongingnessRatioValidator) Validate(algo models.Algorithm, _ *models.Algorithm) error {
	lower, upper := algo.BelongingnessRatio[0], algo.BelongingnessRatio[1]
	if lower > upper {
		return fmt.Errorf("belongingness_ratio lower bound %v exceeds upper bound %v", lower, upper)
	}
	return nil
}
