package matching

import (
	"context"
	"testing"

	"github.com/healthlink/mpi/internal/blocking"
	"github.com/healthlink/mpi/pkg/models"
)

type fakeSource struct {
	byPass map[int][]blocking.CandidatePatient // indexed by call order
	calls  int
}

func (f *fakeSource) GetBlockData(ctx context.Context, rec *models.PIIRecord, keys []models.BlockingKey, maxMissingAllowedProportion float64) ([]blocking.CandidatePatient, error) {
	out := f.byPass[f.calls]
	f.calls++
	return out, nil
}

func patientRecord(first, last, dob string) *models.PIIRecord {
	return &models.PIIRecord{
		BirthDate: dob,
		Name:      []models.Name{{Given: []string{first}, Family: last}},
	}
}

func probabilisticPass(label string, window [2]float64) models.AlgorithmPass {
	return models.AlgorithmPass{
		Label:        label,
		BlockingKeys: []models.BlockingKey{models.BlockingKeyLastName},
		Evaluators: []models.Evaluator{
			{Feature: models.FeatureFirstName, Kind: models.EvaluatorCompareProbabilisticExactMatch, LogOdds: 4},
			{Feature: models.FeatureLastName, Kind: models.EvaluatorCompareProbabilisticExactMatch, LogOdds: 6},
			{Feature: models.FeatureBirthDate, Kind: models.EvaluatorCompareProbabilisticExactMatch, LogOdds: 10},
		},
		Rule:                models.RuleLogOddsCutoff,
		PossibleMatchWindow: window,
	}
}

func TestEngine_Link_ExactMatchGradesAsMatch(t *testing.T) {
	rec := patientRecord("Jane", "Doe", "1990-01-01")
	candidate := blocking.CandidatePatient{
		PatientID: 1, PersonID: 100, ReferenceID: "person-100",
		Data: *patientRecord("Jane", "Doe", "1990-01-01"),
	}
	src := &fakeSource{byPass: map[int][]blocking.CandidatePatient{0: {candidate}}}
	engine := NewEngine(src)

	algo := models.Algorithm{
		Label:              "default",
		BelongingnessRatio: [2]float64{0.3, 0.8},
		Passes:             []models.AlgorithmPass{probabilisticPass("pass-1", [2]float64{0.3, 0.8})},
	}

	results, err := engine.Link(context.Background(), algo, rec)
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Grade != PredictionMatch {
		t.Errorf("Grade = %v, want match (rms %v)", results[0].Grade, results[0].RMS)
	}
}

func TestEngine_Link_NoCandidatesReturnsEmpty(t *testing.T) {
	rec := patientRecord("Jane", "Doe", "1990-01-01")
	src := &fakeSource{byPass: map[int][]blocking.CandidatePatient{}}
	engine := NewEngine(src)
	algo := models.Algorithm{Passes: []models.AlgorithmPass{probabilisticPass("pass-1", [2]float64{0.3, 0.8})}}

	results, err := engine.Link(context.Background(), algo, rec)
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
}

func TestEngine_Link_MismatchedCandidateGradesNoMatch(t *testing.T) {
	rec := patientRecord("Jane", "Doe", "1990-01-01")
	candidate := blocking.CandidatePatient{
		PatientID: 2, PersonID: 200, ReferenceID: "person-200",
		Data: *patientRecord("John", "Smith", "1985-05-05"),
	}
	src := &fakeSource{byPass: map[int][]blocking.CandidatePatient{0: {candidate}}}
	engine := NewEngine(src)
	algo := models.Algorithm{Passes: []models.AlgorithmPass{probabilisticPass("pass-1", [2]float64{0.3, 0.8})}}

	results, err := engine.Link(context.Background(), algo, rec)
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected mismatched candidate to grade below the possible window, got %d results", len(results))
	}
}

// TestEngine_Link_ClusterAggregationUsesMedianOfPatientScores exercises a
// Person cluster with three patients of varying similarity to the
// incoming record: the cluster's pass score must be the median of the
// three per-patient scores, not the best (max) of them, and the final
// score reported must be that per-pass median, not further reduced.
func TestEngine_Link_ClusterAggregationUsesMedianOfPatientScores(t *testing.T) {
	rec := patientRecord("Jane", "Doe", "1990-01-01")
	// Three patients under the same Person: a perfect match (score 1.0),
	// a first-name-only match (score 4/20=0.2), and no agreement at all
	// (score 0.0). The median of {1.0, 0.2, 0.0} is 0.2.
	candidates := []blocking.CandidatePatient{
		{PatientID: 1, PersonID: 300, ReferenceID: "person-300", Data: *patientRecord("Jane", "Doe", "1990-01-01")},
		{PatientID: 2, PersonID: 300, ReferenceID: "person-300", Data: *patientRecord("Jane", "Smith", "1970-02-02")},
		{PatientID: 3, PersonID: 300, ReferenceID: "person-300", Data: *patientRecord("John", "Smith", "1970-02-02")},
	}
	src := &fakeSource{byPass: map[int][]blocking.CandidatePatient{0: candidates}}
	engine := NewEngine(src)
	algo := models.Algorithm{
		Passes: []models.AlgorithmPass{probabilisticPass("pass-1", [2]float64{0.1, 0.9})},
	}

	results, err := engine.Link(context.Background(), algo, rec)
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	const want = 0.2
	if got := results[0].RMS; got < want-0.001 || got > want+0.001 {
		t.Errorf("RMS = %v, want %v (median of per-patient scores, not the max)", got, want)
	}
	if results[0].Grade != PredictionPossibleMatch {
		t.Errorf("Grade = %v, want possible_match", results[0].Grade)
	}
}

// TestEngine_Link_AggregatesAcrossPassesWithMax exercises spec's
// across-pass step: scores[person] takes the max of the per-pass cluster
// scores, not a further median.
func TestEngine_Link_AggregatesAcrossPassesWithMax(t *testing.T) {
	rec := patientRecord("Jane", "Doe", "1990-01-01")
	weak := blocking.CandidatePatient{
		PatientID: 1, PersonID: 400, ReferenceID: "person-400",
		Data: *patientRecord("Jane", "Smith", "1970-02-02"), // first name only: 0.2
	}
	strong := blocking.CandidatePatient{
		PatientID: 1, PersonID: 400, ReferenceID: "person-400",
		Data: *patientRecord("Jane", "Doe", "1990-01-01"), // perfect: 1.0
	}
	src := &fakeSource{byPass: map[int][]blocking.CandidatePatient{
		0: {weak},
		1: {strong},
	}}
	engine := NewEngine(src)
	algo := models.Algorithm{
		Passes: []models.AlgorithmPass{
			probabilisticPass("pass-1", [2]float64{0.1, 0.9}),
			probabilisticPass("pass-2", [2]float64{0.1, 0.9}),
		},
	}

	results, err := engine.Link(context.Background(), algo, rec)
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].RMS < 0.99 {
		t.Errorf("RMS = %v, want the max across passes (~1.0), not the median (~0.6)", results[0].RMS)
	}
	if results[0].Grade != PredictionMatch {
		t.Errorf("Grade = %v, want match", results[0].Grade)
	}
}

func TestDecide_SingleCertainIsUnambiguousMatch(t *testing.T) {
	results := []ClusterResult{{PersonID: 1, RMS: 0.9, Grade: PredictionMatch}}
	prediction, chosen := Decide(results, false)
	if prediction != PredictionMatch || chosen == nil || chosen.PersonID != 1 {
		t.Fatalf("Decide() = %v, %+v, want match on person 1", prediction, chosen)
	}
}

func TestDecide_MultipleCertainWithoutMultiMatchDowngradesToPossible(t *testing.T) {
	results := []ClusterResult{
		{PersonID: 1, RMS: 0.95, Grade: PredictionMatch},
		{PersonID: 2, RMS: 0.91, Grade: PredictionMatch},
	}
	prediction, chosen := Decide(results, false)
	if prediction != PredictionPossibleMatch || chosen == nil || chosen.PersonID != 1 {
		t.Fatalf("Decide() = %v, %+v, want possible_match on the best-scoring person", prediction, chosen)
	}
}

func TestDecide_MultipleCertainWithMultiMatchAllowedPicksBest(t *testing.T) {
	results := []ClusterResult{
		{PersonID: 1, RMS: 0.95, Grade: PredictionMatch},
		{PersonID: 2, RMS: 0.91, Grade: PredictionMatch},
	}
	prediction, chosen := Decide(results, true)
	if prediction != PredictionMatch || chosen == nil || chosen.PersonID != 1 {
		t.Fatalf("Decide() = %v, %+v, want match on the best-scoring person", prediction, chosen)
	}
}

func TestDecide_NoResultsIsNoMatch(t *testing.T) {
	prediction, chosen := Decide(nil, false)
	if prediction != PredictionNoMatch || chosen != nil {
		t.Fatalf("Decide() = %v, %+v, want no_match with no chosen cluster", prediction, chosen)
	}
}

func TestMedian_EvenCountAveragesMiddleTwo(t *testing.T) {
	got := median([]float64{0.2, 0.4, 0.6, 0.8})
	want := 0.5
	if got != want {
		t.Errorf("median = %v, want %v", got, want)
	}
}

func TestMedian_OddCountReturnsMiddle(t *testing.T) {
	got := median([]float64{0.1, 0.9, 0.5})
	if got != 0.5 {
		t.Errorf("median = %v, want 0.5", got)
	}
}
