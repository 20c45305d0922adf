// Package models defines the core data types shared across the record
// linkage service: the demographic record format ingested by callers
// (PIIRecord and its sub-structures), the persisted cluster/member types
// (Person, Patient, BlockingValue), and the algorithm configuration types
// (Algorithm, AlgorithmPass, Evaluator) that drive matching.
package models

import (
	"strings"
	"time"
)

// BlockingValueMaxLength bounds every derived blocking value.
// PIIRecord.BlockingValues truncates longer values to this length.
const BlockingValueMaxLength = 20

// Sex enumerates the normalized values PIIRecord.Sex may take. Unlike the
// original system's "MALE"/"FEMLAE"/"UNKNOWN" strings, values here are
// single letters so they round-trip cleanly through blocking values and
// persisted columns.
type Sex string

const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexUnknown Sex = "U"
)

// Feature enumerates the demographic fields an evaluator or blocking rule
// can compare. Ordering is insertion order, not a wire contract; only
// BlockingKey values carry a stability contract.
type Feature string

const (
	FeatureBirthDate  Feature = "BIRTHDATE"
	FeatureMRN        Feature = "MRN"
	FeatureSex        Feature = "SEX"
	FeatureZip        Feature = "ZIP"
	FeatureCounty     Feature = "COUNTY"
	FeatureRace       Feature = "RACE"
	FeatureGivenName  Feature = "GIVEN_NAME"
	FeatureFirstName  Feature = "FIRST_NAME"
	FeatureLastName   Feature = "LAST_NAME"
	FeatureName       Feature = "NAME"
	FeatureSuffix     Feature = "SUFFIX"
	FeatureAddress    Feature = "ADDRESS"
	FeatureCity       Feature = "CITY"
	FeatureState      Feature = "STATE"
	FeatureTelecom    Feature = "TELECOM"
	FeaturePhone      Feature = "PHONE"
	FeatureEmail      Feature = "EMAIL"
	FeatureIdentifier Feature = "IDENTIFIER"
)

func (f Feature) String() string { return string(f) }

// BlockingKey enumerates the fixed set of blocking-key derivation rules.
// These numeric values are a storage format contract: a value already
// written to a BlockingValue row must keep meaning what it meant when it
// was written, so keys are added, never renumbered or removed.
type BlockingKey int

const (
	BlockingKeyBirthdate  BlockingKey = 1
	BlockingKeyMRN        BlockingKey = 2
	BlockingKeySex        BlockingKey = 3
	BlockingKeyZip        BlockingKey = 4
	BlockingKeyFirstName  BlockingKey = 5
	BlockingKeyLastName   BlockingKey = 6
	BlockingKeyAddress    BlockingKey = 7
	BlockingKeyPhone      BlockingKey = 8
	BlockingKeyEmail      BlockingKey = 9
	BlockingKeyIdentifier BlockingKey = 10
)

// Label returns the human-readable description of the key, used in
// algorithm-editor UIs and error messages.
func (k BlockingKey) Label() string {
	switch k {
	case BlockingKeyBirthdate:
		return "Date of Birth"
	case BlockingKeyMRN:
		return "Last 4 characters of MRN"
	case BlockingKeySex:
		return "Sex"
	case BlockingKeyZip:
		return "Zip Code"
	case BlockingKeyFirstName:
		return "First 4 characters of First Name"
	case BlockingKeyLastName:
		return "First 4 characters of Last Name"
	case BlockingKeyAddress:
		return "First 4 characters of Address Line 1"
	case BlockingKeyPhone:
		return "Last 4 digits of Phone Number"
	case BlockingKeyEmail:
		return "First 4 characters of Email"
	case BlockingKeyIdentifier:
		return "Last 4 characters of an Identifier value"
	default:
		return "Unknown"
	}
}

// Name is a patient or contact name, mirroring HumanName's shape but
// trimmed to the fields the linkage algorithm actually reads.
type Name struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family"`
	Given  []string `json:"given,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Address is a postal address. Field names mirror the FHIR Address shape
// the wider ecosystem already speaks.
type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	County     string   `json:"county,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// Telecom is a single contact point: a phone number or email address.
type Telecom struct {
	System string `json:"system"` // "phone" or "email"
	Value  string `json:"value"`
	Use    string `json:"use,omitempty"`
}

// Identifier is an external identifier attached to a patient (e.g. a
// driver's license number, a payer member id) beyond the MRN.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// PIIRecord is the canonical demographic record submitted for linking.
// It is the unit of comparison on both sides of a match: the incoming
// record and every candidate Patient's stored record are both PIIRecords.
type PIIRecord struct {
	ExternalID string       `json:"external_id,omitempty"`
	BirthDate  string       `json:"birth_date,omitempty"` // YYYY-MM-DD
	Sex        Sex          `json:"sex,omitempty"`
	MRN        string       `json:"mrn,omitempty"`
	Race       string       `json:"race,omitempty"`
	Name       []Name       `json:"name,omitempty"`
	Address    []Address    `json:"address,omitempty"`
	Telecom    []Telecom    `json:"telecom,omitempty"`
	Identifier []Identifier `json:"identifier,omitempty"`
}

// FieldIter yields every value a PIIRecord carries for the given
// feature, in the same order the record stores them. LAST_NAME and NAME
// yield once per name entry; FIRST_NAME/GIVEN_NAME and SUFFIX yield every
// value across all name entries; ZIP yields the first 5 characters of
// each postal code; a single-valued field yields at most once.
// Callers that need "the first value" or "is this feature missing" build
// on top of this, mirroring the original system's field_iter generator.
func (p *PIIRecord) FieldIter(f Feature) []string {
	var out []string
	switch f {
	case FeatureBirthDate:
		if p.BirthDate != "" {
			out = append(out, p.BirthDate)
		}
	case FeatureMRN:
		if p.MRN != "" {
			out = append(out, p.MRN)
		}
	case FeatureSex:
		if p.Sex != "" {
			out = append(out, string(p.Sex))
		}
	case FeatureRace:
		if p.Race != "" {
			out = append(out, p.Race)
		}
	case FeatureGivenName, FeatureFirstName:
		for _, n := range p.Name {
			out = append(out, n.Given...)
		}
	case FeatureLastName:
		for _, n := range p.Name {
			if n.Family != "" {
				out = append(out, n.Family)
			}
		}
	case FeatureName:
		for _, n := range p.Name {
			out = append(out, strings.TrimSpace(strings.Join(append(append([]string{}, n.Given...), n.Family), " ")))
		}
	case FeatureSuffix:
		for _, n := range p.Name {
			out = append(out, n.Suffix...)
		}
	case FeatureAddress:
		// Only the first line of each address is compared; apartment
		// numbers and secondary lines are too volatile for blocking.
		for _, a := range p.Address {
			if len(a.Line) > 0 {
				out = append(out, a.Line[0])
			}
		}
	case FeatureCity:
		for _, a := range p.Address {
			if a.City != "" {
				out = append(out, a.City)
			}
		}
	case FeatureState:
		for _, a := range p.Address {
			if a.State != "" {
				out = append(out, a.State)
			}
		}
	case FeatureCounty:
		for _, a := range p.Address {
			if a.County != "" {
				out = append(out, a.County)
			}
		}
	case FeatureZip:
		for _, a := range p.Address {
			if a.PostalCode != "" {
				out = append(out, firstN(a.PostalCode, 5))
			}
		}
	case FeatureTelecom:
		for _, t := range p.Telecom {
			out = append(out, t.Value)
		}
	case FeaturePhone:
		for _, t := range p.Telecom {
			if t.System == "phone" && t.Value != "" {
				out = append(out, t.Value)
			}
		}
	case FeatureEmail:
		for _, t := range p.Telecom {
			if t.System == "email" && t.Value != "" {
				out = append(out, t.Value)
			}
		}
	case FeatureIdentifier:
		for _, id := range p.Identifier {
			if id.Value != "" {
				out = append(out, id.Value)
			}
		}
	}
	return out
}

// BlockingValues derives every blocking value this record produces for a
// given key, truncated/transformed per the rule for that key. A record
// missing the underlying feature produces zero values for that key, which
// is distinct from a feature present but empty.
//
// A value that would exceed BlockingValueMaxLength is truncated rather
// than rejected, since record content is untrusted caller input, not a
// programming invariant.
func (p *PIIRecord) BlockingValues(key BlockingKey) []string {
	var raw []string
	switch key {
	case BlockingKeyBirthdate:
		raw = p.FieldIter(FeatureBirthDate)
	case BlockingKeyMRN:
		for _, v := range p.FieldIter(FeatureMRN) {
			raw = append(raw, lastN(v, 4))
		}
	case BlockingKeySex:
		raw = p.FieldIter(FeatureSex)
	case BlockingKeyZip:
		raw = p.FieldIter(FeatureZip)
	case BlockingKeyFirstName:
		for _, v := range p.FieldIter(FeatureFirstName) {
			raw = append(raw, firstN(v, 4))
		}
	case BlockingKeyLastName:
		for _, v := range p.FieldIter(FeatureLastName) {
			raw = append(raw, firstN(v, 4))
		}
	case BlockingKeyAddress:
		for _, v := range p.FieldIter(FeatureAddress) {
			raw = append(raw, firstN(v, 4))
		}
	case BlockingKeyPhone:
		for _, v := range p.FieldIter(FeaturePhone) {
			raw = append(raw, lastN(digitsOnly(v), 4))
		}
	case BlockingKeyEmail:
		for _, v := range p.FieldIter(FeatureEmail) {
			raw = append(raw, firstN(strings.ToLower(v), 4))
		}
	case BlockingKeyIdentifier:
		for _, v := range p.FieldIter(FeatureIdentifier) {
			raw = append(raw, lastN(v, 4))
		}
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, v := range raw {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if len(v) > BlockingValueMaxLength {
			v = v[:BlockingValueMaxLength]
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func firstN(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}

func lastN(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return string(r)
	}
	return string(r[len(r)-n:])
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Person is a cluster of Patient records believed to represent the same
// real-world individual.
type Person struct {
	ID          int64     `json:"-"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Patient is a single demographic observation: one submission of a
// PIIRecord, linked to at most one Person. A Patient with no Person is
// orphaned.
type Patient struct {
	ID                   int64     `json:"-"`
	ReferenceID          string    `json:"reference_id"`
	PersonID             int64     `json:"-"`
	PersonReferenceID    string    `json:"person_reference_id"`
	Data                 PIIRecord `json:"data"`
	ExternalPatientID    string    `json:"external_patient_id,omitempty"`
	ExternalPersonID     string    `json:"external_person_id,omitempty"`
	ExternalPersonSource string    `json:"external_person_source,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// BlockingValue is one persisted (key, value) pair derived from a
// Patient's PIIRecord, indexed for fast candidate retrieval.
type BlockingValue struct {
	PatientID   int64
	BlockingKey BlockingKey
	Value       string
}

// SimilarityMeasure names a fuzzy string comparison algorithm available
// to FUZZY_MATCH and COMPARE_PROBABILISTIC_FUZZY_MATCH evaluators.
type SimilarityMeasure string

const (
	SimilarityJaroWinkler        SimilarityMeasure = "JaroWinkler"
	SimilarityLevenshtein        SimilarityMeasure = "Levenshtein"
	SimilarityDamerauLevenshtein SimilarityMeasure = "DamerauLevenshtein"
)

// EvaluatorKind enumerates the closed set of evaluator behaviors an
// AlgorithmPass may use to compare a single feature between two records.
type EvaluatorKind string

const (
	EvaluatorExactMatchAny                  EvaluatorKind = "EXACT_MATCH_ANY"
	EvaluatorExactMatchAll                  EvaluatorKind = "EXACT_MATCH_ALL"
	EvaluatorFuzzyMatch                     EvaluatorKind = "FUZZY_MATCH"
	EvaluatorCompareProbabilisticExactMatch EvaluatorKind = "COMPARE_PROBABILISTIC_EXACT_MATCH"
	EvaluatorCompareProbabilisticFuzzyMatch EvaluatorKind = "COMPARE_PROBABILISTIC_FUZZY_MATCH"
)

// RuleKind enumerates the closed set of pass-level aggregation rules.
type RuleKind string

const (
	RulePerfectMatch  RuleKind = "PERFECT_MATCH"
	RuleLogOddsCutoff RuleKind = "LOG_ODDS_CUTOFF"
)

// Evaluator binds one Feature to one EvaluatorKind plus its kwargs, e.g.
// {Feature: FIRST_NAME, Kind: FUZZY_MATCH, SimilarityMeasure: JaroWinkler,
// FuzzyMatchThreshold: 0.9}.
type Evaluator struct {
	Feature             Feature           `json:"feature"`
	Kind                EvaluatorKind     `json:"kind"`
	SimilarityMeasure   SimilarityMeasure `json:"similarity_measure,omitempty"`
	FuzzyMatchThreshold float64           `json:"fuzzy_match_threshold,omitempty"`
	LogOdds             float64           `json:"log_odds,omitempty"`
}

// AlgorithmPass is one scoring pass of an Algorithm: the blocking keys it
// queries candidates by, the evaluators it scores features with, and a
// rule name. The rule is stored with the pass but the matching engine
// does not consult it.
type AlgorithmPass struct {
	ID                  int64          `json:"id,omitempty"`
	Label               string         `json:"label"`
	BlockingKeys        []BlockingKey  `json:"blocking_keys"`
	Evaluators          []Evaluator    `json:"evaluators"`
	Rule                RuleKind       `json:"rule"`
	ClusterRatio        float64        `json:"cluster_ratio,omitempty"`
	PossibleMatchWindow [2]float64     `json:"possible_match_window"` // [lower, upper]
	Kwargs              map[string]any `json:"kwargs,omitempty"`
}

// SkipValue names a set of feature values that field_iter should never
// yield for matching or blocking purposes, e.g. placeholder values like
// "UNKNOWN" a source system fills in when the real value is absent.
// Feature "*" applies the values to every feature.
type SkipValue struct {
	Feature Feature  `json:"feature"`
	Values  []string `json:"values"`
}

// Algorithm is a named, versioned set of passes applied, in order, to
// grade a record against candidate Person clusters.
type Algorithm struct {
	ID                     int64           `json:"id,omitempty"`
	Label                  string          `json:"label"`
	Description            string          `json:"description,omitempty"`
	IsDefault              bool            `json:"is_default"`
	IncludeMultipleMatches bool            `json:"include_multiple_matches"`
	BelongingnessRatio     [2]float64      `json:"belongingness_ratio"`
	Passes                 []AlgorithmPass `json:"passes"`
	SkipValues             []SkipValue     `json:"skip_values,omitempty"`

	// MaxMissingAllowedProportion bounds the fraction of a pass's
	// blocking keys that may be absent from an incoming record before
	// get_block_data rejects the pass outright for lack of signal.
	MaxMissingAllowedProportion float64 `json:"max_missing_allowed_proportion,omitempty"`

	// MissingFieldPointsProportion is the fraction of an evaluator's
	// ceiling credited toward a patient's score when the compared
	// feature is absent on one or both sides, rather than scored 0 or 1.
	MissingFieldPointsProportion float64 `json:"missing_field_points_proportion,omitempty"`
}

// AlgorithmSummary is the list-view projection of an Algorithm: it omits
// the full pass configuration (evaluators, kwargs) to keep list endpoints
// cheap, replacing it with a count.
type AlgorithmSummary struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"is_default"`
	PassCount   int    `json:"pass_count"`
}

// TuningStatus enumerates the lifecycle of a TuningJob.
type TuningStatus string

const (
	TuningStatusPending   TuningStatus = "PENDING"
	TuningStatusRunning   TuningStatus = "RUNNING"
	TuningStatusCompleted TuningStatus = "COMPLETED"
	TuningStatusFailed    TuningStatus = "FAILED"
)

// LogOdd is one feature's calculated log-odds weight, the tuning engine's
// core output.
type LogOdd struct {
	Feature Feature `json:"feature"`
	Value   float64 `json:"value"`
}

// TuningParams are the inputs to a tuning run: counts of labeled
// true-match and non-match pairs already loaded into the MPI.
type TuningParams struct {
	TrueMatchPairs int `json:"true_match_pairs"`
	NonMatchPairs  int `json:"non_match_pairs"`
}

// TuningResults holds the output of a completed tuning run.
type TuningResults struct {
	DatasetSize       int        `json:"dataset_size"`
	TrueMatchesFound  int        `json:"true_matches_found"`
	NonMatchesFound   int        `json:"non_matches_found"`
	LogOdds           []LogOdd   `json:"log_odds"`
	RecommendedWindow [2]float64 `json:"recommended_window"`
}

// TuningJob is a single background tuning run.
type TuningJob struct {
	ID            string         `json:"id"`
	Status        TuningStatus   `json:"status"`
	Params        TuningParams   `json:"params"`
	Results       *TuningResults `json:"results,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}
