package tuning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthlink/mpi/pkg/models"
)

// PairSource supplies the labeled pairs a tuning run calibrates against.
// Implemented by an MPI-backed repository in production and a fixture in
// tests.
type PairSource interface {
	TrueMatchPairs(ctx context.Context) ([]Pair, error)
	NonMatchPairs(ctx context.Context) ([]Pair, error)
}

// Recorder persists job state transitions. Implemented by a pgx-backed
// repository in production.
type Recorder interface {
	SaveJob(ctx context.Context, job models.TuningJob) error
}

// Supervisor runs at most one TuningJob at a time. Its background-goroutine
// shape is adapted from the teacher's audit.Logger, but where the logger
// continuously drains an event channel, the supervisor here runs a single
// job to completion (or to its deadline) and records the terminal state.
// State is guarded by a mutex; there is no Stop method, and a running job
// ends only when its calculation returns.
type Supervisor struct {
	pairs    PairSource
	recorder Recorder
	timeout  time.Duration

	mu      sync.Mutex
	current *models.TuningJob
}

func NewSupervisor(pairs PairSource, recorder Recorder, timeout time.Duration) *Supervisor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Supervisor{pairs: pairs, recorder: recorder, timeout: timeout}
}

// ErrJobAlreadyRunning is returned by Start when a PENDING or RUNNING job
// already exists, enforcing the at-most-one-active-job invariant.
var ErrJobAlreadyRunning = fmt.Errorf("tuning: a job is already pending or running")

// Start launches a new tuning job in the background and returns
// immediately with its PENDING record. Only one job may be active
// (PENDING or RUNNING) at a time; Start returns ErrJobAlreadyRunning
// otherwise.
func (s *Supervisor) Start(ctx context.Context, params models.TuningParams) (*models.TuningJob, error) {
	s.mu.Lock()
	if s.current != nil && (s.current.Status == models.TuningStatusPending || s.current.Status == models.TuningStatusRunning) {
		s.mu.Unlock()
		return nil, ErrJobAlreadyRunning
	}
	job := &models.TuningJob{
		ID:        uuid.NewString(),
		Status:    models.TuningStatusPending,
		Params:    params,
		StartedAt: time.Now(),
	}
	s.current = job
	s.mu.Unlock()

	if err := s.recorder.SaveJob(ctx, *job); err != nil {
		return nil, fmt.Errorf("tuning: save pending job: %w", err)
	}

	go s.run(job.ID)

	return job, nil
}

// Current returns the most recently started job, if any.
func (s *Supervisor) Current() *models.TuningJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

func (s *Supervisor) run(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.setStatus(models.TuningStatusRunning)

	results, err := s.calculate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != jobID {
		return
	}
	now := time.Now()
	s.current.FinishedAt = &now
	if err != nil {
		s.current.Status = models.TuningStatusFailed
		s.current.FailureReason = err.Error()
	} else {
		s.current.Status = models.TuningStatusCompleted
		s.current.Results = results
	}
	// Best-effort: a failure to persist the terminal state doesn't
	// change what already happened to the job in memory, and the next
	// Start call will overwrite it regardless.
	_ = s.recorder.SaveJob(ctx, *s.current)
}

func (s *Supervisor) setStatus(status models.TuningStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Status = status
	}
}

func (s *Supervisor) calculate(ctx context.Context) (*models.TuningResults, error) {
	truePairs, err := s.pairs.TrueMatchPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load true-match pairs: %w", err)
	}
	nonMatchPairs, err := s.pairs.NonMatchPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load non-match pairs: %w", err)
	}

	mProbs := calculateMProbs(truePairs)
	uProbs := calculateUProbs(nonMatchPairs)
	logOdds := calculateLogOdds(mProbs, uProbs)
	sort.Slice(logOdds, func(i, j int) bool { return logOdds[i].Feature < logOdds[j].Feature })

	return &models.TuningResults{
		DatasetSize:       len(truePairs) + len(nonMatchPairs),
		TrueMatchesFound:  len(truePairs),
		NonMatchesFound:   len(nonMatchPairs),
		LogOdds:           logOdds,
		RecommendedWindow: recommendWindow(logOdds),
	}, nil
}

// recommendWindow derives a (lower, upper) possible_match_window from the
// calculated log-odds: the lower bound is the sum of the two smallest
// weights, counting only those that are positive, and the upper bound is
// the full sum, i.e. a record that agreed on every calculated field.
func recommendWindow(logOdds []models.LogOdd) [2]float64 {
	if len(logOdds) == 0 {
		return [2]float64{0, 0}
	}
	values := make([]float64, len(logOdds))
	var total float64
	for i, lo := range logOdds {
		values[i] = lo.Value
		total += lo.Value
	}
	sort.Float64s(values)
	lower := 0.0
	for i := 0; i < len(values) && i < 2; i++ {
		if values[i] > 0 {
			lower += values[i]
		}
	}
	return [2]float64{lower, total}
}
