package tuning

import (
	"context"
	"testing"
	"time"

	"github.com/healthlink/mpi/pkg/models"
)

type fakePairSource struct {
	trueMatches []Pair
	nonMatches  []Pair
}

func (f *fakePairSource) TrueMatchPairs(ctx context.Context) ([]Pair, error) { return f.trueMatches, nil }
func (f *fakePairSource) NonMatchPairs(ctx context.Context) ([]Pair, error)  { return f.nonMatches, nil }

type fakeRecorder struct {
	saved []models.TuningJob
}

func (f *fakeRecorder) SaveJob(ctx context.Context, job models.TuningJob) error {
	f.saved = append(f.saved, job)
	return nil
}

func TestSupervisor_StartRejectsSecondConcurrentJob(t *testing.T) {
	pairs := &fakePairSource{trueMatches: []Pair{{A: rec("Smith"), B: rec("Smith")}}}
	sup := NewSupervisor(pairs, &fakeRecorder{}, time.Second)

	if _, err := sup.Start(context.Background(), models.TuningParams{TrueMatchPairs: 1}); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if _, err := sup.Start(context.Background(), models.TuningParams{TrueMatchPairs: 1}); err != ErrJobAlreadyRunning {
		t.Fatalf("second Start returned %v, want ErrJobAlreadyRunning", err)
	}
}

func TestSupervisor_RunCompletesAndRecordsResults(t *testing.T) {
	pairs := &fakePairSource{
		trueMatches: []Pair{{A: rec("Smith"), B: rec("Smith")}},
		nonMatches:  []Pair{{A: rec("Smith"), B: rec("Jones")}},
	}
	recorder := &fakeRecorder{}
	sup := NewSupervisor(pairs, recorder, time.Second)

	job, err := sup.Start(context.Background(), models.TuningParams{TrueMatchPairs: 1, NonMatchPairs: 1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if job.Status != models.TuningStatusPending {
		t.Errorf("initial status = %v, want PENDING", job.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := sup.Current()
		if current.Status == models.TuningStatusCompleted || current.Status == models.TuningStatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	final := sup.Current()
	if final.Status != models.TuningStatusCompleted {
		t.Fatalf("final status = %v, want COMPLETED (failure: %s)", final.Status, final.FailureReason)
	}
	if final.Results == nil || final.Results.DatasetSize != 2 {
		t.Fatalf("unexpected results: %+v", final.Results)
	}
}
