package job_test

import (
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

func activeJob(attempts, maxAttempts int) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:          id.NewJobID(),
		Queue:       "default",
		State:       job.StateActive,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		ClaimedBy:   id.NewWorkerID(),
		ClaimedAt:   &now,
		HeartbeatAt: &now,
		BackoffKind: job.BackoffExponential,
		BackoffBase: time.Second,
	}
}

func TestApplyFailure_Reschedules(t *testing.T) {
	now := time.Now().UTC()
	j := activeJob(1, 3)
	j.Error = "stale error from an earlier attempt"

	res := job.ApplyFailure(j, "boom", now)

	if !res.Owned || !res.Retried {
		t.Fatalf("expected owned retry, got %+v", res)
	}
	if res.Delay != time.Second {
		t.Errorf("Delay = %v, want 1s (exponential, attempt 1)", res.Delay)
	}
	if j.State != job.StateDelayed {
		t.Errorf("State = %q, want delayed", j.State)
	}
	if !j.AvailableAt.Equal(now.Add(time.Second)) {
		t.Errorf("AvailableAt = %v, want %v", j.AvailableAt, now.Add(time.Second))
	}
	if j.Error != "" {
		t.Errorf("Error = %q, want empty on a retried job", j.Error)
	}
	if !j.ClaimedBy.IsNil() || j.ClaimedAt != nil || j.HeartbeatAt != nil {
		t.Error("claim fields should be cleared")
	}
}

func TestApplyFailure_BackoffGrows(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}
	for _, tt := range tests {
		j := activeJob(tt.attempts, 10)
		res := job.ApplyFailure(j, "boom", now)
		if res.Delay != tt.want {
			t.Errorf("attempt %d: Delay = %v, want %v", tt.attempts, res.Delay, tt.want)
		}
	}
}

func TestApplyFailure_Exhausted(t *testing.T) {
	now := time.Now().UTC()
	j := activeJob(3, 3)
	j.Result = []byte("stale")

	res := job.ApplyFailure(j, "boom", now)

	if res.Retried {
		t.Fatal("expected terminal failure at attempt ceiling")
	}
	if j.State != job.StateFailed {
		t.Errorf("State = %q, want failed", j.State)
	}
	if j.Result != nil {
		t.Error("terminal failure must not carry a result")
	}
	if j.Error != "boom" {
		t.Errorf("Error = %q", j.Error)
	}
}

func TestApplyFailure_FixedBackoff(t *testing.T) {
	now := time.Now().UTC()
	j := activeJob(5, 10)
	j.BackoffKind = job.BackoffFixed
	j.BackoffBase = 250 * time.Millisecond

	res := job.ApplyFailure(j, "boom", now)
	if res.Delay != 250*time.Millisecond {
		t.Errorf("Delay = %v, want fixed 250ms", res.Delay)
	}
}
