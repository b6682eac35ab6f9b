package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/health"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

func newTestJob(queueName string) *job.Job {
	return &job.Job{ID: id.NewJobID(), Queue: queueName}
}

func TestCollector_CountsOutcomes(t *testing.T) {
	c := health.NewCollector()
	ctx := context.Background()
	j := newTestJob("email")

	_ = c.OnJobCompleted(ctx, j, 10*time.Millisecond)
	_ = c.OnJobCompleted(ctx, j, 30*time.Millisecond)
	_ = c.OnJobFailed(ctx, j, errors.New("boom"))

	snap := c.Snapshot("email")
	if snap.TotalJobs != 3 {
		t.Errorf("TotalJobs = %d, want 3", snap.TotalJobs)
	}
	if snap.SuccessfulJobs != 2 {
		t.Errorf("SuccessfulJobs = %d, want 2", snap.SuccessfulJobs)
	}
	if snap.FailedJobs != 1 {
		t.Errorf("FailedJobs = %d, want 1", snap.FailedJobs)
	}
	if snap.LastSuccessAt == nil || snap.LastFailureAt == nil {
		t.Error("expected both timestamps recorded")
	}

	// Average of 10ms and 30ms.
	if snap.AverageProcessingTimeMs < 19 || snap.AverageProcessingTimeMs > 21 {
		t.Errorf("AverageProcessingTimeMs = %f, want ~20", snap.AverageProcessingTimeMs)
	}
}

func TestCollector_SuccessResetsStreak(t *testing.T) {
	c := health.NewCollector()
	ctx := context.Background()
	j := newTestJob("email")

	_ = c.OnJobRetrying(ctx, j, 1, time.Now())
	_ = c.OnJobFailed(ctx, j, errors.New("boom"))
	if got := c.Snapshot("email").ConsecutiveFailures; got != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2", got)
	}

	_ = c.OnJobCompleted(ctx, j, time.Millisecond)
	if got := c.Snapshot("email").ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after success", got)
	}
}

func TestCollector_PerQueueIsolation(t *testing.T) {
	c := health.NewCollector()
	ctx := context.Background()

	_ = c.OnJobFailed(ctx, newTestJob("email"), errors.New("boom"))
	_ = c.OnJobCompleted(ctx, newTestJob("video"), time.Millisecond)
	_ = c.OnJobStalled(ctx, newTestJob("video"))

	if got := c.Snapshot("email").FailedJobs; got != 1 {
		t.Errorf("email failed = %d, want 1", got)
	}
	if got := c.Snapshot("video").FailedJobs; got != 0 {
		t.Errorf("video failed = %d, want 0", got)
	}
	if got := c.Snapshot("video").StalledJobs; got != 1 {
		t.Errorf("video stalled = %d, want 1", got)
	}
	if len(c.Snapshots()) != 2 {
		t.Errorf("snapshots = %d, want 2", len(c.Snapshots()))
	}
}

func TestCollector_UnseenQueueZero(t *testing.T) {
	c := health.NewCollector()
	snap := c.Snapshot("ghost")
	if snap.TotalJobs != 0 || snap.ConsecutiveFailures != 0 {
		t.Errorf("unseen queue snapshot = %+v, want zero", snap)
	}
}

func TestMonitor_Classify(t *testing.T) {
	m := health.NewMonitor(health.NewCollector(), health.DefaultThresholds)

	tests := []struct {
		streak int
		want   health.Status
	}{
		{0, health.StatusHealthy},
		{2, health.StatusHealthy},
		{3, health.StatusDegraded},
		{10, health.StatusDegraded},
		{11, health.StatusUnhealthy},
		{100, health.StatusUnhealthy},
	}
	for _, tt := range tests {
		if got := m.Classify(tt.streak); got != tt.want {
			t.Errorf("Classify(%d) = %q, want %q", tt.streak, got, tt.want)
		}
	}
}

func TestMonitor_Check(t *testing.T) {
	c := health.NewCollector()
	m := health.NewMonitor(c, health.Thresholds{Degraded: 1, Unhealthy: 3})
	ctx := context.Background()

	j := newTestJob("email")
	_ = c.OnJobFailed(ctx, j, errors.New("boom"))
	_ = c.OnJobFailed(ctx, j, errors.New("boom"))

	report := m.Check("email")
	if report.Status != health.StatusDegraded {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
	if report.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", report.ConsecutiveFailures)
	}

	reports := m.CheckAll()
	if len(reports) != 1 {
		t.Fatalf("CheckAll = %d reports, want 1", len(reports))
	}
}
