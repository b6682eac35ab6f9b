package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/store/memory"
)

func newJob(queue string, priority int) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:          id.NewJobID(),
		Queue:       queue,
		Payload:     []byte(`{}`),
		Priority:    priority,
		State:       job.StateWaiting,
		MaxAttempts: 3,
		AvailableAt: now,
		BackoffKind: job.BackoffFixed,
		BackoffBase: time.Millisecond,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
}

func mustEnqueue(t *testing.T, s *memory.Store, j *job.Job) {
	t.Helper()
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestEnqueueAndGet(t *testing.T) {
	s := memory.New()
	j := newJob("default", 0)
	mustEnqueue(t, s, j)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateWaiting {
		t.Errorf("State = %q, want waiting", got.State)
	}

	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestEnqueue_IdempotencyCollision(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first := newJob("default", 0)
	first.IdempotencyKey = "avatar-42"
	mustEnqueue(t, s, first)

	dup := newJob("default", 0)
	dup.IdempotencyKey = "avatar-42"
	if err := s.EnqueueJob(ctx, dup); !errors.Is(err, conveyor.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	// A terminal holder releases the key.
	w := id.NewWorkerID()
	claimed, _ := s.ClaimNext(ctx, "default", w)
	if claimed == nil {
		t.Fatal("expected claim")
	}
	if _, err := s.Complete(ctx, claimed.ID, w, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.EnqueueJob(ctx, dup); err != nil {
		t.Fatalf("expected enqueue after terminal holder, got %v", err)
	}
}

func TestClaimNext_AtMostOneClaim(t *testing.T) {
	s := memory.New()
	j := newJob("default", 0)
	mustEnqueue(t, s, j)

	const callers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimNext(context.Background(), "default", id.NewWorkerID())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if got != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("claim wins = %d, want exactly 1", wins.Load())
	}
}

func TestClaimNext_PriorityOrdering(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for _, p := range []int{1, 5, 3} {
		mustEnqueue(t, s, newJob("default", p))
	}

	w := id.NewWorkerID()
	var got []int
	for range 3 {
		j, err := s.ClaimNext(ctx, "default", w)
		if err != nil || j == nil {
			t.Fatalf("claim: %v %v", j, err)
		}
		got = append(got, j.Priority)
	}

	want := []int{5, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", got, want)
		}
	}
}

func TestClaimNext_FIFOTieBreak(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first := newJob("default", 7)
	second := newJob("default", 7)
	second.EnqueuedAt = first.EnqueuedAt.Add(time.Millisecond)
	mustEnqueue(t, s, first)
	mustEnqueue(t, s, second)

	w := id.NewWorkerID()
	a, _ := s.ClaimNext(ctx, "default", w)
	b, _ := s.ClaimNext(ctx, "default", w)
	if a.ID.String() != first.ID.String() {
		t.Errorf("first claim = %s, want %s", a.ID, first.ID)
	}
	if b.ID.String() != second.ID.String() {
		t.Errorf("second claim = %s, want %s", b.ID, second.ID)
	}
}

func TestClaimNext_DelayedNotEligible(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	j.State = job.StateDelayed
	j.AvailableAt = time.Now().UTC().Add(time.Hour)
	mustEnqueue(t, s, j)

	got, err := s.ClaimNext(ctx, "default", id.NewWorkerID())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatal("delayed job must not be claimable before AvailableAt")
	}
}

func TestClaimNext_DelayedBecomesEligible(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	j.State = job.StateDelayed
	j.AvailableAt = time.Now().UTC().Add(-time.Second)
	mustEnqueue(t, s, j)

	got, err := s.ClaimNext(ctx, "default", id.NewWorkerID())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil {
		t.Fatal("due delayed job must be claimable")
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 after first claim", got.Attempts)
	}
}

func TestClaimNext_Paused(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.PauseQueue(ctx, "default"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	for range 3 {
		mustEnqueue(t, s, newJob("default", 0))
	}

	if got, _ := s.ClaimNext(ctx, "default", id.NewWorkerID()); got != nil {
		t.Fatal("paused queue must yield no claims")
	}

	if err := s.ResumeQueue(ctx, "default"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got, _ := s.ClaimNext(ctx, "default", id.NewWorkerID()); got == nil {
		t.Fatal("resumed queue must yield claims")
	}
}

func TestComplete_Idempotent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	mustEnqueue(t, s, newJob("default", 0))

	w := id.NewWorkerID()
	j, _ := s.ClaimNext(ctx, "default", w)

	ok, err := s.Complete(ctx, j.ID, w, []byte(`"done"`))
	if err != nil || !ok {
		t.Fatalf("first complete: ok=%v err=%v", ok, err)
	}

	// Second complete (simulating a race after reap) must be rejected
	// without corrupting state.
	ok, err = s.Complete(ctx, j.ID, w, []byte(`"again"`))
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if ok {
		t.Fatal("second complete must return false")
	}

	got, _ := s.GetJob(ctx, j.ID)
	if string(got.Result) != `"done"` {
		t.Errorf("Result = %s, want first result preserved", got.Result)
	}
}

func TestFail_RetriesThenExhausts(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	j.MaxAttempts = 3
	mustEnqueue(t, s, j)

	w := id.NewWorkerID()
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimNext(ctx, "default", w)
		if err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if claimed == nil {
			t.Fatalf("claim %d: no job (backoff not elapsed?)", attempt)
		}
		if claimed.Attempts != attempt {
			t.Fatalf("Attempts = %d, want %d", claimed.Attempts, attempt)
		}

		res, err := s.Fail(ctx, claimed.ID, w, "boom")
		if err != nil {
			t.Fatalf("fail %d: %v", attempt, err)
		}
		if attempt < 3 && !res.Retried {
			t.Fatalf("attempt %d should retry", attempt)
		}
		if attempt == 3 && res.Retried {
			t.Fatal("attempt 3 must be terminal")
		}

		// Fixed 1ms backoff; wait for eligibility.
		time.Sleep(5 * time.Millisecond)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want exactly 3", got.Attempts)
	}
	if got.Error != "boom" {
		t.Errorf("Error = %q", got.Error)
	}

	// Never a 4th claim.
	if extra, _ := s.ClaimNext(ctx, "default", w); extra != nil {
		t.Fatal("failed job must not be claimable")
	}
}

func TestHeartbeatOwnership(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	mustEnqueue(t, s, newJob("default", 0))

	w := id.NewWorkerID()
	j, _ := s.ClaimNext(ctx, "default", w)

	if ok, _ := s.Heartbeat(ctx, j.ID, w); !ok {
		t.Fatal("owner heartbeat should succeed")
	}
	if ok, _ := s.Heartbeat(ctx, j.ID, id.NewWorkerID()); ok {
		t.Fatal("non-owner heartbeat must fail")
	}
}

func TestRequeueStalled(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	j.MaxAttempts = 3
	mustEnqueue(t, s, j)

	w := id.NewWorkerID()
	claimed, _ := s.ClaimNext(ctx, "default", w)

	// Worker goes silent; heartbeat ages past the timeout.
	time.Sleep(20 * time.Millisecond)

	res, err := s.RequeueStalled(ctx, "default", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("requeue stalled: %v", err)
	}
	if len(res.Requeued) != 1 || len(res.Failed) != 0 {
		t.Fatalf("reap result = %d requeued / %d failed, want 1/0", len(res.Requeued), len(res.Failed))
	}

	got, _ := s.GetJob(ctx, claimed.ID)
	if got.State == job.StateActive {
		t.Fatal("stalled job must not remain active")
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (claim already counted)", got.Attempts)
	}

	// The dead worker's late completion must be rejected.
	if ok, _ := s.Complete(ctx, claimed.ID, w, nil); ok {
		t.Fatal("completion after reap must return false")
	}
}

func TestRequeueStalled_ExhaustedFails(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	j.MaxAttempts = 1
	mustEnqueue(t, s, j)

	w := id.NewWorkerID()
	if claimed, _ := s.ClaimNext(ctx, "default", w); claimed == nil {
		t.Fatal("expected claim")
	}

	time.Sleep(20 * time.Millisecond)
	res, err := s.RequeueStalled(ctx, "default", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("requeue stalled: %v", err)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("expected terminal failure, got %+v", res)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
	if got.Error == "" {
		t.Error("stalled failure must carry the stalled error")
	}
}

func TestDeleteJob(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	mustEnqueue(t, s, j)

	w := id.NewWorkerID()
	claimed, _ := s.ClaimNext(ctx, "default", w)
	if err := s.DeleteJob(ctx, claimed.ID); !errors.Is(err, conveyor.ErrJobActive) {
		t.Fatalf("expected ErrJobActive, got %v", err)
	}

	if _, err := s.Complete(ctx, claimed.ID, w, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.DeleteJob(ctx, claimed.ID); err != nil {
		t.Fatalf("delete terminal: %v", err)
	}
}

func TestRetryJob(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	j.MaxAttempts = 1
	mustEnqueue(t, s, j)

	w := id.NewWorkerID()
	claimed, _ := s.ClaimNext(ctx, "default", w)
	if _, err := s.Fail(ctx, claimed.ID, w, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := s.RetryJob(ctx, j.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateWaiting {
		t.Errorf("State = %q, want waiting", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want unchanged 1", got.Attempts)
	}

	// Retry of a non-failed job is rejected.
	if err := s.RetryJob(ctx, j.ID); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRetryJob_ExhaustedKeepsAttemptsCeiling(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newJob("default", 0)
	j.MaxAttempts = 1
	mustEnqueue(t, s, j)

	w := id.NewWorkerID()
	claimed, _ := s.ClaimNext(ctx, "default", w)
	if _, err := s.Fail(ctx, claimed.ID, w, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.RetryJob(ctx, j.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// The retried job is exhausted, so the ceiling stretches to admit
	// exactly one more execution.
	got, _ := s.GetJob(ctx, j.ID)
	if got.MaxAttempts != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", got.MaxAttempts)
	}

	reclaimed, err := s.ClaimNext(ctx, "default", w)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("retried job not claimable")
	}
	if reclaimed.Attempts > reclaimed.MaxAttempts {
		t.Fatalf("Attempts = %d exceeds MaxAttempts = %d", reclaimed.Attempts, reclaimed.MaxAttempts)
	}
	if res, _ := s.Fail(ctx, reclaimed.ID, w, "boom again"); res.Retried {
		t.Fatal("second exhaustion must be terminal")
	}
}

func TestStateCountsAndList(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for range 3 {
		mustEnqueue(t, s, newJob("default", 0))
	}
	delayed := newJob("default", 0)
	delayed.State = job.StateDelayed
	delayed.AvailableAt = time.Now().UTC().Add(time.Hour)
	mustEnqueue(t, s, delayed)
	mustEnqueue(t, s, newJob("other", 0))

	counts, err := s.StateCounts(ctx, "default")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Waiting != 3 || counts.Delayed != 1 {
		t.Errorf("counts = %+v, want 3 waiting / 1 delayed", counts)
	}
	if counts.Total() != 4 {
		t.Errorf("Total = %d, want 4", counts.Total())
	}

	list, err := s.ListJobsByState(ctx, "default", job.StateWaiting, job.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("list len = %d, want 2", len(list))
	}
}

func TestCleanAndPurge(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := id.NewWorkerID()

	for range 2 {
		mustEnqueue(t, s, newJob("default", 0))
		j, _ := s.ClaimNext(ctx, "default", w)
		if _, err := s.Complete(ctx, j.ID, w, nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	mustEnqueue(t, s, newJob("default", 0))

	// Everything just finished, so a long grace period removes nothing.
	n, err := s.Clean(ctx, "default", job.StateCompleted, time.Hour)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if n != 0 {
		t.Errorf("clean removed %d with 1h grace, want 0", n)
	}

	n, err = s.Clean(ctx, "default", job.StateCompleted, 0)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if n != 2 {
		t.Errorf("clean removed %d, want 2", n)
	}

	// Clean rejects non-terminal states.
	if _, err := s.Clean(ctx, "default", job.StateWaiting, 0); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	n, err = s.Purge(ctx, "default")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purge removed %d, want 1", n)
	}
}
