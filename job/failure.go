package job

import (
	"time"

	"github.com/conveyorhq/conveyor/retry"
)

// ApplyFailure transitions j in place after a failed or stalled attempt.
// While attempts remain it clears the claim and reschedules the job with
// backoff; otherwise it records the failure terminally. Attempts were
// already incremented at claim time, so the decision uses the current
// count. Every store backend funnels its retry-or-fail decision through
// here so the semantics cannot drift between them.
func ApplyFailure(j *Job, failure string, now time.Time) *FailResult {
	res := &FailResult{
		Owned:    true,
		Attempts: j.Attempts,
	}

	j.ClearClaim()
	j.UpdatedAt = now

	if !retry.ShouldRetry(j.Attempts, j.MaxAttempts) {
		j.State = StateFailed
		j.Error = failure
		j.Result = nil
		return res
	}

	// Error is only meaningful on terminal jobs; a retried job goes back
	// to the queue with a clean slate.
	j.Error = ""

	policy := retry.New(string(j.BackoffKind), j.BackoffBase, j.BackoffMax)
	delay := policy.Delay(j.Attempts)

	res.Retried = true
	res.Delay = delay
	res.AvailableAt = now.Add(delay)

	j.AvailableAt = res.AvailableAt
	if delay > 0 {
		j.State = StateDelayed
	} else {
		j.State = StateWaiting
	}

	return res
}
