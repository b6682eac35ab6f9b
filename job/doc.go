// Package job defines the job entity, state machine, typed processor
// definitions, and the store interface.
//
// # Job Entity
//
// A [Job] represents one unit of queued work. It carries an opaque
// payload, a retry budget, and claim bookkeeping, and progresses through
// a state machine:
//
//	waiting → active → completed
//	waiting → active → waiting/delayed → active → ...
//	waiting → active → failed
//	delayed → waiting (automatic, once AvailableAt elapses)
//
// Fields of note:
//   - Queue: which queue the job belongs to
//   - Priority: higher values are claimed first; FIFO among equals
//   - Attempts / MaxAttempts: controls the retry budget
//   - AvailableAt: earliest time the job may be claimed
//   - ClaimedBy / HeartbeatAt: worker ownership, tracked by the store
//
// # Defining a Processor
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs:
//
//	var SendEmail = job.NewDefinition("emails",
//	    func(ctx context.Context, input EmailInput, _ job.ProgressFunc) (any, error) {
//	        return nil, mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	)
//
// # Registry
//
// [Registry] maps queue names to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, SendEmail)
//
// The engine package provides higher-level RegisterProcessor and
// Enqueue wrappers.
package job
