package conveyor

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("conveyor: no store configured")
	ErrStoreClosed = errors.New("conveyor: store closed")

	// Not found errors.
	ErrJobNotFound   = errors.New("conveyor: job not found")
	ErrQueueNotFound = errors.New("conveyor: queue not found")

	// Enqueue-time errors. Surfaced synchronously to the caller;
	// jobs rejected with these never reach the store.
	ErrValidation      = errors.New("conveyor: invalid enqueue options")
	ErrPayloadTooLarge = errors.New("conveyor: payload exceeds size limit")
	ErrDuplicateJob    = errors.New("conveyor: duplicate idempotency key")

	// State errors.
	ErrInvalidState = errors.New("conveyor: invalid state transition")
	ErrJobActive    = errors.New("conveyor: job is claimed by a worker")
	ErrQueuePaused  = errors.New("conveyor: queue is paused")

	// ErrJobStalled is the synthetic failure recorded when the reaper
	// reclaims a job whose worker stopped heartbeating.
	ErrJobStalled = errors.New("conveyor: job stalled, worker heartbeat expired")
)
