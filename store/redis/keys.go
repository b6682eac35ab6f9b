package redis

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// jobKey returns the key for a job hash: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// readyKey returns the Sorted Set of claimable job IDs, scored by
// priority (negated for DESC) plus an enqueue-time component for FIFO
// among equals: conveyor:queue:{name}:ready
func readyKey(queue string) string { return keyPrefix + "queue:" + queue + ":ready" }

// delayedKey returns the Sorted Set of not-yet-due job IDs, scored by
// the AvailableAt unix milli timestamp: conveyor:queue:{name}:delayed
func delayedKey(queue string) string { return keyPrefix + "queue:" + queue + ":delayed" }

// activeKey returns the Set of claimed job IDs: conveyor:queue:{name}:active
func activeKey(queue string) string { return keyPrefix + "queue:" + queue + ":active" }

// jobsKey returns the Set of every job ID ever enqueued on the queue:
// conveyor:queue:{name}:jobs
func jobsKey(queue string) string { return keyPrefix + "queue:" + queue + ":jobs" }

// pausedKey returns the pause flag key: conveyor:queue:{name}:paused
func pausedKey(queue string) string { return keyPrefix + "queue:" + queue + ":paused" }

// idempKey returns the Hash mapping idempotency keys to the job ID
// currently holding them: conveyor:queue:{name}:idemp
func idempKey(queue string) string { return keyPrefix + "queue:" + queue + ":idemp" }
