package conveyor

import "time"

// Config holds service-wide defaults shared by every queue that does not
// override them.
type Config struct {
	// PollInterval is how often an idle worker polls for new jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before active jobs are cancelled.
	ShutdownTimeout time.Duration

	// HeartbeatTimeout is how long an active job may go without a
	// heartbeat before it is considered stalled.
	HeartbeatTimeout time.Duration

	// StalledInterval is how often the reaper sweeps for stalled jobs.
	StalledInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     1 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		StalledInterval:  15 * time.Second,
	}
}
