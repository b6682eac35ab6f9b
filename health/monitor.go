package health

// Status classifies a queue's recent behaviour.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds configure the consecutive-failure boundaries between
// statuses. A streak at or below Degraded is healthy, at or below
// Unhealthy is degraded, and anything beyond is unhealthy.
type Thresholds struct {
	Degraded  int
	Unhealthy int
}

// DefaultThresholds tolerate a couple of flaky jobs before flagging a
// queue and require a sustained streak before calling it unhealthy.
var DefaultThresholds = Thresholds{Degraded: 2, Unhealthy: 10}

// Monitor classifies queue snapshots against failure thresholds.
type Monitor struct {
	collector  *Collector
	thresholds Thresholds
}

// NewMonitor creates a monitor over the collector. Zero thresholds are
// replaced with DefaultThresholds.
func NewMonitor(collector *Collector, thresholds Thresholds) *Monitor {
	if thresholds.Degraded <= 0 {
		thresholds.Degraded = DefaultThresholds.Degraded
	}
	if thresholds.Unhealthy <= thresholds.Degraded {
		thresholds.Unhealthy = DefaultThresholds.Unhealthy
		if thresholds.Unhealthy <= thresholds.Degraded {
			thresholds.Unhealthy = thresholds.Degraded + 1
		}
	}
	return &Monitor{collector: collector, thresholds: thresholds}
}

// Classify maps a consecutive-failure streak to a status.
func (m *Monitor) Classify(consecutiveFailures int) Status {
	switch {
	case consecutiveFailures <= m.thresholds.Degraded:
		return StatusHealthy
	case consecutiveFailures <= m.thresholds.Unhealthy:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Report pairs a snapshot with its classification.
type Report struct {
	Snapshot
	Status Status `json:"status"`
}

// Check returns the current report for one queue.
func (m *Monitor) Check(queue string) Report {
	snap := m.collector.Snapshot(queue)
	return Report{Snapshot: snap, Status: m.Classify(snap.ConsecutiveFailures)}
}

// CheckAll returns reports for every queue the collector has seen.
func (m *Monitor) CheckAll() []Report {
	snaps := m.collector.Snapshots()
	reports := make([]Report, 0, len(snaps))
	for _, snap := range snaps {
		reports = append(reports, Report{Snapshot: snap, Status: m.Classify(snap.ConsecutiveFailures)})
	}
	return reports
}
