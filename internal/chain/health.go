package chain

import (
	"context"
	"sync"
	"time"
)

// Status buckets a health score.
type Status string

const (
	StatusHealthy  Status = "healthy"  // score >= 70
	StatusDegraded Status = "degraded" // 30 <= score < 70
	StatusDown     Status = "down"     // score < 30
)

// Failover trigger thresholds.
const (
	healthHistorySize  = 10
	failoverDownTicks  = 3
	switchbackTicks    = 10
	maxBlockAge        = 5 * time.Minute
	maxErrorRate       = 0.5
	maxConfirmLatency  = 60 * time.Second
	degradedScoreFloor = 30
	healthyScoreFloor  = 70
)

// Snapshot is one scored health tick for a chain.
type Snapshot struct {
	Chain          ID            `json:"chain"`
	Status         Status        `json:"status"`
	Score          int           `json:"score"`
	BlockHeight    uint64        `json:"block_height"`
	BlockAge       time.Duration `json:"block_age"`
	RPCLatency     time.Duration `json:"rpc_latency"`
	ConfirmLatency time.Duration `json:"confirm_latency"`
	ErrorRate      float64       `json:"error_rate"`
	ProbeErr       string        `json:"probe_error,omitempty"`
	At             time.Time     `json:"at"`
}

// StatsSource exposes rolling call statistics. RPCTarget implements it;
// test fakes may not.
type StatsSource interface {
	Stats() CallStats
}

// Monitor scores one chain from periodic probes and keeps a short history
// for the failover and switchback rules.
type Monitor struct {
	target Target
	now    func() time.Time

	mu                 sync.Mutex
	history            []Snapshot
	lastStats          CallStats
	consecutiveDown    int
	consecutiveHealthy int
}

// NewMonitor creates a monitor over the target.
func NewMonitor(target Target) *Monitor {
	return &Monitor{target: target, now: time.Now}
}

// Tick probes the chain once and records the scored snapshot.
func (m *Monitor) Tick(ctx context.Context) Snapshot {
	probeStart := m.now()
	info, err := m.target.BlockInfo(ctx)
	latency := m.now().Sub(probeStart)

	snap := Snapshot{
		Chain:      m.target.ID(),
		RPCLatency: latency,
		At:         m.now(),
	}
	if err != nil {
		snap.ProbeErr = err.Error()
	} else {
		snap.BlockHeight = info.Height
		snap.BlockAge = m.now().Sub(info.Timestamp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if src, ok := m.target.(StatsSource); ok {
		stats := src.Stats()
		window := stats.Total - m.lastStats.Total
		if window > 0 {
			snap.ErrorRate = float64(stats.Failed-m.lastStats.Failed) / float64(window)
		}
		snap.ConfirmLatency = stats.ConfirmLatency
		m.lastStats = stats
	}

	snap.Score = score(snap, err != nil)
	snap.Status = statusOf(snap.Score)

	switch snap.Status {
	case StatusDown:
		m.consecutiveDown++
		m.consecutiveHealthy = 0
	case StatusHealthy:
		m.consecutiveHealthy++
		m.consecutiveDown = 0
	default:
		m.consecutiveDown = 0
		m.consecutiveHealthy = 0
	}

	m.history = append(m.history, snap)
	if len(m.history) > healthHistorySize {
		m.history = m.history[len(m.history)-healthHistorySize:]
	}
	return snap
}

// score folds one snapshot into a 0-100 health score.
func score(snap Snapshot, probeFailed bool) int {
	if probeFailed {
		return 0
	}
	s := 100
	switch {
	case snap.BlockAge > maxBlockAge:
		s -= 100
	case snap.BlockAge > 2*time.Minute:
		s -= 40
	case snap.BlockAge > 30*time.Second:
		s -= 20
	}
	switch {
	case snap.ErrorRate > maxErrorRate:
		s -= 100
	case snap.ErrorRate > 0.25:
		s -= 40
	case snap.ErrorRate > 0.10:
		s -= 20
	}
	switch {
	case snap.RPCLatency > 5*time.Second:
		s -= 20
	case snap.RPCLatency > 2*time.Second:
		s -= 10
	}
	if snap.ConfirmLatency > maxConfirmLatency {
		s -= 100
	}
	if s < 0 {
		s = 0
	}
	return s
}

func statusOf(score int) Status {
	switch {
	case score >= healthyScoreFloor:
		return StatusHealthy
	case score >= degradedScoreFloor:
		return StatusDegraded
	default:
		return StatusDown
	}
}

// Latest returns the most recent snapshot, if any.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the retained snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.history...)
}

// ShouldFailover reports whether the monitored chain has crossed any of the
// hard failover triggers.
func (m *Monitor) ShouldFailover() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return false
	}
	if m.consecutiveDown >= failoverDownTicks {
		return true
	}
	last := m.history[len(m.history)-1]
	if last.ProbeErr == "" && last.BlockAge > maxBlockAge {
		return true
	}
	if last.ErrorRate > maxErrorRate {
		return true
	}
	if last.ConfirmLatency > maxConfirmLatency {
		return true
	}
	return false
}

// ConsecutiveHealthy returns the current run of healthy ticks.
func (m *Monitor) ConsecutiveHealthy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveHealthy
}

// ShouldSwitchBack reports whether operation should return from backup to
// primary: a sustained healthy run on primary while backup is not down.
func ShouldSwitchBack(primary, backup *Monitor) bool {
	if primary.ConsecutiveHealthy() < switchbackTicks {
		return false
	}
	last, ok := backup.Latest()
	if !ok {
		return true
	}
	return last.Status != StatusDown
}
