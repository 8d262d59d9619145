// Package healthmon runs ambient node health probes that feed the CLI's
// status surface but never participate in
// the group's executive message stream — they are local, best-effort, and
// never block the cooperative event loop.
package healthmon

import (
	"context"
	"sync"
	"time"

	"clustercore/internal/check"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPInterval  = 60 * time.Second
	defaultNTPThreshold = 500 * time.Millisecond
)

// NTPPhase tracks the clock-skew check's own small state machine, separate
// from any entity's oper/presence state.
type NTPPhase uint8

const (
	NTPUnchecked NTPPhase = iota + 1
	NTPHealthy
	NTPUnhealthyOffset
	NTPError
)

func (p NTPPhase) String() string {
	switch p {
	case NTPUnchecked:
		return "unchecked"
	case NTPHealthy:
		return "healthy"
	case NTPUnhealthyOffset:
		return "unhealthy_offset"
	case NTPError:
		return "error"
	default:
		return "unknown"
	}
}

func (p NTPPhase) Transition(to NTPPhase) NTPPhase {
	ok := false
	switch p {
	case NTPUnchecked:
		ok = to == NTPHealthy || to == NTPUnhealthyOffset || to == NTPError
	case NTPHealthy:
		ok = to == NTPUnhealthyOffset || to == NTPError
	case NTPUnhealthyOffset:
		ok = to == NTPHealthy || to == NTPError
	case NTPError:
		ok = to == NTPHealthy || to == NTPUnhealthyOffset || to == NTPError
	}
	check.Assertf(ok, "ntp transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// NTPStatus is the last observed clock-skew sample.
type NTPStatus struct {
	Offset    time.Duration
	Phase     NTPPhase
	Error     string
	CheckedAt time.Time
}

// NTPChecker periodically samples clock offset against a pool server and
// exposes the last result for clusterctl's status command.
type NTPChecker struct {
	mu        sync.RWMutex
	status    NTPStatus
	pool      string
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	// CheckFunc overrides the real NTP query in tests.
	CheckFunc func() NTPStatus
}

// NewNTPChecker builds a checker using now for timestamps; now must not be
// nil (pass time.Now in production, a fake clock's Now in tests).
func NewNTPChecker(now func() time.Time) *NTPChecker {
	check.Assert(now != nil, "healthmon.NewNTPChecker: now must not be nil")
	return &NTPChecker{
		pool:      defaultNTPPool,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
		status:    NTPStatus{Phase: NTPUnchecked},
		now:       now,
	}
}

// Run samples on a fixed interval until ctx is canceled.
func (n *NTPChecker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *NTPChecker) check() {
	if n.CheckFunc != nil {
		n.mu.Lock()
		n.status = n.CheckFunc()
		n.mu.Unlock()
		return
	}

	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if err != nil {
		n.status = NTPStatus{Error: err.Error(), Phase: NTPError, CheckedAt: now}
		return
	}

	phase := NTPUnhealthyOffset
	if resp.ClockOffset.Abs() < n.threshold {
		phase = NTPHealthy
	}
	n.status = NTPStatus{Offset: resp.ClockOffset, Phase: phase, CheckedAt: now}
}

// Status returns the last sample taken.
func (n *NTPChecker) Status() NTPStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
