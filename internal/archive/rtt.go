// Package archive implements the per-circuit retransmission archive and
// RTT estimator described in spec.md §4.2 and §4.7.
package archive

import (
	"sync"
	"time"
)

// Default retransmission timeout bounds (spec §6).
const (
	DefaultRTO     = 3000 * time.Millisecond
	MaxRTO         = 60000 * time.Millisecond
	TickResolution = 100 * time.Millisecond
)

// RTTEstimator implements the RFC 2988 variant specified in spec.md
// §4.7: on the first sample r, SRTT:=r, RTTVAR:=r/2; on subsequent
// samples RTTVAR:=0.75*RTTVAR+0.25*|SRTT-r|, SRTT:=0.875*SRTT+0.125*r;
// RTO:=clamp(SRTT+max(tick,4*RTTVAR), defaultRTO, maxRTO).
//
// The Open Question about what the clamp targets (spec.md §9) is
// resolved here by always recomputing RTO from the current SRTT/RTTVAR
// rather than clamping against the previous RTO value — the only
// reading consistent with "RTO is always in [default_rto, max_rto]
// after any update" (spec.md §8).
// RTTEstimator is touched from both the I/O worker pool (ack harvest,
// via Sample) and the sender tick (timeout backoff, via Backoff) for
// the same circuit concurrently (spec §5); every field access below
// goes through mu so neither path can observe or clobber a torn update.
type RTTEstimator struct {
	mu sync.Mutex

	srtt           time.Duration
	rttvar         time.Duration
	rto            time.Duration
	hasSample      bool
	defaultRTO     time.Duration
	maxRTO         time.Duration
	tickResolution time.Duration
}

// NewRTTEstimator creates an estimator with the given bounds.
func NewRTTEstimator(defaultRTO, maxRTO, tickResolution time.Duration) *RTTEstimator {
	return &RTTEstimator{
		rto:            defaultRTO,
		defaultRTO:     defaultRTO,
		maxRTO:         maxRTO,
		tickResolution: tickResolution,
	}
}

// Sample records an ACK-to-send interval and recomputes RTO.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = scale(e.rttvar, 0.75) + scale(diff, 0.25)
		e.srtt = scale(e.srtt, 0.875) + scale(rtt, 0.125)
	}
	e.recompute()
}

func (e *RTTEstimator) recompute() {
	margin := e.tickResolution
	if 4*e.rttvar > margin {
		margin = 4 * e.rttvar
	}
	e.rto = clamp(e.srtt+margin, e.defaultRTO, e.maxRTO)
}

// Backoff doubles RTO on a retransmission timeout and resets SRTT/RTTVAR
// to zero, per spec §4.6's resend-phase step ("SRTT := 0, RTTVAR := 0,
// RTO := min(2·RTO, max_rto)") — the next fresh sample re-seeds both.
func (e *RTTEstimator) Backoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.srtt = 0
	e.rttvar = 0
	e.hasSample = false
	doubled := e.rto * 2
	if doubled > e.maxRTO {
		doubled = e.maxRTO
	}
	e.rto = doubled
}

func (e *RTTEstimator) RTO() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rto
}

func (e *RTTEstimator) SRTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srtt
}

func (e *RTTEstimator) RTTVAR() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rttvar
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}
