// Package wake turns the push-delivered queue-state aggregate into concrete
// poll delays, and carries that aggregate between the api and worker
// processes over a Redis pub/sub channel.
package wake

import (
	"time"

	"guildgate/internal/models"
)

// Decision reasons, in priority order.
const (
	ReasonReadyJobs = "ready_jobs"
	ReasonNextDue   = "next_due"
	ReasonFallback  = "fallback"
)

// Decision is the scheduler's verdict: sleep Delay, then poll.
type Decision struct {
	Delay  time.Duration `json:"delay_ms"`
	Reason string        `json:"reason"`
}

// SchedulerConfig bounds the jittered fallback delay used when the live feed
// is unavailable or silent about future work.
type SchedulerConfig struct {
	FallbackMin time.Duration
	FallbackMax time.Duration
}

// NextDelay computes how long a worker should sleep before its next poll.
// Known-ready work polls immediately; a known future deadline sleeps exactly
// until it; everything else degrades to bounded jittered polling. random must
// return values in [0,1) and is injectable for deterministic tests.
func NextDelay(state *models.WakeState, healthy bool, cfg SchedulerConfig, random func() float64) Decision {
	if !healthy || state == nil {
		return fallback(cfg, random)
	}

	ready := 0
	var nextDue *int64
	for _, fw := range state.Families {
		ready += fw.PendingReady
		if fw.NextRunAfter != nil && (nextDue == nil || *fw.NextRunAfter < *nextDue) {
			nextDue = fw.NextRunAfter
		}
	}

	if ready > 0 {
		return Decision{Delay: 0, Reason: ReasonReadyJobs}
	}
	if nextDue != nil {
		ms := *nextDue - state.ServerNow
		if ms < 0 {
			ms = 0
		}
		return Decision{Delay: time.Duration(ms) * time.Millisecond, Reason: ReasonNextDue}
	}
	return fallback(cfg, random)
}

func fallback(cfg SchedulerConfig, random func() float64) Decision {
	span := cfg.FallbackMax - cfg.FallbackMin
	if span < 0 {
		span = 0
	}
	jitter := time.Duration(random() * float64(span))
	return Decision{Delay: cfg.FallbackMin + jitter, Reason: ReasonFallback}
}
