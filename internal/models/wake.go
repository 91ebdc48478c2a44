package models

// FamilyWake summarizes one family's queue readiness. NextRunAfter is a unix
// millisecond timestamp of the earliest pending job not yet due, nil when the
// family has no future work.
type FamilyWake struct {
	PendingReady int    `json:"pending_ready"`
	NextRunAfter *int64 `json:"next_run_after"`
	PendingTotal int    `json:"pending_total"`
}

// WakeState is the push-delivered aggregate workers use to schedule their next
// poll. ServerNow is the publisher's clock in unix milliseconds; consumers
// compute delays against it rather than their own clock.
type WakeState struct {
	Families  map[Family]FamilyWake `json:"families"`
	ServerNow int64                 `json:"server_now"`
}
