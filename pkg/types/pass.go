package types

import "time"

// PassRecord describes one GC pass for the history store.
type PassRecord struct {
	ID          string        `json:"id"`
	GcType      string        `json:"gc_type"`
	Victim      SegNo         `json:"victim"`
	Segments    uint32        `json:"segments"`
	ValidBefore uint32        `json:"valid_before"`
	Moved       uint32        `json:"moved"`
	Freed       int           `json:"freed"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}
