// Package job runs the archive workload: one sequential scheduler drains
// the per-symbol work lists, a shutdown controller supervises stopping, and
// a reporter logs progress in the background.
package job

import "time"

// Status is the lifecycle of one symbol's job.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
	StatusPaused   Status = "PAUSED"
)

// Job tracks one symbol's run. The scheduler owns it; everyone else gets
// copies.
type Job struct {
	Symbol         string
	Status         Status
	TotalDates     int
	CompletedDates int
	ErrorDates     int
	StartTime      time.Time
	EndTime        time.Time
}

// SuccessRate is completed over processed, in [0,1].
func (j Job) SuccessRate() float64 {
	processed := j.CompletedDates + j.ErrorDates
	if processed == 0 {
		return 0
	}
	return float64(j.CompletedDates) / float64(processed)
}
