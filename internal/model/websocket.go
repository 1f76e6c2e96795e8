package model

import "time"

// WebSocket message types
const (
	WSMessageTypeConnected   = "connected"
	WSMessageTypePhaseUpdate = "phase_update"
	WSMessageTypeComplete    = "job_complete"
	WSMessageTypeError       = "job_error"
	WSMessageTypePing        = "ping"
	WSMessageTypePong        = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSConnectedMessage greets an observer right after attach.
type WSConnectedMessage struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressEvent is an immutable emission describing one phase update or a
// terminal outcome. Seq increases by one per event within a job.
type ProgressEvent struct {
	Type            string                     `json:"type"`
	JobID           string                     `json:"jobId"`
	Seq             int64                      `json:"seq"`
	JobStatus       JobStatus                  `json:"jobStatus"`
	OverallProgress float64                    `json:"overallProgress"`
	Phase           PhaseName                  `json:"phase,omitempty"`
	PhaseStatus     PhaseStatus                `json:"phaseStatus,omitempty"`
	Progress        float64                    `json:"progress"`
	CurrentTask     string                     `json:"currentTask,omitempty"`
	Results         map[PhaseName]*PhaseResult `json:"results,omitempty"`
	Error           *WSError                   `json:"error,omitempty"`
	Timestamp       time.Time                  `json:"timestamp"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsTerminal reports whether the event closes the job's stream.
func (e *ProgressEvent) IsTerminal() bool {
	return e.Type == WSMessageTypeComplete || e.Type == WSMessageTypeError
}

// OutcomeEvent rebuilds the terminal event of a finished job from its
// snapshot. It returns nil while the job is still live.
func (j *Job) OutcomeEvent() *ProgressEvent {
	ev := &ProgressEvent{
		JobID:           j.ID,
		JobStatus:       j.Status,
		OverallProgress: j.OverallProgress(),
		Timestamp:       j.UpdatedAt,
	}
	if j.CompletedAt != nil {
		ev.Timestamp = *j.CompletedAt
	}
	switch j.Status {
	case JobStatusCompleted:
		ev.Type = WSMessageTypeComplete
		ev.Results = j.Results()
	case JobStatusFailed:
		ev.Type = WSMessageTypeError
		ev.Error = &WSError{Code: j.ErrorCode}
		if j.Error != nil {
			ev.Error.Message = *j.Error
		}
	default:
		return nil
	}
	return ev
}
