package model

import "time"

// AnalysisStartRequest represents the request to start an analysis job
type AnalysisStartRequest struct {
	SubjectURL string `json:"subjectUrl" validate:"required,url,max=2048"`
}

// AnalysisStartResponse represents the response when starting an analysis
type AnalysisStartResponse struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	SubjectURL string    `json:"subjectUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PhaseView is the client view of one phase
type PhaseView struct {
	Status      PhaseStatus `json:"status"`
	Progress    float64     `json:"progress"`
	CurrentTask string      `json:"currentTask,omitempty"`
	Error       *string     `json:"error,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// AnalysisStatusResponse represents the job status
type AnalysisStatusResponse struct {
	JobID        string                  `json:"jobId"`
	Status       JobStatus               `json:"status"`
	Progress     float64                 `json:"progress"`
	CurrentPhase PhaseName               `json:"currentPhase,omitempty"`
	Phases       map[PhaseName]PhaseView `json:"phases"`
	Error        *string                 `json:"error,omitempty"`
	ErrorCode    string                  `json:"errorCode,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
	StartedAt    *time.Time              `json:"startedAt,omitempty"`
	CompletedAt  *time.Time              `json:"completedAt,omitempty"`
}

// AnalysisResultResponse carries results only once the job has completed
type AnalysisResultResponse struct {
	JobID       string                     `json:"jobId"`
	Status      JobStatus                  `json:"status"`
	SubjectURL  string                     `json:"subjectUrl"`
	Results     map[PhaseName]*PhaseResult `json:"results,omitempty"`
	CompletedAt *time.Time                 `json:"completedAt,omitempty"`
}

// AnalysisDetailResponse is the durable snapshot of a job
type AnalysisDetailResponse struct {
	Job     *Job                       `json:"job"`
	Records []CollectedRecord          `json:"records"`
	Results map[PhaseName]*PhaseResult `json:"results"`
	Events  []ProgressEvent            `json:"events,omitempty"`
}

// AnalysisCancelResponse represents the response when cancelling a job
type AnalysisCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// JobSummary is one row in a job listing
type JobSummary struct {
	ID          string     `json:"id"`
	SubjectURL  string     `json:"subjectUrl"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobFilter selects a page of jobs, optionally by status
type JobFilter struct {
	Status   JobStatus `query:"status" validate:"omitempty,oneof=created running completed failed"`
	Page     int       `query:"page" validate:"omitempty,min=1"`
	PageSize int       `query:"pageSize" validate:"omitempty,min=1,max=100"`
}

// Normalize fills paging defaults.
func (f *JobFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
}

// JobListResponse represents a page of job summaries
type JobListResponse struct {
	Jobs     []JobSummary `json:"jobs"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
	Total    int          `json:"total"`
}

// ActiveJobsResponse lists jobs currently owned by this process
type ActiveJobsResponse struct {
	Jobs  []string `json:"jobs"`
	Count int      `json:"count"`
}

// Summary returns the listing row for j.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:          j.ID,
		SubjectURL:  j.SubjectURL,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

// StatusView builds the status response for j.
func (j *Job) StatusView() *AnalysisStatusResponse {
	phases := make(map[PhaseName]PhaseView, len(j.Phases))
	for name, p := range j.Phases {
		phases[name] = PhaseView{
			Status:      p.Status,
			Progress:    p.Progress,
			CurrentTask: p.CurrentTask,
			Error:       p.Error,
			UpdatedAt:   p.UpdatedAt,
		}
	}
	return &AnalysisStatusResponse{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.OverallProgress(),
		CurrentPhase: j.CurrentPhase,
		Phases:       phases,
		Error:        j.Error,
		ErrorCode:    j.ErrorCode,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}
