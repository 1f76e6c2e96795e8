package model

import (
	"fmt"
	"time"
)

// Job represents one analysis run for a subject page.
type Job struct {
	ID           string                     `json:"id"`
	SubjectURL   string                     `json:"subjectUrl"`
	Status       JobStatus                  `json:"status"`
	CurrentPhase PhaseName                  `json:"currentPhase,omitempty"`
	Phases       map[PhaseName]*PhaseRecord `json:"phases"`
	Error        *string                    `json:"error,omitempty"`
	ErrorCode    string                     `json:"errorCode,omitempty"`
	ArchiveKey   string                     `json:"archiveKey,omitempty"`
	CreatedAt    time.Time                  `json:"createdAt"`
	StartedAt    *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt  *time.Time                 `json:"completedAt,omitempty"`
	UpdatedAt    time.Time                  `json:"updatedAt"`
}

// PhaseRecord tracks one phase within a job.
type PhaseRecord struct {
	Name        PhaseName    `json:"name"`
	Status      PhaseStatus  `json:"status"`
	Progress    float64      `json:"progress"`
	CurrentTask string       `json:"currentTask,omitempty"`
	Error       *string      `json:"error,omitempty"`
	Result      *PhaseResult `json:"result,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// PhaseResult is a tagged union: exactly one field is set, matching the phase.
type PhaseResult struct {
	Collection   *CollectionResult   `json:"collection,omitempty"`
	Analysis     *AnalysisResult     `json:"analysis,omitempty"`
	Optimization *OptimizationResult `json:"optimization,omitempty"`
}

// CollectionResult summarises what the collector gathered.
type CollectionResult struct {
	Subject      CollectedRecord `json:"subject"`
	SearchTerms  []string        `json:"searchTerms"`
	RelatedCount int             `json:"relatedCount"`
	FailedCount  int             `json:"failedCount"`
}

// AnalysisResult holds narrative text produced for the analysis phase.
type AnalysisResult struct {
	ProductAnalysis    string `json:"productAnalysis"`
	CompetitorAnalysis string `json:"competitorAnalysis"`
}

// OptimizationResult holds narrative text produced for the optimization phase.
type OptimizationResult struct {
	MarketPositioning   string `json:"marketPositioning"`
	ListingOptimization string `json:"listingOptimization"`
}

// NewJob creates a job in created status with every phase pending.
func NewJob(id, subjectURL string, now time.Time) *Job {
	phases := make(map[PhaseName]*PhaseRecord, len(PhaseOrder))
	for _, name := range PhaseOrder {
		phases[name] = &PhaseRecord{Name: name, Status: PhaseStatusPending, UpdatedAt: now}
	}
	return &Job{
		ID:         id,
		SubjectURL: subjectURL,
		Status:     JobStatusCreated,
		Phases:     phases,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Start moves the job from created to running.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusCreated {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// Complete marks a running job completed.
func (j *Job) Complete(now time.Time) error {
	if j.Status != JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = JobStatusCompleted
	j.CurrentPhase = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail marks the job failed. Failing an already terminal job is rejected.
func (j *Job) Fail(code, message string, now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = JobStatusFailed
	j.Error = &message
	j.ErrorCode = code
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Phase returns the record for name, or nil if the job has none.
func (j *Job) Phase(name PhaseName) *PhaseRecord {
	if j.Phases == nil {
		return nil
	}
	return j.Phases[name]
}

// CanStart reports whether every predecessor of name is completed.
func (j *Job) CanStart(name PhaseName) bool {
	for _, dep := range PhasePredecessors[name] {
		p := j.Phase(dep)
		if p == nil || p.Status != PhaseStatusCompleted {
			return false
		}
	}
	return true
}

// OverallProgress maps phase completion onto [0,1] across the fixed phase set.
// Completed phases count fully, a working phase counts its own progress.
func (j *Job) OverallProgress() float64 {
	if j.Status == JobStatusCompleted {
		return 1
	}
	var sum float64
	for _, name := range PhaseOrder {
		p := j.Phase(name)
		if p == nil {
			continue
		}
		switch p.Status {
		case PhaseStatusCompleted:
			sum++
		case PhaseStatusWorking:
			sum += p.Progress
		}
	}
	return sum / float64(len(PhaseOrder))
}

// PhaseStatuses returns the status of every phase keyed by name.
func (j *Job) PhaseStatuses() map[PhaseName]PhaseStatus {
	out := make(map[PhaseName]PhaseStatus, len(j.Phases))
	for name, p := range j.Phases {
		out[name] = p.Status
	}
	return out
}

// Results returns the populated phase results keyed by phase name.
func (j *Job) Results() map[PhaseName]*PhaseResult {
	out := make(map[PhaseName]*PhaseResult, len(j.Phases))
	for name, p := range j.Phases {
		if p.Result != nil {
			out[name] = p.Result
		}
	}
	return out
}

// Clone returns a deep copy so snapshots handed to readers cannot be mutated
// by the owning orchestrator.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Phases = make(map[PhaseName]*PhaseRecord, len(j.Phases))
	for name, p := range j.Phases {
		pc := *p
		c.Phases[name] = &pc
	}
	return &c
}

// Start moves a pending phase to working.
func (p *PhaseRecord) Start(task string, now time.Time) error {
	if p.Status != PhaseStatusPending {
		return fmt.Errorf("%w: phase %s is %s", ErrInvalidTransition, p.Name, p.Status)
	}
	p.Status = PhaseStatusWorking
	p.Progress = 0
	p.CurrentTask = task
	p.UpdatedAt = now
	return nil
}

// Advance records intermediate progress. Progress never decreases and is
// clamped below 1; only Complete or Fail reach 1.
func (p *PhaseRecord) Advance(progress float64, task string, now time.Time) error {
	if p.Status != PhaseStatusWorking {
		return fmt.Errorf("%w: phase %s is %s", ErrInvalidTransition, p.Name, p.Status)
	}
	if progress > 0.99 {
		progress = 0.99
	}
	if progress > p.Progress {
		p.Progress = progress
	}
	if task != "" {
		p.CurrentTask = task
	}
	p.UpdatedAt = now
	return nil
}

// Complete freezes the phase with its result.
func (p *PhaseRecord) Complete(result *PhaseResult, now time.Time) error {
	if p.Status != PhaseStatusWorking {
		return fmt.Errorf("%w: phase %s is %s", ErrInvalidTransition, p.Name, p.Status)
	}
	p.Status = PhaseStatusCompleted
	p.Progress = 1
	p.CurrentTask = ""
	p.Result = result
	p.UpdatedAt = now
	return nil
}

// Fail freezes a working phase in error.
func (p *PhaseRecord) Fail(detail string, now time.Time) error {
	if p.Status != PhaseStatusWorking {
		return fmt.Errorf("%w: phase %s is %s", ErrInvalidTransition, p.Name, p.Status)
	}
	p.Status = PhaseStatusError
	p.Progress = 1
	p.Error = &detail
	p.UpdatedAt = now
	return nil
}

// Frozen reports whether the record accepts no more updates.
func (p *PhaseRecord) Frozen() bool {
	return p.Status == PhaseStatusCompleted || p.Status == PhaseStatusError
}
