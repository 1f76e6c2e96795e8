package model

// Job status
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

var ValidJobStatuses = []JobStatus{
	JobStatusCreated, JobStatusRunning, JobStatusCompleted, JobStatusFailed,
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Phase status
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusWorking   PhaseStatus = "working"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusError     PhaseStatus = "error"
)

// Phase names
type PhaseName string

const (
	PhaseCollection   PhaseName = "collection"
	PhaseAnalysis     PhaseName = "analysis"
	PhaseOptimization PhaseName = "optimization"
)

// PhaseOrder is the fixed execution order of a job.
var PhaseOrder = []PhaseName{PhaseCollection, PhaseAnalysis, PhaseOptimization}

// PhasePredecessors lists the phases that must be completed before a phase may start.
var PhasePredecessors = map[PhaseName][]PhaseName{
	PhaseCollection:   nil,
	PhaseAnalysis:     {PhaseCollection},
	PhaseOptimization: {PhaseCollection, PhaseAnalysis},
}

// Prompt sections sent to the language model. Analysis and optimization
// each issue two generations.
type InsightSection string

const (
	SectionProductAnalysis    InsightSection = "product_analysis"
	SectionCompetitorAnalysis InsightSection = "competitor_analysis"
	SectionMarketPositioning  InsightSection = "market_positioning"
	SectionListingOptimizer   InsightSection = "listing_optimization"
)
