package service

import (
	"context"
	"fmt"

	"github.com/shelfscope/api/internal/model"
	"github.com/shelfscope/api/internal/orchestrator"
	"github.com/shelfscope/api/internal/store"
)

// AnalysisService backs the job gateway endpoints.
type AnalysisService struct {
	manager *orchestrator.Manager
	store   *store.Store
}

func NewAnalysisService(manager *orchestrator.Manager, st *store.Store) *AnalysisService {
	return &AnalysisService{manager: manager, store: st}
}

// StartAnalysis creates and schedules a job for the subject URL.
func (s *AnalysisService) StartAnalysis(ctx context.Context, req *model.AnalysisStartRequest) (*model.AnalysisStartResponse, error) {
	job, err := s.manager.Start(ctx, req.SubjectURL)
	if err != nil {
		return nil, err
	}
	return &model.AnalysisStartResponse{
		JobID:      job.ID,
		Status:     job.Status,
		SubjectURL: job.SubjectURL,
		CreatedAt:  job.CreatedAt,
	}, nil
}

// GetStatus returns the current status of a job
func (s *AnalysisService) GetStatus(ctx context.Context, jobID string) (*model.AnalysisStatusResponse, error) {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.StatusView(), nil
}

// GetResult returns phase results once the job has completed, and only the
// status before that.
func (s *AnalysisService) GetResult(ctx context.Context, jobID string) (*model.AnalysisResultResponse, error) {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	resp := &model.AnalysisResultResponse{
		JobID:       job.ID,
		Status:      job.Status,
		SubjectURL:  job.SubjectURL,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == model.JobStatusCompleted {
		resp.Results = job.Results()
	}
	return resp, nil
}

// GetDetail returns the durable snapshot: job, collected records, results
// and the stored event log.
func (s *AnalysisService) GetDetail(ctx context.Context, jobID string) (*model.AnalysisDetailResponse, error) {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.Records(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	events, err := s.store.Events(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return &model.AnalysisDetailResponse{
		Job:     job,
		Records: records,
		Results: job.Results(),
		Events:  events,
	}, nil
}

// ListJobs returns one page of job summaries
func (s *AnalysisService) ListJobs(ctx context.Context, filter model.JobFilter) (*model.JobListResponse, error) {
	filter.Normalize()
	jobs, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &model.JobListResponse{
		Jobs:     jobs,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Total:    total,
	}, nil
}

// CancelAnalysis requests cancellation of a job
func (s *AnalysisService) CancelAnalysis(ctx context.Context, jobID string) (*model.AnalysisCancelResponse, error) {
	job, err := s.manager.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.AnalysisCancelResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	}, nil
}

// ActiveJobs lists jobs owned by this process
func (s *AnalysisService) ActiveJobs() *model.ActiveJobsResponse {
	ids := s.manager.Active()
	return &model.ActiveJobsResponse{Jobs: ids, Count: len(ids)}
}

// Outcome returns the terminal event of a finished job, nil while the job is
// live. Unknown jobs yield model.ErrJobNotFound. The stored event is preferred
// so late observers see the same frame live ones did.
func (s *AnalysisService) Outcome(ctx context.Context, jobID string) (*model.ProgressEvent, error) {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, nil
	}
	if events, err := s.store.Events(ctx, jobID); err == nil && len(events) > 0 {
		if last := events[len(events)-1]; last.IsTerminal() {
			return &last, nil
		}
	}
	return job.OutcomeEvent(), nil
}
