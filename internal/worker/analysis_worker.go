package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"github.com/shelfscope/api/internal/logging"
)

const (
	TaskTypeAnalysis = "analysis:run"
	QueueAnalysis    = "analysis"
)

type analysisPayload struct {
	JobID string `json:"jobId"`
}

// NewAnalysisTask builds the queue task for one job.
func NewAnalysisTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(analysisPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAnalysis, payload), nil
}

// Enqueuer is the part of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher schedules jobs on the asynq analysis queue.
type Dispatcher struct {
	client Enqueuer
}

func NewDispatcher(client Enqueuer) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch enqueues jobID. Jobs are never retried by the queue; failure
// handling happens inside the job.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := NewAnalysisTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueAnalysis),
		asynq.MaxRetry(0),
		asynq.TaskID(jobID),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Executor runs one job to completion. *orchestrator.Manager satisfies it.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// AnalysisWorker processes analysis tasks
type AnalysisWorker struct {
	executor Executor
}

func NewAnalysisWorker(executor Executor) *AnalysisWorker {
	return &AnalysisWorker{executor: executor}
}

// ProcessTask handles analysis task processing
func (w *AnalysisWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p analysisPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
		return fmt.Errorf("invalid analysis payload: %v: %w", err, asynq.SkipRetry)
	}

	logging.Info().Str("jobId", p.JobID).Msg("analysis task received")
	if err := w.executor.Execute(ctx, p.JobID); err != nil {
		return fmt.Errorf("execute job %s: %w", p.JobID, err)
	}
	return nil
}

// NewServeMux registers the analysis handler.
func NewServeMux(w *AnalysisWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeAnalysis, w.ProcessTask)
	return mux
}
