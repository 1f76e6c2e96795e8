// Package orchestrator runs analysis jobs: one goroutine per job driving
// collection, analysis and optimization in order, persisting each step and
// publishing progress events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelfscope/api/internal/collector"
	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/metrics"
	"github.com/shelfscope/api/internal/model"
)

// ErrShuttingDown is the cancellation cause for jobs interrupted by shutdown.
var ErrShuttingDown = fmt.Errorf("%w: server shutting down", model.ErrCancellationRequested)

type Collector interface {
	Collect(ctx context.Context, subject string, progress collector.ProgressFunc) (*collector.Result, error)
}

type Generator interface {
	Generate(ctx context.Context, section model.InsightSection, input any) (string, error)
}

// SessionStore is the persistence the orchestrator needs. *store.Store satisfies it.
type SessionStore interface {
	Create(ctx context.Context, job *model.Job) error
	Save(ctx context.Context, job *model.Job) error
	SaveTerminal(ctx context.Context, job *model.Job) error
	CacheTerminal(ctx context.Context, job *model.Job) error
	Transition(ctx context.Context, id string, fn func(job *model.Job) error) (*model.Job, error)
	Load(ctx context.Context, id string) (*model.Job, error)
	SaveRecords(ctx context.Context, jobID string, records []model.CollectedRecord) error
	AppendEvent(ctx context.Context, ev *model.ProgressEvent)
}

// Publisher delivers live events. *websocket.Hub satisfies it.
type Publisher interface {
	Publish(ev *model.ProgressEvent)
	CloseSession(sessionID string)
}

// Archiver stores finished reports. *client.ArchiveClient satisfies it.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Dispatcher hands a created job to whatever will call Execute.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

type Options struct {
	PhaseTimeout time.Duration
	// AllowSubject restricts accepted subject hosts. Nil accepts any http(s) URL.
	AllowSubject func(locator string) bool
}

type Manager struct {
	store     SessionStore
	collector Collector
	generator Generator
	events    Publisher
	archive   Archiver
	opts      Options

	dispatcher Dispatcher

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

func NewManager(store SessionStore, col Collector, gen Generator, events Publisher, opts Options) *Manager {
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = 3 * time.Minute
	}
	return &Manager{
		store:     store,
		collector: col,
		generator: gen,
		events:    events,
		opts:      opts,
		active:    make(map[string]context.CancelCauseFunc),
	}
}

// SetArchiver enables report archiving for completed jobs.
func (m *Manager) SetArchiver(a Archiver) {
	m.archive = a
}

// SetDispatcher routes started jobs through d. Without one, jobs run in a
// goroutine of this process.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// ValidateSubject rejects anything that is not an absolute http(s) URL on an
// accepted host.
func (m *Manager) ValidateSubject(subject string) error {
	u, err := url.Parse(subject)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: subject must be an absolute http(s) URL", model.ErrInvalidInput)
	}
	if m.opts.AllowSubject != nil && !m.opts.AllowSubject(subject) {
		return fmt.Errorf("%w: host %s is not supported", model.ErrInvalidInput, u.Host)
	}
	return nil
}

// Start creates a job for subject and schedules it. It returns as soon as
// the job is persisted and handed off. Every call creates a new job.
func (m *Manager) Start(ctx context.Context, subject string) (*model.Job, error) {
	if err := m.ValidateSubject(subject); err != nil {
		return nil, err
	}

	job := model.NewJob(uuid.New().String(), subject, time.Now())
	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if m.dispatcher == nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Execute(context.Background(), job.ID); err != nil {
				logging.Error().Err(err).Str("jobId", job.ID).Msg("job execution failed")
			}
		}()
		return job, nil
	}

	if err := m.dispatcher.Dispatch(ctx, job.ID); err != nil {
		_, ferr := m.store.Transition(context.WithoutCancel(ctx), job.ID, func(j *model.Job) error {
			return j.Fail(model.CodeInternal, "job could not be scheduled", time.Now())
		})
		if ferr != nil {
			logging.Error().Err(ferr).Str("jobId", job.ID).Msg("failed to mark undispatched job")
		}
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}
	return job, nil
}

// Execute runs a created job to a terminal status. A job that is no longer
// in created status (cancelled while queued, or already picked up) is
// skipped.
func (m *Manager) Execute(ctx context.Context, jobID string) error {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// register before claiming so a concurrent Cancel always finds us
	m.mu.Lock()
	m.active[jobID] = cancel
	m.mu.Unlock()
	defer m.release(jobID)

	job, err := m.store.Transition(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		return j.Start(time.Now())
	})
	if errors.Is(err, model.ErrInvalidTransition) {
		logging.Info().Str("jobId", jobID).Msg("job no longer pending, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	r := &runner{
		m:        m,
		job:      job,
		cancel:   cancel,
		log:      logging.Job(jobID),
		storeCtx: context.WithoutCancel(jobCtx),
	}
	r.run(jobCtx)
	return nil
}

func (m *Manager) release(jobID string) {
	m.mu.Lock()
	delete(m.active, jobID)
	m.mu.Unlock()
}

// Cancel requests cancellation. A running job owned by this process is
// signalled and fails at its next checkpoint; a job not yet running is
// failed immediately.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	cancel, ok := m.active[jobID]
	m.mu.Unlock()
	if ok {
		job, err := m.store.Load(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: job %s is %s", model.ErrJobFinished, job.ID, job.Status)
		}
		cancel(model.ErrCancellationRequested)
		logging.Info().Str("jobId", jobID).Msg("cancellation requested")
		return job, nil
	}

	job, err := m.store.Transition(ctx, jobID, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", model.ErrJobFinished, j.ID, j.Status)
		}
		return j.Fail(model.CodeCancelled, model.ErrCancellationRequested.Error(), time.Now())
	})
	if err != nil {
		return nil, err
	}

	ev := &model.ProgressEvent{
		Type:      model.WSMessageTypeError,
		JobID:     job.ID,
		Seq:       1,
		JobStatus: job.Status,
		Error:     &model.WSError{Code: model.CodeCancelled, Message: model.ErrCancellationRequested.Error()},
		Timestamp: time.Now(),
	}
	m.store.AppendEvent(ctx, ev)
	m.events.Publish(ev)
	m.events.CloseSession(job.ID)
	metrics.JobsTotal.WithLabelValues(string(model.JobStatusFailed), model.CodeCancelled).Inc()
	return job, nil
}

// Active lists the jobs currently owned by this process.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown cancels every active job and waits for in-process runs to finish
// or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel(ErrShuttingDown)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
