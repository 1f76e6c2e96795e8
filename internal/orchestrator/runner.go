package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/shelfscope/api/internal/collector"
	"github.com/shelfscope/api/internal/metrics"
	"github.com/shelfscope/api/internal/model"
)

// runner drives one job through its phases. It owns the job exclusively;
// everything outside sees clones written to the store.
type runner struct {
	m      *Manager
	job    *model.Job
	cancel context.CancelCauseFunc
	log    zerolog.Logger

	// persistence outlives cancellation of the job context
	storeCtx context.Context

	seq       int64
	collected *collector.Result
}

func (r *runner) run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("orchestrator fault")
			r.fail(errors.New("internal orchestrator error"), model.CodeInternal)
		}
	}()

	r.log.Info().Str("subject", r.job.SubjectURL).Msg("job started")

	for _, name := range model.PhaseOrder {
		if err := checkpoint(ctx); err != nil {
			r.fail(err, "")
			return
		}
		if !r.job.CanStart(name) {
			r.fail(fmt.Errorf("phase %s reached before its predecessors completed", name), model.CodeInternal)
			return
		}
		if err := r.runPhase(ctx, name); err != nil {
			r.fail(err, "")
			return
		}
	}
	r.complete()
}

// checkpoint reports the cancellation cause once ctx is done.
func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

var phaseTasks = map[model.PhaseName]string{
	model.PhaseCollection:   "Fetching subject page",
	model.PhaseAnalysis:     "Analyzing product",
	model.PhaseOptimization: "Building market positioning",
}

func (r *runner) runPhase(ctx context.Context, name model.PhaseName) error {
	rec := r.job.Phase(name)
	started := time.Now()

	if err := rec.Start(phaseTasks[name], started); err != nil {
		return err
	}
	r.job.CurrentPhase = name
	r.persist()
	r.emitPhase(rec)

	pctx, cancel := context.WithTimeoutCause(ctx, r.m.opts.PhaseTimeout, model.ErrPhaseTimeout)
	defer cancel()

	result, err := r.execPhase(pctx, name)
	if err == nil {
		err = checkpoint(pctx)
	}
	if err != nil {
		if cause := context.Cause(pctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %v", cause, err)
		}
		_ = rec.Fail(err.Error(), time.Now())
		r.persist()
		r.emitPhase(rec)
		metrics.ObservePhase(string(name), string(model.PhaseStatusError), time.Since(started))
		r.log.Warn().Err(err).Str("phase", string(name)).Msg("phase failed")
		return fmt.Errorf("%s: %w", name, err)
	}

	if err := rec.Complete(result, time.Now()); err != nil {
		return err
	}
	r.persist()
	r.emitPhase(rec)
	metrics.ObservePhase(string(name), string(model.PhaseStatusCompleted), time.Since(started))
	r.log.Info().Str("phase", string(name)).Dur("took", time.Since(started)).Msg("phase completed")
	return nil
}

func (r *runner) execPhase(ctx context.Context, name model.PhaseName) (*model.PhaseResult, error) {
	switch name {
	case model.PhaseCollection:
		return r.collect(ctx)
	case model.PhaseAnalysis:
		return r.analyze(ctx)
	case model.PhaseOptimization:
		return r.optimize(ctx)
	default:
		return nil, fmt.Errorf("unknown phase %q", name)
	}
}

// advance reports intermediate progress for the working phase.
func (r *runner) advance(name model.PhaseName, progress float64, task string) {
	rec := r.job.Phase(name)
	if err := rec.Advance(progress, task, time.Now()); err != nil {
		return
	}
	r.persist()
	r.emitPhase(rec)
}

func (r *runner) persist() {
	r.job.UpdatedAt = time.Now()
	err := r.m.store.Save(r.storeCtx, r.job)
	if errors.Is(err, model.ErrJobFinished) {
		// finished elsewhere, e.g. cancelled through the store
		r.cancel(model.ErrCancellationRequested)
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("progress not persisted")
	}
}

func (r *runner) emit(ev *model.ProgressEvent) {
	r.seq++
	ev.Seq = r.seq
	ev.JobID = r.job.ID
	ev.JobStatus = r.job.Status
	ev.OverallProgress = r.job.OverallProgress()
	ev.Timestamp = time.Now()

	r.m.store.AppendEvent(r.storeCtx, ev)
	r.m.events.Publish(ev)
}

func (r *runner) emitPhase(rec *model.PhaseRecord) {
	ev := &model.ProgressEvent{
		Type:        model.WSMessageTypePhaseUpdate,
		Phase:       rec.Name,
		PhaseStatus: rec.Status,
		Progress:    rec.Progress,
		CurrentTask: rec.CurrentTask,
	}
	if rec.Result != nil {
		ev.Results = map[model.PhaseName]*model.PhaseResult{rec.Name: rec.Result}
	}
	if rec.Error != nil {
		ev.Error = &model.WSError{Code: model.CodePhaseError, Message: *rec.Error}
	}
	r.emit(ev)
}

// fail drives the job to failed. code overrides the classification of err.
func (r *runner) fail(err error, code string) {
	if r.job.Status.IsTerminal() {
		return
	}
	if code == "" {
		code = model.ErrorCode(err)
	}
	msg := err.Error()
	now := time.Now()

	if cur := r.job.Phase(r.job.CurrentPhase); cur != nil && cur.Status == model.PhaseStatusWorking {
		_ = cur.Fail(msg, now)
	}
	if err := r.job.Fail(code, msg, now); err != nil {
		r.log.Error().Err(err).Msg("cannot fail job")
		return
	}

	switch err := r.m.store.SaveTerminal(r.storeCtx, r.job); {
	case err == nil:
	case errors.Is(err, model.ErrJobFinished):
		r.log.Info().Err(err).Msg("job already finished elsewhere")
	default:
		// the failed outcome still has to reach readers
		r.log.Error().Err(err).Msg("terminal failure not persisted")
		if err := r.m.store.CacheTerminal(r.storeCtx, r.job); err != nil {
			r.log.Error().Err(err).Msg("terminal failure not cached")
		}
	}
	r.emit(&model.ProgressEvent{
		Type:  model.WSMessageTypeError,
		Phase: r.job.CurrentPhase,
		Error: &model.WSError{Code: code, Message: msg},
	})
	r.m.events.CloseSession(r.job.ID)

	metrics.JobsTotal.WithLabelValues(string(model.JobStatusFailed), code).Inc()
	r.log.Warn().Str("code", code).Str("reason", msg).Msg("job failed")
}

// complete commits the completed snapshot. The job only counts as completed
// once the durable write succeeded. The report is archived first so the
// committed snapshot already carries its archive key and is never rewritten.
func (r *runner) complete() {
	candidate := r.job.Clone()
	if err := candidate.Complete(time.Now()); err != nil {
		r.fail(err, model.CodeInternal)
		return
	}
	r.archive(candidate)
	if err := r.m.store.SaveTerminal(r.storeCtx, candidate); err != nil {
		r.fail(fmt.Errorf("%w: terminal write: %v", model.ErrPersistenceFailure, err), model.CodePersistenceFailure)
		return
	}
	r.job = candidate

	r.emit(&model.ProgressEvent{
		Type:    model.WSMessageTypeComplete,
		Results: r.job.Results(),
	})
	r.m.events.CloseSession(r.job.ID)

	metrics.JobsTotal.WithLabelValues(string(model.JobStatusCompleted), "").Inc()
	r.log.Info().Msg("job completed")
}

// archive uploads the report of a completed candidate when an archive is
// configured and records its key on the candidate. Failures are logged only.
func (r *runner) archive(job *model.Job) {
	if r.m.archive == nil {
		return
	}
	key := fmt.Sprintf("reports/%s.json", job.ID)
	job.ArchiveKey = key

	report := model.AnalysisDetailResponse{
		Job:     job,
		Results: job.Results(),
	}
	if r.collected != nil {
		report.Records = r.collected.Records()
	}
	body, err := json.Marshal(report)
	if err != nil {
		job.ArchiveKey = ""
		r.log.Warn().Err(err).Msg("report not archived")
		return
	}

	ctx, cancel := context.WithTimeout(r.storeCtx, 30*time.Second)
	defer cancel()
	if err := r.m.archive.Put(ctx, key, body, "application/json"); err != nil {
		job.ArchiveKey = ""
		r.log.Warn().Err(err).Str("key", key).Msg("report not archived")
	}
}
