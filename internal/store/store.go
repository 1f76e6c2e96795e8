// Package store persists job snapshots. Redis holds the live copy that
// progress updates go through; SQLite holds the durable record that listing,
// detail views and restarts read from.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/metrics"
	"github.com/shelfscope/api/internal/model"
)

// Durable is the authoritative store. *SQLite satisfies it.
type Durable interface {
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.JobSummary, int, error)
	SaveRecords(ctx context.Context, jobID string, records []model.CollectedRecord) error
	Records(ctx context.Context, jobID string) ([]model.CollectedRecord, error)
	AppendEvent(ctx context.Context, ev *model.ProgressEvent) error
	Events(ctx context.Context, jobID string) ([]model.ProgressEvent, error)
	Ping(ctx context.Context) error
}

type Options struct {
	TerminalWriteAttempts int
	RetryInterval         time.Duration
	// RecoveryWindow bounds the background retry of a terminal snapshot
	// that only reached the cache.
	RecoveryWindow time.Duration
}

type Store struct {
	cache            *Cache
	durable          Durable
	terminalAttempts int
	retryInterval    time.Duration
	recoveryWindow   time.Duration

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(cache *Cache, durable Durable, opts Options) *Store {
	if opts.TerminalWriteAttempts < 1 {
		opts.TerminalWriteAttempts = 1
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	if opts.RecoveryWindow <= 0 {
		opts.RecoveryWindow = time.Hour
	}
	bg, stop := context.WithCancel(context.Background())
	return &Store{
		cache:            cache,
		durable:          durable,
		terminalAttempts: opts.TerminalWriteAttempts,
		retryInterval:    opts.RetryInterval,
		recoveryWindow:   opts.RecoveryWindow,
		bg:               bg,
		stop:             stop,
	}
}

// Close stops background recovery writes and waits for them to return.
func (s *Store) Close() {
	s.stop()
	s.wg.Wait()
}

func warn(op, jobID string, err error) {
	metrics.PersistenceWarnings.WithLabelValues(op).Inc()
	logging.Warn().Err(err).Str("op", op).Str("jobId", jobID).Msg("persistence write failed")
}

// isDomainErr separates rejections from the update callback from store faults.
func isDomainErr(err error) bool {
	return errors.Is(err, model.ErrJobNotFound) ||
		errors.Is(err, model.ErrJobFinished) ||
		errors.Is(err, model.ErrInvalidTransition)
}

// guardTerminal rejects overwriting a terminal snapshot with a different one.
func guardTerminal(cur, next *model.Job) error {
	if cur != nil && cur.Status.IsTerminal() && cur.Status != next.Status {
		return fmt.Errorf("%w: job %s is %s", model.ErrJobFinished, cur.ID, cur.Status)
	}
	return nil
}

// Create persists a new job. The durable write must succeed; the cache
// write is best effort.
func (s *Store) Create(ctx context.Context, job *model.Job) error {
	if err := s.durable.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
	}
	if err := s.cache.Set(ctx, job); err != nil {
		warn("cache_create", job.ID, err)
	}
	return nil
}

// Save writes an intermediate snapshot. Durable failures are logged and
// tolerated; only a terminal snapshot already in place is reported.
func (s *Store) Save(ctx context.Context, job *model.Job) error {
	snapshot := job.Clone()
	_, cacheErr := s.cache.Update(ctx, job.ID, func(cur *model.Job) (*model.Job, error) {
		if err := guardTerminal(cur, snapshot); err != nil {
			return nil, err
		}
		return snapshot, nil
	})
	if errors.Is(cacheErr, model.ErrJobFinished) {
		return cacheErr
	}
	if cacheErr != nil {
		warn("cache_save", job.ID, cacheErr)
	}

	if err := s.durable.SaveJob(ctx, snapshot); err != nil {
		warn("durable_save", job.ID, err)
		if cacheErr != nil {
			return fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
		}
	}
	return nil
}

// SaveTerminal writes a terminal snapshot. The durable write goes first and
// is retried; its failure is returned as model.ErrPersistenceFailure and
// leaves the cached copy untouched.
func (s *Store) SaveTerminal(ctx context.Context, job *model.Job) error {
	snapshot := job.Clone()
	if cur, err := s.cache.Get(ctx, job.ID); err == nil {
		if err := guardTerminal(cur, snapshot); err != nil {
			return err
		}
	}
	if err := s.saveDurable(ctx, snapshot); err != nil {
		return err
	}

	_, err := s.cache.Update(ctx, job.ID, func(cur *model.Job) (*model.Job, error) {
		if err := guardTerminal(cur, snapshot); err != nil {
			return nil, err
		}
		return snapshot, nil
	})
	if errors.Is(err, model.ErrJobFinished) {
		return err
	}
	if err != nil {
		warn("cache_terminal", job.ID, err)
	}
	return nil
}

// CacheTerminal is the fallback for a terminal snapshot the durable store
// refused. The snapshot is written to the cache without expiry so readers see
// the outcome, and the durable write is retried in the background until it
// lands, the recovery window passes or the store is closed. An error means
// neither tier holds the outcome.
func (s *Store) CacheTerminal(ctx context.Context, job *model.Job) error {
	snapshot := job.Clone()
	_, err := s.cache.UpdatePinned(ctx, job.ID, func(cur *model.Job) (*model.Job, error) {
		if err := guardTerminal(cur, snapshot); err != nil {
			return nil, err
		}
		return snapshot, nil
	})
	if errors.Is(err, model.ErrJobFinished) {
		return err
	}

	s.recoverLater(snapshot)
	if err != nil {
		warn("cache_terminal", job.ID, err)
		return fmt.Errorf("%w: job %s: %v", model.ErrPersistenceFailure, job.ID, err)
	}
	return nil
}

func (s *Store) recoverLater(job *model.Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recoverTerminal(job)
	}()
}

func (s *Store) recoverTerminal(job *model.Job) {
	ctx, cancel := context.WithTimeout(s.bg, s.recoveryWindow)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return s.durable.SaveJob(ctx, job)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logging.Debug().Err(err).Str("jobId", job.ID).Dur("retryIn", next).Msg("terminal recovery pending")
	})
	if err != nil {
		metrics.PersistenceWarnings.WithLabelValues("terminal_recovery").Inc()
		logging.Error().Err(err).Str("jobId", job.ID).Str("status", string(job.Status)).Msg("terminal snapshot never reached durable store")
		return
	}
	logging.Info().Str("jobId", job.ID).Str("status", string(job.Status)).Msg("terminal snapshot recovered")

	// durable is authoritative again, let the cached copy age out
	ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.cache.Unpin(ctx, job.ID); err != nil {
		logging.Debug().Err(err).Str("jobId", job.ID).Msg("cache expiry not restored")
	}
}

func (s *Store) saveDurable(ctx context.Context, job *model.Job) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryInterval), uint64(s.terminalAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		return s.durable.SaveJob(ctx, job)
	}, b, func(err error, next time.Duration) {
		logging.Warn().Err(err).Str("jobId", job.ID).Dur("retryIn", next).Msg("terminal write failed, retrying")
	})
	if err != nil {
		metrics.PersistenceWarnings.WithLabelValues("durable_terminal").Inc()
		return fmt.Errorf("%w: job %s: %v", model.ErrPersistenceFailure, job.ID, err)
	}
	return nil
}

// Transition applies fn atomically to the stored job and persists the
// result. Terminal results are written durably with retries.
func (s *Store) Transition(ctx context.Context, id string, fn func(job *model.Job) error) (*model.Job, error) {
	next, err := s.cache.Update(ctx, id, func(cur *model.Job) (*model.Job, error) {
		if cur == nil {
			loaded, err := s.durable.GetJob(ctx, id)
			if err != nil {
				return nil, err
			}
			cur = loaded
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil && isDomainErr(err) {
		return nil, err
	}
	if err != nil {
		// cache unavailable: fall back to a durable read-modify-write
		warn("cache_transition", id, err)
		next, err = s.durable.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(next); err != nil {
			return nil, err
		}
	}

	if next.Status.IsTerminal() {
		if err := s.saveDurable(ctx, next); err != nil {
			// the cache already holds the outcome; keep it until durable catches up
			if pinErr := s.cache.Pin(ctx, id); pinErr != nil {
				warn("cache_pin", id, pinErr)
			}
			s.recoverLater(next.Clone())
			return next, err
		}
		return next, nil
	}
	if err := s.durable.SaveJob(ctx, next); err != nil {
		warn("durable_transition", id, err)
	}
	return next, nil
}

// Load reads through the cache to the durable store, repopulating the cache
// on a miss.
func (s *Store) Load(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.cache.Get(ctx, id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, model.ErrJobNotFound) {
		logging.Debug().Err(err).Str("jobId", id).Msg("cache read failed")
	}

	job, err = s.durable.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, job); err != nil {
		logging.Debug().Err(err).Str("jobId", id).Msg("cache repopulate failed")
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, filter model.JobFilter) ([]model.JobSummary, int, error) {
	return s.durable.ListJobs(ctx, filter)
}

// SaveRecords stores collected records in both tiers. Failure is reported
// only when neither tier accepted them.
func (s *Store) SaveRecords(ctx context.Context, jobID string, records []model.CollectedRecord) error {
	cacheErr := s.cache.SetRecords(ctx, jobID, records)
	if cacheErr != nil {
		warn("cache_records", jobID, cacheErr)
	}
	if err := s.durable.SaveRecords(ctx, jobID, records); err != nil {
		warn("durable_records", jobID, err)
		if cacheErr != nil {
			return fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
		}
	}
	return nil
}

func (s *Store) Records(ctx context.Context, jobID string) ([]model.CollectedRecord, error) {
	if recs, err := s.cache.Records(ctx, jobID); err == nil {
		return recs, nil
	}
	return s.durable.Records(ctx, jobID)
}

// AppendEvent records an emitted event. Failures are tolerated.
func (s *Store) AppendEvent(ctx context.Context, ev *model.ProgressEvent) {
	if err := s.durable.AppendEvent(ctx, ev); err != nil {
		warn("durable_event", ev.JobID, err)
	}
}

func (s *Store) Events(ctx context.Context, jobID string) ([]model.ProgressEvent, error) {
	return s.durable.Events(ctx, jobID)
}

func (s *Store) PingCache(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

func (s *Store) PingDurable(ctx context.Context) error {
	return s.durable.Ping(ctx)
}
