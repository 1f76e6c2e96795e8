// Package insight turns structured job data into narrative text via the
// language model. Calls are stateless; no context survives between them.
package insight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"

	"github.com/shelfscope/api/internal/client"
	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/metrics"
	"github.com/shelfscope/api/internal/model"
)

// Completer is one chat completion round trip. *client.LLMClient satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Options struct {
	MaxConcurrent int
	MaxAttempts   int
	BaseBackoff   time.Duration
}

type Generator struct {
	completer   Completer
	sem         *semaphore.Weighted
	breaker     *gobreaker.CircuitBreaker[string]
	maxAttempts int
	baseBackoff time.Duration
}

// New creates a generator. A nil completer yields a generator whose every
// call fails with ErrGenerationFailure.
func New(completer Completer, opts Options) *Generator {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about the service
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Generator{
		completer:   completer,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		breaker:     breaker,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
	}
}

// Generate produces narrative text for section from input. Transient
// failures are retried up to the attempt budget; the final error wraps
// model.ErrGenerationFailure.
func (g *Generator) Generate(ctx context.Context, section model.InsightSection, input any) (string, error) {
	if g.completer == nil {
		metrics.GenerationsTotal.WithLabelValues(string(section), "unconfigured").Inc()
		return "", fmt.Errorf("%w: %s: %v", model.ErrGenerationFailure, section, client.ErrNotConfigured)
	}
	if _, ok := sectionPrompts[section]; !ok {
		return "", fmt.Errorf("%w: unknown section %q", model.ErrGenerationFailure, section)
	}

	payload, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encode input: %v", model.ErrGenerationFailure, err)
	}
	system, user := systemPrompt(section), string(payload)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.baseBackoff
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(g.maxAttempts-1)), ctx)

	text, err := backoff.RetryWithData(func() (string, error) {
		text, err := g.call(ctx, system, user)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, client.ErrRejected) || errors.Is(err, client.ErrNotConfigured) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		logging.Debug().Err(err).Str("section", string(section)).Msg("generation attempt failed")
		return "", err
	}, b)

	if err != nil {
		metrics.GenerationsTotal.WithLabelValues(string(section), "failed").Inc()
		if cause := context.Cause(ctx); cause != nil {
			return "", cause
		}
		return "", fmt.Errorf("%w: %s: %v", model.ErrGenerationFailure, section, err)
	}
	metrics.GenerationsTotal.WithLabelValues(string(section), "ok").Inc()
	return text, nil
}

func (g *Generator) call(ctx context.Context, system, user string) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)

	metrics.GenerationsInFlight.Inc()
	defer metrics.GenerationsInFlight.Dec()

	return g.breaker.Execute(func() (string, error) {
		return g.completer.Complete(ctx, system, user)
	})
}
