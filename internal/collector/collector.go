// Package collector gathers the subject page and a bounded set of related
// pages through the governor and normalizes them into collected records.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shelfscope/api/internal/config"
	"github.com/shelfscope/api/internal/governor"
	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/model"
)

// Fetcher is the governed fetch path. *governor.Governor satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (*governor.Page, error)
}

// ProgressFunc receives intermediate progress in [0,1] for the running phase.
type ProgressFunc func(progress float64, task string)

// Result is what one collection run produced.
type Result struct {
	Subject     model.CollectedRecord
	Related     []model.CollectedRecord
	SearchTerms []string
}

// Records returns the subject followed by every related record.
func (r *Result) Records() []model.CollectedRecord {
	out := make([]model.CollectedRecord, 0, len(r.Related)+1)
	out = append(out, r.Subject)
	return append(out, r.Related...)
}

// FailedCount is the number of related fetches that did not succeed.
func (r *Result) FailedCount() int {
	n := 0
	for _, rec := range r.Related {
		if !rec.Success {
			n++
		}
	}
	return n
}

type Collector struct {
	fetcher Fetcher
	cfg     config.CollectorConfig
}

func New(fetcher Fetcher, cfg config.CollectorConfig) *Collector {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = "/s?k="
	}
	return &Collector{fetcher: fetcher, cfg: cfg}
}

// Collect fetches the subject, derives search terms and fetches related
// items one at a time. A subject failure is returned as an error; related
// failures are recorded on the record and do not fail the call.
func (c *Collector) Collect(ctx context.Context, subject string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	log := logging.With().Str("subject", subject).Logger()

	progress(0.05, "Fetching subject page")
	page, err := c.fetch(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("subject fetch: %w", err)
	}
	rec, err := ParseProduct(page.URL, page.Body, page.FetchedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: parse subject: %v", model.ErrFetchFailed, err)
	}
	if rec.Title == "" {
		return nil, fmt.Errorf("%w: subject page carried no product data", model.ErrFetchFailed)
	}
	rec.IsSubject = true
	rec.Success = true

	result := &Result{Subject: rec, SearchTerms: SearchTerms(rec, c.cfg.MaxSearchTerms)}
	progress(0.3, "Searching related items")

	candidates, err := c.search(ctx, subject, rec, result.SearchTerms)
	if err != nil {
		return nil, err
	}
	progress(0.4, fmt.Sprintf("Fetching %d related items", len(candidates)))

	for i, link := range candidates {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		related, err := c.related(ctx, link)
		if err != nil && isInterruption(ctx, err) {
			return nil, err
		}
		if !related.Success {
			log.Warn().Str("url", link).Str("error", related.Error).Msg("related fetch failed")
		}
		result.Related = append(result.Related, related)
		progress(0.4+0.6*float64(i+1)/float64(len(candidates)), fmt.Sprintf("Fetched related item %d/%d", i+1, len(candidates)))
	}

	log.Info().
		Int("related", len(result.Related)).
		Int("failed", result.FailedCount()).
		Msg("collection finished")
	return result, nil
}

// search runs each term sequentially and returns up to MaxRelated distinct
// links, excluding the subject itself. Search failures are tolerated.
func (c *Collector) search(ctx context.Context, subject string, rec model.CollectedRecord, terms []string) ([]string, error) {
	base, err := url.Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	seen := map[string]bool{rec.Locator: true}
	var links []string
	for _, term := range terms {
		if len(links) >= c.cfg.MaxRelated {
			break
		}
		searchURL := base.Scheme + "://" + base.Host + c.cfg.SearchPath + url.QueryEscape(term)
		page, err := c.fetch(ctx, searchURL)
		if err != nil {
			if isInterruption(ctx, err) {
				return nil, err
			}
			logging.Warn().Err(err).Str("term", term).Msg("related search failed")
			continue
		}
		found, err := ParseSearchResults(searchURL, page.Body)
		if err != nil {
			logging.Warn().Err(err).Str("term", term).Msg("unparseable search page")
			continue
		}
		for _, link := range found {
			if seen[link] {
				continue
			}
			seen[link] = true
			links = append(links, link)
			if len(links) >= c.cfg.MaxRelated {
				break
			}
		}
	}
	return links, nil
}

func (c *Collector) related(ctx context.Context, link string) (model.CollectedRecord, error) {
	failed := func(err error) model.CollectedRecord {
		return model.CollectedRecord{Locator: link, Success: false, Error: err.Error(), FetchedAt: time.Now()}
	}

	page, err := c.fetch(ctx, link)
	if err != nil {
		return failed(err), err
	}
	rec, err := ParseProduct(page.URL, page.Body, page.FetchedAt)
	if err != nil {
		return failed(err), nil
	}
	if rec.Title == "" {
		return failed(errors.New("page carried no product data")), nil
	}
	rec.Success = true
	return rec, nil
}

// fetch retries through the governor with exponential backoff. A blocked
// response stretches the next wait by BlockedBackoff.
func (c *Collector) fetch(ctx context.Context, locator string) (*governor.Page, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BaseBackoff
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	exp.MaxElapsedTime = 0

	policy := &blockAwareBackOff{BackOff: exp, extra: c.cfg.BlockedBackoff}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	page, err := backoff.RetryNotifyWithData(func() (*governor.Page, error) {
		attempt++
		p, err := c.fetcher.Fetch(ctx, locator)
		if err == nil {
			return p, nil
		}
		if isInterruption(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		policy.blocked = errors.Is(err, model.ErrFetchBlocked)
		return nil, err
	}, b, func(err error, wait time.Duration) {
		logging.Debug().Err(err).Str("url", locator).Int("attempt", attempt).Dur("wait", wait).Msg("retrying fetch")
	})

	if cause := context.Cause(ctx); cause != nil && err != nil {
		return nil, cause
	}
	return page, err
}

// blockAwareBackOff adds a fixed penalty after a blocked/challenge response.
type blockAwareBackOff struct {
	backoff.BackOff
	extra   time.Duration
	blocked bool
}

func (b *blockAwareBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || !b.blocked {
		return next
	}
	return next + b.extra
}

// isInterruption reports errors that must end the phase immediately rather
// than be retried or tolerated.
func isInterruption(ctx context.Context, err error) bool {
	if context.Cause(ctx) != nil {
		return true
	}
	return errors.Is(err, model.ErrCancellationRequested) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
