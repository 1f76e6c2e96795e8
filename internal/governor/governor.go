// Package governor serializes and paces every request sent to the governed
// marketplace site. It is the only path the collector may use to reach it.
package governor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shelfscope/api/internal/config"
	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/metrics"
	"github.com/shelfscope/api/internal/model"
)

const maxBodyBytes = 8 << 20

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Page is the raw response of a governed fetch.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

// Identity is one outbound header set.
type Identity struct {
	UserAgent      string
	AcceptLanguage string
}

// Governor holds a single process-wide send slot.
type Governor struct {
	client     Doer
	slot       chan struct{}
	limiter    *rate.Limiter
	minDelay   time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
	identities []Identity
	allowed    map[string]bool

	mu   sync.Mutex // guards rnd and next
	rnd  *rand.Rand
	next int
}

// New builds a governor from configuration. A nil client uses a plain
// http.Client.
func New(cfg *config.GovernorConfig, client Doer) *Governor {
	if client == nil {
		client = &http.Client{}
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < cfg.MinDelay {
		maxDelay = cfg.MinDelay
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	if cfg.MinDelay > 0 {
		limit = rate.Every(cfg.MinDelay)
	}

	g := &Governor{
		client:     client,
		slot:       make(chan struct{}, 1),
		limiter:    rate.NewLimiter(limit, 1),
		minDelay:   cfg.MinDelay,
		maxDelay:   maxDelay,
		timeout:    timeout,
		identities: buildIdentities(cfg.UserAgents),
		allowed:    make(map[string]bool, len(cfg.AllowedHosts)),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, h := range cfg.AllowedHosts {
		g.allowed[strings.ToLower(h)] = true
	}
	return g
}

// Allowed reports whether locator targets a governed host. With no
// allow-list configured every http(s) host is accepted.
func (g *Governor) Allowed(locator string) bool {
	u, err := url.Parse(locator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if len(g.allowed) == 0 {
		return true
	}
	return g.allowed[strings.ToLower(u.Hostname())]
}

// Fetch waits for the single slot, sleeps a randomized interval, rotates the
// outbound identity and performs the request. Cancellation is honoured while
// queued or pacing; once the request is on the wire it runs to completion
// or until the fetch timeout.
func (g *Governor) Fetch(ctx context.Context, locator string) (*Page, error) {
	if !g.Allowed(locator) {
		return nil, fmt.Errorf("%w: %s is not a governed locator", model.ErrFetchFailed, locator)
	}

	started := time.Now()

	metrics.FetchQueueDepth.Inc()
	select {
	case g.slot <- struct{}{}:
		metrics.FetchQueueDepth.Dec()
	case <-ctx.Done():
		metrics.FetchQueueDepth.Dec()
		return nil, context.Cause(ctx)
	}
	defer func() { <-g.slot }()

	delay, identity := g.draw()
	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, err
	}

	page, err := g.send(ctx, locator, identity)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrFetchBlocked):
		outcome = "blocked"
	default:
		outcome = "failed"
	}
	metrics.ObserveFetch(outcome, time.Since(started))

	logging.Debug().
		Str("url", locator).
		Str("outcome", outcome).
		Dur("delay", delay).
		Dur("elapsed", time.Since(started)).
		Msg("governed fetch")

	return page, err
}

func (g *Governor) send(ctx context.Context, locator string, id Identity) (*Page, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", model.ErrFetchFailed, err)
	}
	setHeaders(req, id)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", model.ErrFetchFailed, err)
	}

	page := &Page{
		URL:        locator,
		FinalURL:   locator,
		StatusCode: resp.StatusCode,
		Body:       body,
		FetchedAt:  time.Now(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		page.FinalURL = resp.Request.URL.String()
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: status %d", model.ErrFetchBlocked, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", model.ErrFetchFailed, resp.StatusCode)
	case IsChallenge(body):
		return nil, fmt.Errorf("%w: challenge page", model.ErrFetchBlocked)
	}
	return page, nil
}

// draw picks the pacing delay and the next identity.
func (g *Governor) draw() (time.Duration, Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delay := g.minDelay
	if spread := g.maxDelay - g.minDelay; spread > 0 {
		delay += time.Duration(g.rnd.Int63n(int64(spread) + 1))
	}
	id := g.identities[g.next%len(g.identities)]
	g.next++
	return delay, id
}

var challengeMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("sorry, we just need to make sure you're not a robot"),
	[]byte("enter the characters you see below"),
	[]byte("automated access"),
}

// IsChallenge reports whether a 2xx body is actually an anti-automation page.
func IsChallenge(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range challengeMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

func setHeaders(req *http.Request, id Identity) {
	req.Header.Set("User-Agent", id.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", id.AcceptLanguage)
	req.Header.Set("DNT", "1")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Cache-Control", "max-age=0")
}

var acceptLanguages = []string{"en-US,en;q=0.9", "en-GB,en;q=0.8", "en-US,en;q=0.8,de;q=0.5"}

func buildIdentities(agents []string) []Identity {
	if len(agents) == 0 {
		agents = []string{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"}
	}
	ids := make([]Identity, len(agents))
	for i, ua := range agents {
		ids[i] = Identity{UserAgent: ua, AcceptLanguage: acceptLanguages[i%len(acceptLanguages)]}
	}
	return ids
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
