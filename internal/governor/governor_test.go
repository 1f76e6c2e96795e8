package governor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfscope/api/internal/config"
	"github.com/shelfscope/api/internal/model"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func testConfig(min, max time.Duration) *config.GovernorConfig {
	return &config.GovernorConfig{
		MinDelay:     min,
		MaxDelay:     max,
		FetchTimeout: time.Second,
		UserAgents:   []string{"agent-a", "agent-b"},
	}
}

// recorder is a mock transport that timestamps every send and tracks overlap.
type recorder struct {
	mu       sync.Mutex
	starts   []time.Time
	agents   []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	hold     time.Duration
}

func (r *recorder) Do(req *http.Request) (*http.Response, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		cur := r.maxSeen.Load()
		if n <= cur || r.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	r.mu.Lock()
	r.starts = append(r.starts, time.Now())
	r.agents = append(r.agents, req.Header.Get("User-Agent"))
	r.mu.Unlock()

	time.Sleep(r.hold)
	return okResponse("<html><span id=\"productTitle\">ok</span></html>"), nil
}

func TestFetch_ConcurrentCallersAreSerializedAndSpaced(t *testing.T) {
	const minDelay = 30 * time.Millisecond
	rec := &recorder{hold: 5 * time.Millisecond}
	g := New(testConfig(minDelay, 40*time.Millisecond), rec)

	const k = 4
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Fetch(context.Background(), "https://example.com/item/ABC")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, rec.starts, k)
	assert.Equal(t, int32(1), rec.maxSeen.Load(), "sends overlapped")
	for i := 1; i < k; i++ {
		gap := rec.starts[i].Sub(rec.starts[i-1])
		assert.GreaterOrEqual(t, gap, minDelay, "gap %d too short", i)
	}
}

func TestFetch_RotatesIdentity(t *testing.T) {
	rec := &recorder{}
	g := New(testConfig(0, 0), rec)

	for i := 0; i < 4; i++ {
		_, err := g.Fetch(context.Background(), "https://example.com/item/ABC")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-a", "agent-b"}, rec.agents)
}

func TestFetch_BlockedSignals(t *testing.T) {
	tests := []struct {
		name string
		resp func() *http.Response
	}{
		{"service unavailable", func() *http.Response {
			return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: io.NopCloser(strings.NewReader(""))}
		}},
		{"too many requests", func() *http.Response {
			return &http.Response{StatusCode: http.StatusTooManyRequests, Body: io.NopCloser(strings.NewReader(""))}
		}},
		{"challenge page", func() *http.Response {
			return okResponse("<html>Enter the characters you see below</html>")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(testConfig(0, 0), doerFunc(func(*http.Request) (*http.Response, error) {
				return tt.resp(), nil
			}))
			_, err := g.Fetch(context.Background(), "https://example.com/item/ABC")
			assert.ErrorIs(t, err, model.ErrFetchBlocked)
		})
	}
}

func TestFetch_NotFoundIsFailure(t *testing.T) {
	g := New(testConfig(0, 0), doerFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
	}))
	_, err := g.Fetch(context.Background(), "https://example.com/item/ABC")
	assert.ErrorIs(t, err, model.ErrFetchFailed)
	assert.NotErrorIs(t, err, model.ErrFetchBlocked)
}

func TestFetch_RejectsUngovernedHost(t *testing.T) {
	cfg := testConfig(0, 0)
	cfg.AllowedHosts = []string{"www.amazon.com"}
	g := New(cfg, doerFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("request must not be sent")
		return nil, nil
	}))

	_, err := g.Fetch(context.Background(), "https://evil.example.org/dp/B000000000")
	assert.ErrorIs(t, err, model.ErrFetchFailed)
	assert.True(t, g.Allowed("https://WWW.AMAZON.COM/dp/B000000000"))
	assert.False(t, g.Allowed("ftp://www.amazon.com/x"))
}

func TestFetch_CancelWhileQueuedReleasesPosition(t *testing.T) {
	release := make(chan struct{})
	var sends atomic.Int32
	g := New(testConfig(0, 0), doerFunc(func(*http.Request) (*http.Response, error) {
		sends.Add(1)
		<-release
		return okResponse("ok"), nil
	}))

	first := make(chan error, 1)
	go func() {
		_, err := g.Fetch(context.Background(), "https://example.com/a")
		first <- err
	}()
	require.Eventually(t, func() bool { return sends.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancelCause(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := g.Fetch(ctx, "https://example.com/b")
		queued <- err
	}()
	cancel(model.ErrCancellationRequested)

	select {
	case err := <-queued:
		assert.ErrorIs(t, err, model.ErrCancellationRequested)
	case <-time.After(time.Second):
		t.Fatal("queued fetch did not observe cancellation")
	}

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), sends.Load())
}

func TestFetch_InFlightSendIsNotPreempted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := New(testConfig(0, 0), doerFunc(func(req *http.Request) (*http.Response, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, req.Context().Err())
		return okResponse("fine"), nil
	}))

	page, err := g.Fetch(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "fine", string(page.Body))
}
