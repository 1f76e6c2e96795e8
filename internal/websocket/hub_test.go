package websocket

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfscope/api/internal/model"
)

type frame struct {
	kind int
	data []byte
}

type recordingSink struct {
	mu     sync.Mutex
	frames []frame
	gate   chan struct{} // when set, every write waits for a token
}

func (s *recordingSink) WriteMessage(kind int, data []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (s *recordingSink) snapshot() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.frames...)
}

// events decodes text frames that carry a sequence number.
func (s *recordingSink) events(t *testing.T) []model.ProgressEvent {
	var out []model.ProgressEvent
	for _, f := range s.snapshot() {
		if f.kind != websocket.TextMessage {
			continue
		}
		var ev model.ProgressEvent
		require.NoError(t, json.Unmarshal(f.data, &ev))
		if ev.Type == model.WSMessageTypeConnected {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func event(jobID string, seq int64) *model.ProgressEvent {
	return &model.ProgressEvent{
		Type:      model.WSMessageTypePhaseUpdate,
		JobID:     jobID,
		Seq:       seq,
		Phase:     model.PhaseCollection,
		Timestamp: time.Now(),
	}
}

func waitDone(t *testing.T, o *Observer) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("observer not detached")
	}
}

func TestHub_DeliversInOrderThenCloses(t *testing.T) {
	h := NewHub(Options{QueueSize: 128})
	a, b := &recordingSink{}, &recordingSink{}
	oa := h.Attach("job-1", a)
	ob := h.Attach("job-1", b)
	assert.Equal(t, 2, h.ObserverCount("job-1"))

	for i := int64(1); i <= 50; i++ {
		h.Publish(event("job-1", i))
	}
	h.CloseSession("job-1")
	waitDone(t, oa)
	waitDone(t, ob)

	for _, sink := range []*recordingSink{a, b} {
		frames := sink.snapshot()
		require.NotEmpty(t, frames)

		var first model.WSConnectedMessage
		require.NoError(t, json.Unmarshal(frames[0].data, &first))
		assert.Equal(t, model.WSMessageTypeConnected, first.Type)
		assert.Equal(t, "job-1", first.JobID)

		evs := sink.events(t)
		require.Len(t, evs, 50)
		for i, ev := range evs {
			assert.Equal(t, int64(i+1), ev.Seq)
		}
		assert.Equal(t, websocket.CloseMessage, frames[len(frames)-1].kind)
	}
	assert.Equal(t, 0, h.ObserverCount("job-1"))
}

func TestHub_NoBacklogForLateObserver(t *testing.T) {
	h := NewHub(Options{})
	h.Publish(event("job-1", 1))
	h.Publish(event("job-1", 2))

	sink := &recordingSink{}
	o := h.Attach("job-1", sink)
	h.Publish(event("job-1", 3))
	h.CloseSession("job-1")
	waitDone(t, o)

	evs := sink.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(3), evs[0].Seq)
}

func TestHub_SessionsAreIsolated(t *testing.T) {
	h := NewHub(Options{})
	a, b := &recordingSink{}, &recordingSink{}
	oa := h.Attach("job-a", a)
	ob := h.Attach("job-b", b)

	h.Publish(event("job-a", 1))
	h.CloseSession("job-a")
	h.CloseSession("job-b")
	waitDone(t, oa)
	waitDone(t, ob)

	assert.Len(t, a.events(t), 1)
	assert.Empty(t, b.events(t))
}

func TestHub_SlowObserverIsDropped(t *testing.T) {
	h := NewHub(Options{QueueSize: 2})
	slow := &recordingSink{gate: make(chan struct{})}
	fast := &recordingSink{}
	slowObs := h.Attach("job-1", slow)
	fastObs := h.Attach("job-1", fast)

	for i := int64(1); i <= 10; i++ {
		h.Publish(event("job-1", i))
		want := int(i)
		require.Eventually(t, func() bool { return len(fast.events(t)) == want }, time.Second, time.Millisecond)
	}
	waitDone(t, slowObs)
	close(slow.gate)

	h.CloseSession("job-1")
	waitDone(t, fastObs)
	assert.Len(t, fast.events(t), 10)
	assert.Equal(t, 0, h.ObserverCount("job-1"))
}

func TestHub_DetachStopsDelivery(t *testing.T) {
	h := NewHub(Options{})
	sink := &recordingSink{}
	o := h.Attach("job-1", sink)
	o.Detach()
	waitDone(t, o)
	assert.Equal(t, 0, h.ObserverCount("job-1"))

	h.Publish(event("job-1", 1))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.events(t))
}

func TestHub_AttachDuringPublishSeesContiguousSuffix(t *testing.T) {
	h := NewHub(Options{QueueSize: 1024})
	const total = 200

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		sinks []*recordingSink
		obs   []*Observer
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= total; i++ {
			h.Publish(event("job-1", i))
		}
	}()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &recordingSink{}
			o := h.Attach("job-1", s)
			mu.Lock()
			sinks = append(sinks, s)
			obs = append(obs, o)
			mu.Unlock()
		}()
	}
	wg.Wait()
	h.CloseSession("job-1")
	for _, o := range obs {
		waitDone(t, o)
	}

	for _, s := range sinks {
		evs := s.events(t)
		for i := 1; i < len(evs); i++ {
			assert.Equal(t, evs[i-1].Seq+1, evs[i].Seq)
		}
		if len(evs) > 0 {
			assert.Equal(t, int64(total), evs[len(evs)-1].Seq)
		}
	}
}

type fakeConn struct {
	recordingSink
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 4), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return 0, nil, errors.New("connection closed")
		}
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestHub_ServeAnswersPing(t *testing.T) {
	h := NewHub(Options{})
	conn := newFakeConn()
	served := make(chan struct{})
	go func() {
		h.Serve(conn, "job-1")
		close(served)
	}()

	conn.incoming <- []byte(`{"type":"ping"}`)
	assert.Eventually(t, func() bool {
		for _, f := range conn.snapshot() {
			var msg model.WSMessage
			if json.Unmarshal(f.data, &msg) == nil && msg.Type == model.WSMessageTypePong {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(conn.incoming)
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	assert.Equal(t, 0, h.ObserverCount("job-1"))
}

func TestHub_ServeReturnsWhenSessionCloses(t *testing.T) {
	h := NewHub(Options{})
	conn := newFakeConn()
	served := make(chan struct{})
	go func() {
		h.Serve(conn, "job-1")
		close(served)
	}()

	require.Eventually(t, func() bool { return h.ObserverCount("job-1") == 1 }, time.Second, 5*time.Millisecond)
	h.CloseSession("job-1")

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
}

func terminal(jobID string, seq int64) *model.ProgressEvent {
	return &model.ProgressEvent{
		Type:      model.WSMessageTypeComplete,
		JobID:     jobID,
		Seq:       seq,
		JobStatus: model.JobStatusCompleted,
		Timestamp: time.Now(),
	}
}

func (h *Hub) lockCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.publishMu)
}

func TestHub_AttachAfterCloseGetsFinalFrame(t *testing.T) {
	h := NewHub(Options{})
	h.Publish(event("job-1", 1))
	h.Publish(terminal("job-1", 2))
	h.CloseSession("job-1")

	sink := &recordingSink{}
	o := h.Attach("job-1", sink)
	waitDone(t, o)

	assert.Equal(t, 0, h.ObserverCount("job-1"))
	assert.Equal(t, 0, h.lockCount())

	evs := sink.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, model.WSMessageTypeComplete, evs[0].Type)
	assert.Equal(t, int64(2), evs[0].Seq)

	frames := sink.snapshot()
	require.Len(t, frames, 3)
	assert.Equal(t, websocket.TextMessage, frames[0].kind)
	assert.Equal(t, websocket.CloseMessage, frames[2].kind)
}

func TestHub_PublishAfterCloseGoesNowhere(t *testing.T) {
	h := NewHub(Options{})
	h.CloseSession("job-1")
	h.Publish(event("job-1", 1))

	assert.Equal(t, 0, h.lockCount())

	sink := &recordingSink{}
	waitDone(t, h.Attach("job-1", sink))
	assert.Empty(t, sink.events(t))
}

func TestHub_SealServesStoredOutcome(t *testing.T) {
	h := NewHub(Options{})
	h.Seal(terminal("job-1", 9))
	// a second seal keeps the first outcome
	h.Seal(terminal("job-1", 10))

	sink := &recordingSink{}
	waitDone(t, h.Attach("job-1", sink))

	evs := sink.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(9), evs[0].Seq)
}

func TestHub_ForgetsClosedSessionsAfterRetention(t *testing.T) {
	h := NewHub(Options{ClosedRetention: time.Millisecond})
	h.CloseSession("job-1")
	time.Sleep(5 * time.Millisecond)
	h.CloseSession("job-2")

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.NotContains(t, h.closed, "job-1")
	assert.Contains(t, h.closed, "job-2")
}
