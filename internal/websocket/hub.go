// Package websocket fans job progress events out to live observers.
package websocket

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/goccy/go-json"

	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/metrics"
	"github.com/shelfscope/api/internal/model"
)

// Sink receives frames for one observer. *websocket.Conn satisfies it.
type Sink interface {
	WriteMessage(messageType int, data []byte) error
}

// Conn is a full duplex observer connection.
type Conn interface {
	Sink
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Observer is one attached consumer of a session's events.
type Observer struct {
	SessionID string

	hub    *Hub
	sink   Sink
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	sendMu sync.Mutex
}

// Done is closed once the observer has been detached.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Detach stops delivery. Queued events are discarded.
func (o *Observer) Detach() {
	o.hub.detach(o)
}

func (o *Observer) write(messageType int, data []byte) error {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	return o.sink.WriteMessage(messageType, data)
}

type Options struct {
	QueueSize    int
	PingInterval time.Duration
	// ClosedRetention is how long a finished session is remembered so late
	// observers get its final frame instead of an empty stream.
	ClosedRetention time.Duration
}

type closedSession struct {
	final []byte
	at    time.Time
}

// Hub maintains observers grouped by session.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]map[*Observer]struct{}
	publishMu map[string]*sync.Mutex
	final     map[string][]byte
	closed    map[string]closedSession

	queueSize       int
	pingInterval    time.Duration
	closedRetention time.Duration
}

func NewHub(opts Options) *Hub {
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ClosedRetention <= 0 {
		opts.ClosedRetention = 15 * time.Minute
	}
	return &Hub{
		sessions:        make(map[string]map[*Observer]struct{}),
		publishMu:       make(map[string]*sync.Mutex),
		final:           make(map[string][]byte),
		closed:          make(map[string]closedSession),
		queueSize:       opts.QueueSize,
		pingInterval:    opts.PingInterval,
		closedRetention: opts.ClosedRetention,
	}
}

// sessionLock serializes publishing within one session.
func (h *Hub) sessionLock(sessionID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.publishMu[sessionID]
	if !ok {
		m = &sync.Mutex{}
		h.publishMu[sessionID] = m
	}
	return m
}

// Attach registers sink for sessionID. The observer first receives a
// connected greeting, then every event published after this call. On a
// session that already closed it receives the greeting, the session's final
// frame and a close frame.
func (h *Hub) Attach(sessionID string, sink Sink) *Observer {
	o := &Observer{
		SessionID: sessionID,
		hub:       h,
		sink:      sink,
		queue:     make(chan []byte, h.queueSize),
		done:      make(chan struct{}),
	}

	greeting, _ := json.Marshal(model.WSConnectedMessage{
		Type:      model.WSMessageTypeConnected,
		JobID:     sessionID,
		Timestamp: time.Now(),
	})

	// taking the publish lock makes attach atomic with respect to an event
	lock := h.sessionLock(sessionID)
	lock.Lock()
	h.mu.Lock()
	sealed, closed := h.closed[sessionID]
	if closed {
		// sessionLock recreated the entry after teardown
		if h.publishMu[sessionID] == lock {
			delete(h.publishMu, sessionID)
		}
		o.queue = make(chan []byte, 3)
		o.queue <- greeting
		if sealed.final != nil {
			o.queue <- sealed.final
		}
		o.queue <- nil
	} else {
		o.queue <- greeting
		if h.sessions[sessionID] == nil {
			h.sessions[sessionID] = make(map[*Observer]struct{})
		}
		h.sessions[sessionID][o] = struct{}{}
	}
	h.mu.Unlock()
	lock.Unlock()

	metrics.Observers.Inc()
	logging.Debug().Str("jobId", sessionID).Bool("closed", closed).Msg("observer attached")

	go h.deliver(o)
	return o
}

func (h *Hub) detach(o *Observer) {
	o.once.Do(func() {
		h.mu.Lock()
		if obs, ok := h.sessions[o.SessionID]; ok {
			delete(obs, o)
			if len(obs) == 0 {
				delete(h.sessions, o.SessionID)
			}
		}
		h.mu.Unlock()
		close(o.done)
		metrics.Observers.Dec()
		logging.Debug().Str("jobId", o.SessionID).Msg("observer detached")
	})
}

// Publish delivers ev to every observer attached to its session, in
// publish order. An observer whose queue is full is disconnected.
func (h *Hub) Publish(ev *model.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error().Err(err).Str("jobId", ev.JobID).Msg("failed to marshal progress event")
		return
	}
	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()

	if h.isClosed(ev.JobID) {
		return
	}

	lock := h.sessionLock(ev.JobID)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	if _, closed := h.closed[ev.JobID]; closed {
		// closed between the check above and taking the lock
		if h.publishMu[ev.JobID] == lock {
			delete(h.publishMu, ev.JobID)
		}
		h.mu.Unlock()
		return
	}
	if ev.IsTerminal() {
		h.final[ev.JobID] = data
	}
	h.mu.Unlock()

	for _, o := range h.observers(ev.JobID) {
		select {
		case <-o.done:
		case o.queue <- data:
		default:
			metrics.ObserversDropped.Inc()
			logging.Warn().Str("jobId", ev.JobID).Msg("observer fell behind, disconnecting")
			h.detach(o)
		}
	}
}

// CloseSession flushes what is queued to each observer, sends a close
// frame and detaches them. Later publishes for the session go nowhere and
// later observers are closed right after the final frame.
func (h *Hub) CloseSession(sessionID string) {
	h.closeSession(sessionID, nil)
}

// Seal closes a session whose final event was never published through this
// hub, e.g. a job that finished before a restart. Sealing a session that is
// already closed does nothing.
func (h *Hub) Seal(ev *model.ProgressEvent) {
	if h.isClosed(ev.JobID) {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error().Err(err).Str("jobId", ev.JobID).Msg("failed to marshal final event")
		return
	}
	h.closeSession(ev.JobID, data)
}

func (h *Hub) isClosed(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.closed[sessionID]
	return ok
}

func (h *Hub) closeSession(sessionID string, final []byte) {
	lock := h.sessionLock(sessionID)
	lock.Lock()
	obs := h.observers(sessionID)
	h.mu.Lock()
	if final == nil {
		final = h.final[sessionID]
	}
	delete(h.final, sessionID)
	delete(h.sessions, sessionID)
	delete(h.publishMu, sessionID)

	now := time.Now()
	for id, c := range h.closed {
		if now.Sub(c.at) > h.closedRetention {
			delete(h.closed, id)
		}
	}
	if _, ok := h.closed[sessionID]; !ok {
		h.closed[sessionID] = closedSession{final: final, at: now}
	}
	h.mu.Unlock()
	lock.Unlock()

	for _, o := range obs {
		select {
		case o.queue <- nil:
		default:
			h.detach(o)
		}
	}
}

// ObserverCount returns the number of observers attached to sessionID.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) observers(sessionID string) []*Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Observer, 0, len(h.sessions[sessionID]))
	for o := range h.sessions[sessionID] {
		out = append(out, o)
	}
	return out
}

// deliver writes one frame per queued message until the observer goes away.
// A nil message marks the end of the session.
func (h *Hub) deliver(o *Observer) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return

		case msg := <-o.queue:
			select {
			case <-o.done:
				return
			default:
			}
			if msg == nil {
				_ = o.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				h.detach(o)
				return
			}
			if err := o.write(websocket.TextMessage, msg); err != nil {
				logging.Debug().Err(err).Str("jobId", o.SessionID).Msg("observer write failed")
				h.detach(o)
				return
			}

		case <-ticker.C:
			if err := o.write(websocket.PingMessage, nil); err != nil {
				h.detach(o)
				return
			}
		}
	}
}

// Serve attaches conn to sessionID and runs its reader loop until either
// side goes away. Client ping messages are answered with pong.
func (h *Hub) Serve(conn Conn, sessionID string) {
	o := h.Attach(sessionID, conn)
	defer o.Detach()

	go func() {
		<-o.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("jobId", sessionID).Msg("websocket read error")
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			if err := o.write(websocket.TextMessage, pong); err != nil {
				return
			}
		}
	}
}
