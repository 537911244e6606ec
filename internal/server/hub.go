package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/logging"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer      = 256
	broadcastBuffer = 1024
)

// Message types pushed to subscribers.
const (
	MessageState    = "state"
	MessageProgress = "progress"
)

// Message is one frame pushed to a job subscriber.
type Message struct {
	Type     string             `json:"type"`
	JobID    string             `json:"jobId"`
	State    *jobstore.JobState `json:"state,omitempty"`
	Progress *progress.Snapshot `json:"progress,omitempty"`
}

// Hub fans job progress out to websocket subscribers.
type Hub struct {
	clients    map[string]map[*subscriber]struct{}
	broadcast  chan Message
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHub creates a hub accepting websocket upgrades from origins ("*"
// allows any). Without origins only same-origin upgrades pass. Call Run to
// start it.
func NewHub(origins ...string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(origins),
		},
		clients:    make(map[string]map[*subscriber]struct{}),
		broadcast:  make(chan Message, broadcastBuffer),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
		logger:     logging.NewLogger("ws-hub"),
	}
}

// Run serves the hub until ctx is done, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, subs := range h.clients {
				for s := range subs {
					close(s.send)
				}
			}
			h.clients = make(map[string]map[*subscriber]struct{})
			return

		case s := <-h.register:
			if h.clients[s.jobID] == nil {
				h.clients[s.jobID] = make(map[*subscriber]struct{})
			}
			h.clients[s.jobID][s] = struct{}{}
			h.logger.Debug().Str("job_id", s.jobID).Msg("Subscriber connected")

		case s := <-h.unregister:
			h.drop(s)
			h.logger.Debug().Str("job_id", s.jobID).Msg("Subscriber disconnected")

		case msg := <-h.broadcast:
			for s := range h.clients[msg.JobID] {
				select {
				case s.send <- msg:
				default:
					h.logger.Warn().Str("job_id", msg.JobID).Msg("Subscriber too slow, disconnecting")
					h.drop(s)
				}
			}
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	subs, ok := h.clients[s.jobID]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	close(s.send)
	if len(subs) == 0 {
		delete(h.clients, s.jobID)
	}
}

// Sinks returns the progress sinks of a new job. It plugs into
// orchestrator.RunnerConfig.Sinks.
func (h *Hub) Sinks(jobID string) []progress.Sink {
	return []progress.Sink{progress.SinkFunc(func(s progress.Snapshot) {
		h.Publish(jobID, s)
	})}
}

// Publish queues a progress snapshot for jobID's subscribers. It never
// blocks the job; frames are dropped when the hub is saturated.
func (h *Hub) Publish(jobID string, s progress.Snapshot) {
	select {
	case h.broadcast <- Message{Type: MessageProgress, JobID: jobID, Progress: &s}:
	default:
		h.logger.Warn().Str("job_id", jobID).Msg("Hub saturated, dropping progress frame")
	}
}

// PublishState pushes a job record to its subscribers. It plugs into
// orchestrator.RunnerConfig.Finished so every subscriber ends on the
// terminal status, counts and manifest id. Unlike progress frames it waits
// up to writeWait for room in the hub.
func (h *Hub) PublishState(state *jobstore.JobState) {
	msg := Message{Type: MessageState, JobID: state.JobID, State: state.Clone()}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case h.broadcast <- msg:
	case <-h.done:
	case <-timer.C:
		h.logger.Warn().Str("job_id", state.JobID).Msg("Hub saturated, dropping state frame")
	}
}

func checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// subscriber is one websocket connection watching one job. Any inbound
// frame or pong counts as a caller heartbeat.
type subscriber struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan Message
	jobID     string
	heartbeat func()
	closeOnce sync.Once
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, initial *jobstore.JobState, heartbeat func()) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	s := &subscriber{
		hub:       h,
		conn:      conn,
		send:      make(chan Message, sendBuffer),
		jobID:     initial.JobID,
		heartbeat: heartbeat,
	}
	s.send <- Message{Type: MessageState, JobID: initial.JobID, State: initial}
	select {
	case h.register <- s:
	case <-h.done:
		close(s.send)
	}

	go s.writePump()
	go s.readPump()
	return nil
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.close()
	}()

	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.heartbeat()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug().Err(err).Str("job_id", s.jobID).Msg("Subscriber read failed")
			}
			return
		}
		s.heartbeat()
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
