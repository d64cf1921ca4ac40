// Package wsapi is the gorilla/websocket push-channel adapter over
// progressbus.Bus: it upgrades an authenticated connection, subscribes it
// to the bus, and serializes delivery onto a single per-connection
// goroutine with JSON framing.
package wsapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/core/progressbus"
	"github.com/quillhub/ingestflow/internal/platform/logging"
	"github.com/quillhub/ingestflow/internal/platform/principal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Server upgrades authenticated connections and bridges them to the bus.
type Server struct {
	bus      progressbus.Bus
	verifier principal.Verifier
	logger   logging.Logger
}

// New builds a Server.
func New(bus progressbus.Bus, verifier principal.Verifier, logger logging.Logger) *Server {
	return &Server{bus: bus, verifier: verifier, logger: logger}
}

// Register mounts the /ws/upload-progress endpoint.
func (s *Server) Register(router gin.IRouter) {
	router.GET("/ws/upload-progress", s.handleUpgrade)
}

func (s *Server) handleUpgrade(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	p, err := s.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("wsapi: upgrade failed", "error", err)
		return
	}

	session := newConnSession(conn, p, s.bus, s.logger)
	session.run()
}

// connSession owns one WebSocket connection's lifetime: it subscribes to
// the bus, serializes writes onto a single goroutine, and handles the
// client's ping/pong keepalive.
//
// The outbox is a bounded queue rather than a raw channel so that an
// overflow can be resolved by dropping the oldest queued non-terminal
// Progress event instead of dropping the whole connection: a slow client
// must still see the terminal Completed/Error event carrying the final
// errorHistory.
type connSession struct {
	conn    *websocket.Conn
	handle  progressbus.Handle
	bus     progressbus.Bus
	logger  logging.Logger
	closeCh chan struct{}

	mu     sync.Mutex
	queue  []model.ProgressEvent
	notify chan struct{}
}

func newConnSession(conn *websocket.Conn, p model.Principal, bus progressbus.Bus, logger logging.Logger) *connSession {
	cs := &connSession{
		conn:    conn,
		bus:     bus,
		logger:  logger,
		closeCh: make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	cs.handle = bus.Subscribe(p, progressbus.SinkFunc(cs.deliver))
	return cs
}

func isTerminalEvent(t model.ProgressEventType) bool {
	return t == model.EventCompleted || t == model.EventError
}

// enqueue appends event to the outbox, applying the drop-oldest-non-terminal
// policy when the queue is already at capacity.
func (cs *connSession) enqueue(event model.ProgressEvent) {
	cs.mu.Lock()
	if len(cs.queue) >= sendBuffer {
		dropped := false
		for i, queued := range cs.queue {
			if !isTerminalEvent(queued.Type) {
				cs.queue = append(cs.queue[:i], cs.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			if !isTerminalEvent(event.Type) {
				// Queue is saturated with terminal events; the new event
				// is expendable.
				cs.mu.Unlock()
				return
			}
			cs.queue = cs.queue[1:]
		}
	}
	cs.queue = append(cs.queue, event)
	cs.mu.Unlock()

	select {
	case cs.notify <- struct{}{}:
	default:
	}
}

func (cs *connSession) dequeueAll() []model.ProgressEvent {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.queue) == 0 {
		return nil
	}
	pending := cs.queue
	cs.queue = nil
	return pending
}

// deliver implements progressbus.Sink. It never blocks the publisher and
// never fails: a full outbox is resolved by dropping a queued event, not
// by tearing down the subscription.
func (cs *connSession) deliver(event model.ProgressEvent) error {
	cs.enqueue(event)
	return nil
}

func (cs *connSession) run() {
	defer func() {
		cs.bus.Unsubscribe(cs.handle)
		cs.conn.Close()
	}()

	go cs.writeLoop()
	cs.readLoop()
	close(cs.closeCh)
}

func (cs *connSession) readLoop() {
	cs.conn.SetReadDeadline(time.Now().Add(pongWait))
	cs.conn.SetPongHandler(func(string) error {
		cs.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := cs.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "ping" {
			cs.enqueue(model.ProgressEvent{Type: model.EventPong})
		}
	}
}

func (cs *connSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-cs.closeCh:
			return
		case <-cs.notify:
			for _, event := range cs.dequeueAll() {
				cs.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := cs.conn.WriteMessage(websocket.TextMessage, mustJSON(event)); err != nil {
					return
				}
			}
		case <-ticker.C:
			cs.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cs.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustJSON(event model.ProgressEvent) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		return []byte(`{"type":"upload_error","message":"encode failure"}`)
	}
	return data
}
