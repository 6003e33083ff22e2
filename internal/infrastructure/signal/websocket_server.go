package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	"huddle/pkg/config"
	"huddle/pkg/ids"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"
	"huddle/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayObserver receives relay traffic counters.
type RelayObserver interface {
	ConnectionOpened(roomID domain.RoomID)
	ConnectionClosed(roomID domain.RoomID)
	MessageRelayed(roomID domain.RoomID, messageType string)
	MessageDropped(roomID domain.RoomID, reason string)
	RoomClosed(roomID domain.RoomID)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(domain.RoomID)       {}
func (nopObserver) ConnectionClosed(domain.RoomID)       {}
func (nopObserver) MessageRelayed(domain.RoomID, string) {}
func (nopObserver) MessageDropped(domain.RoomID, string) {}
func (nopObserver) RoomClosed(domain.RoomID)             {}

// Fanout carries room traffic between relay instances.
type Fanout interface {
	Publish(ctx context.Context, roomID domain.RoomID, raw []byte) error
	Subscribe(ctx context.Context, handler func(roomID domain.RoomID, raw []byte)) error
}

type ServerConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	RoomIdleTimeout time.Duration
	SendQueueSize   int
	MaxMessageBytes int64

	// per connection; zero disables
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int

	AllowedOrigins []string
}

func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:    cfg.Relay.PingInterval,
		PongTimeout:     cfg.Relay.PongTimeout,
		WriteTimeout:    10 * time.Second,
		RoomIdleTimeout: cfg.Relay.RoomIdleTimeout,
		SendQueueSize:   cfg.Relay.SendQueueSize,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		AllowedOrigins:  cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return sc
}

// WebSocketServer is the room relay: one hub goroutine per room channel
// fanning envelopes out to every other subscribed connection.
type WebSocketServer struct {
	cfg      ServerConfig
	auth     services.AuthService
	observer RelayObserver
	fanout   Fanout
	upgrader websocket.Upgrader

	hubs map[domain.RoomID]*roomHub
	mu   sync.Mutex

	connections atomic.Int64
	closing     atomic.Bool

	logger *zap.SugaredLogger
}

func NewWebSocketServer(cfg ServerConfig, auth services.AuthService, observer RelayObserver, log *zap.SugaredLogger) *WebSocketServer {
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.RoomIdleTimeout <= 0 {
		cfg.RoomIdleTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	s := &WebSocketServer{
		cfg:      cfg,
		auth:     auth,
		observer: observer,
		hubs:     make(map[domain.RoomID]*roomHub),
		logger:   logger.OrNop(log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// UseFanout connects this relay to other instances. Messages arriving from
// the fanout are delivered to local connections only.
func (s *WebSocketServer) UseFanout(ctx context.Context, f Fanout) {
	s.fanout = f
	go func() {
		err := f.Subscribe(ctx, func(roomID domain.RoomID, raw []byte) {
			msg, err := domain.ParseMessage(raw)
			if err != nil {
				s.logger.Debugw("dropping malformed fanout message", "error", err)
				return
			}
			s.mu.Lock()
			h, ok := s.hubs[roomID]
			s.mu.Unlock()
			if ok {
				h.submit(delivery{msg: msg, raw: raw, remote: true})
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorw("relay fanout subscription ended", "error", err)
		}
	}()
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates /ws?room_id=&session_id=&token= and
// subscribes the connection to the room.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	roomID := q.Get("room_id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	claims, err := s.auth.ValidateScoped(q.Get("token"), services.ScopeJoin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err := s.auth.CheckRoomAccess(r.Context(), claims, domain.RoomID(roomID)); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, domain.ErrRoomEnded) {
			status = http.StatusGone
		}
		http.Error(w, err.Error(), status)
		return
	}

	if limit := s.cfg.MaxConnections; limit > 0 && s.connections.Load() >= int64(limit) {
		s.observer.MessageDropped(domain.RoomID(roomID), "connection_limit")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sessionID := domain.SessionID(q.Get("session_id"))
	if sessionID == "" {
		sessionID = domain.SessionID(ids.NewSessionID())
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	s.connections.Add(1)

	c := &client{
		conn:          conn,
		participantID: claims.UserID,
		sessionID:     sessionID,
		connectedAt:   time.Now(),
		send:          make(chan []byte, s.cfg.SendQueueSize),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.Burst, 1))
	}
	c.hub = s.join(domain.RoomID(roomID), c)

	go s.writePump(c)
	s.readPump(c)
}

// join registers c with the room's hub, replacing a hub that retired while
// we were looking it up.
func (s *WebSocketServer) join(roomID domain.RoomID, c *client) *roomHub {
	for {
		h := s.hubFor(roomID)
		select {
		case h.register <- c:
			return h
		case <-h.done:
		}
	}
}

func (s *WebSocketServer) hubFor(roomID domain.RoomID) *roomHub {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.hubs[roomID]; ok {
		return h
	}
	h := newRoomHub(roomID, s)
	s.hubs[roomID] = h
	go h.run()
	go h.publish()
	return h
}

// retire unregisters an idle hub so the next subscriber gets a fresh one.
func (s *WebSocketServer) retire(h *roomHub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hubs[h.id] == h {
		delete(s.hubs, h.id)
		s.observer.RoomClosed(h.id)
	}
}

func (s *WebSocketServer) readPump(c *client) {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
		s.connections.Add(-1)
	}()

	if s.cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.PongTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		})
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("relay read failed",
					"room_id", c.hub.id,
					"participant_id", c.participantID,
					"error", err,
				)
			}
			return
		}
		if s.cfg.PongTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		}

		if c.limiter != nil && !c.limiter.Allow() {
			s.observer.MessageDropped(c.hub.id, "rate_limited")
			s.reject(c, "RATE_LIMIT_EXCEEDED", "message rate exceeded")
			continue
		}

		msg, err := domain.ParseMessage(raw)
		if err != nil {
			s.observer.MessageDropped(c.hub.id, "malformed")
			s.reject(c, "INVALID_INPUT", err.Error())
			continue
		}
		if err := s.authorize(c, msg); err != nil {
			s.observer.MessageDropped(c.hub.id, "forbidden")
			s.reject(c, "FORBIDDEN", err.Error())
			continue
		}

		_, span := tracing.TraceRelayMessage(context.Background(), string(msg.Type), string(c.hub.id), string(c.participantID))
		if msg.Type == domain.MessageUserLeft && msg.SessionID == c.sessionID {
			c.saidGoodbye.Store(true)
		}
		c.hub.submit(delivery{origin: c, msg: msg, raw: raw})
		span.End()
	}
}

// authorize checks that an envelope belongs on this connection's room and
// is sent as the authenticated participant.
func (s *WebSocketServer) authorize(c *client, msg *domain.Message) error {
	if !msg.Type.IsProtocol() {
		return errors.New("unknown message type " + string(msg.Type))
	}
	if msg.RoomID != c.hub.id {
		return errors.New("message addressed to another room")
	}
	if msg.From != c.participantID {
		return errors.New("sender does not match authenticated participant")
	}
	return nil
}

func (s *WebSocketServer) reject(c *client, code, message string) {
	msg, err := domain.NewMessage(ids.NewMessageID(), domain.MessageError, c.hub.id,
		domain.RelayParticipantID, c.sessionID, domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.submit(delivery{msg: msg, raw: raw, only: c})
}

func (s *WebSocketServer) writePump(c *client) {
	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ping:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast delivers a relay-originated message to every connection in the
// room, and to other instances when a fanout is configured.
func (s *WebSocketServer) Broadcast(ctx context.Context, roomID domain.RoomID, msg *domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	h, ok := s.hubs[roomID]
	s.mu.Unlock()

	if ok && h.submit(delivery{msg: msg, raw: raw}) {
		return nil
	}
	if s.fanout != nil {
		return s.fanout.Publish(ctx, roomID, raw)
	}
	return nil
}

// Presence lists the connections this instance holds for roomID.
func (s *WebSocketServer) Presence(roomID domain.RoomID) []ports.PresenceEntry {
	s.mu.Lock()
	h, ok := s.hubs[roomID]
	s.mu.Unlock()
	if !ok {
		return []ports.PresenceEntry{}
	}
	entries := h.snapshot()
	if entries == nil {
		return []ports.PresenceEntry{}
	}
	return entries
}

// Rooms reports the number of live room hubs.
func (s *WebSocketServer) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hubs)
}

// Shutdown closes every relay connection and stops the room hubs. New
// connections are refused from the first call on.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	hubs := make([]*roomHub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	s.mu.Unlock()

	for _, h := range hubs {
		close(h.shutdown)
	}
	for _, h := range hubs {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Infow("relay stopped", "rooms", len(hubs))
	return nil
}

func (s *WebSocketServer) publishRemote(roomID domain.RoomID, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.fanout.Publish(ctx, roomID, raw); err != nil {
		s.logger.Warnw("relay fanout publish failed", "room_id", roomID, "error", err)
	}
}

var _ ports.RoomBroadcaster = (*WebSocketServer)(nil)
