package signal

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/ids"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// client is one websocket connection subscribed to a room.
type client struct {
	hub           *roomHub
	conn          *websocket.Conn
	participantID domain.ParticipantID
	sessionID     domain.SessionID
	connectedAt   time.Time
	send          chan []byte
	limiter       *rate.Limiter

	// set once the client announced its own departure
	saidGoodbye atomic.Bool
}

// delivery is one envelope headed for a room's connections. origin is nil for
// messages that did not come from a local connection; only restricts the
// delivery to a single connection.
type delivery struct {
	origin *client
	only   *client
	msg    *domain.Message
	raw    []byte
	remote bool
}

// roomHub owns the connection set of one room. All mutation happens on the
// run goroutine.
type roomHub struct {
	id     domain.RoomID
	server *WebSocketServer

	register   chan *client
	unregister chan *client
	broadcast  chan delivery
	presence   chan chan []ports.PresenceEntry
	shutdown   chan struct{}
	done       chan struct{}

	// outbound feeds the fanout in hub order; one publisher drains it
	outbound chan []byte

	clients map[*client]struct{}
	logger  *zap.SugaredLogger
}

func newRoomHub(id domain.RoomID, s *WebSocketServer) *roomHub {
	return &roomHub{
		id:         id,
		server:     s,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan delivery, s.cfg.SendQueueSize),
		presence:   make(chan chan []ports.PresenceEntry),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		outbound:   make(chan []byte, s.cfg.SendQueueSize),
		clients:    make(map[*client]struct{}),
		logger:     s.logger.With("room_id", id),
	}
}

func (h *roomHub) run() {
	idle := time.NewTimer(h.server.cfg.RoomIdleTimeout)
	defer idle.Stop()
	defer close(h.outbound)

	for {
		select {
		case c := <-h.register:
			h.supersede(c.participantID, c.sessionID)
			h.clients[c] = struct{}{}
			idle.Stop()
			h.enqueue(c, h.control(domain.MessageSubscribed, c, nil))
			h.server.observer.ConnectionOpened(h.id)
			h.logger.Infow("participant subscribed",
				"participant_id", c.participantID,
				"session_id", c.sessionID,
				"connections", len(h.clients),
			)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c, "disconnected")
			}
			if len(h.clients) == 0 {
				idle.Reset(h.server.cfg.RoomIdleTimeout)
			}

		case d := <-h.broadcast:
			h.deliver(d)
			if len(h.clients) == 0 {
				idle.Reset(h.server.cfg.RoomIdleTimeout)
			}

		case reply := <-h.presence:
			entries := make([]ports.PresenceEntry, 0, len(h.clients))
			for c := range h.clients {
				entries = append(entries, ports.PresenceEntry{
					ParticipantID: c.participantID,
					SessionID:     c.sessionID,
					ConnectedAt:   c.connectedAt.UnixMilli(),
				})
			}
			reply <- entries

		case <-idle.C:
			if len(h.clients) > 0 {
				continue
			}
			h.server.retire(h)
			h.logger.Debugw("idle room collected")
			close(h.done)
			return

		case <-h.shutdown:
			// every connection is going away; nobody is left to tell
			for c := range h.clients {
				c.saidGoodbye.Store(true)
				h.drop(c, "relay shutting down")
			}
			h.server.retire(h)
			close(h.done)
			return
		}
	}
}

func (h *roomHub) deliver(d delivery) {
	if d.remote && d.msg.Type == domain.MessageUserJoined {
		h.supersede(d.msg.From, d.msg.SessionID)
	}
	if d.only != nil {
		if _, ok := h.clients[d.only]; ok {
			h.enqueue(d.only, d.raw)
		}
		return
	}

	delivered := 0
	for c := range h.clients {
		if c == d.origin {
			continue
		}
		if d.msg.To != "" && d.msg.To != c.participantID {
			continue
		}
		if h.enqueue(c, d.raw) {
			delivered++
		}
	}
	h.server.observer.MessageRelayed(h.id, string(d.msg.Type))

	if d.remote || h.server.fanout == nil {
		return
	}
	// A unicast already delivered locally does not need to cross instances.
	if d.msg.To != "" && delivered > 0 {
		return
	}
	select {
	case h.outbound <- d.raw:
	default:
		h.server.observer.MessageDropped(h.id, "fanout_backlog")
		h.logger.Warnw("fanout backlog full, message not sent to other relays", "type", d.msg.Type)
	}
}

// publish forwards outbound messages to the fanout one at a time, so other
// instances see them in the order this hub delivered them.
func (h *roomHub) publish() {
	for raw := range h.outbound {
		if h.server.fanout != nil {
			h.server.publishRemote(h.id, raw)
		}
	}
}

// supersede closes the connections participant holds from sessions other
// than session. A room keeps one live session per participant; the newest
// one wins.
func (h *roomHub) supersede(participant domain.ParticipantID, session domain.SessionID) {
	for c := range h.clients {
		if c.participantID == participant && c.sessionID != session {
			h.drop(c, "replaced by a newer session")
		}
	}
}

// enqueue hands raw to c's writer. A client whose queue is full is dropped.
func (h *roomHub) enqueue(c *client, raw []byte) bool {
	if raw == nil {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		h.server.observer.MessageDropped(h.id, "slow_consumer")
		h.logger.Warnw("dropping slow participant connection",
			"participant_id", c.participantID,
			"session_id", c.sessionID,
		)
		h.drop(c, "slow consumer")
		return false
	}
}

// drop removes c and, unless c already said goodbye, tells the rest of the
// room that it left.
func (h *roomHub) drop(c *client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.server.observer.ConnectionClosed(h.id)

	h.logger.Infow("participant connection closed",
		"participant_id", c.participantID,
		"session_id", c.sessionID,
		"reason", reason,
	)

	if c.saidGoodbye.Load() {
		return
	}
	msg, err := domain.NewMessage(ids.NewMessageID(), domain.MessageUserLeft, h.id,
		c.participantID, c.sessionID, domain.UserLeftPayload{Reason: reason})
	if err != nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.deliver(delivery{origin: c, msg: msg, raw: raw})
}

func (h *roomHub) control(t domain.MessageType, c *client, payload any) []byte {
	msg, err := domain.NewMessage(ids.NewMessageID(), t, h.id, domain.RelayParticipantID, c.sessionID, payload)
	if err != nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return raw
}

// submit queues d unless the hub has already shut down.
func (h *roomHub) submit(d delivery) bool {
	select {
	case h.broadcast <- d:
		return true
	case <-h.done:
		return false
	}
}

func (h *roomHub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *roomHub) snapshot() []ports.PresenceEntry {
	reply := make(chan []ports.PresenceEntry, 1)
	select {
	case h.presence <- reply:
		return <-reply
	case <-h.done:
		return nil
	}
}
