package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WSChannelConfig struct {
	URL       string // ws://host/ws
	RoomID    domain.RoomID
	SessionID domain.SessionID
	Token     string

	WriteTimeout time.Duration
	InboxSize    int
}

// WSChannel is a participant's subscription to one room on the websocket
// relay.
type WSChannel struct {
	cfg    WSChannelConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	conn    *websocket.Conn
	writeMu sync.Mutex

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

func NewWSChannel(cfg WSChannelConfig, log *zap.SugaredLogger) *WSChannel {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	return &WSChannel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.OrNop(log).With("room_id", cfg.RoomID),
		closed: make(chan struct{}),
	}
}

func (c *WSChannel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("room_id", string(c.cfg.RoomID))
	q.Set("session_id", string(c.cfg.SessionID))
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the relay and waits for its subscribed acknowledgement.
func (c *WSChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, domain.ErrChannelClosed
	default:
	}
	if c.conn != nil {
		return nil, fmt.Errorf("already subscribed to %s", c.cfg.RoomID)
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay refused subscription (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			stop()
			conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for subscription: %w", ctx.Err())
			}
			return nil, fmt.Errorf("waiting for subscription: %w", err)
		}
		var frame struct {
			Type domain.MessageType `json:"type"`
		}
		if json.Unmarshal(raw, &frame) == nil && frame.Type == domain.MessageSubscribed {
			break
		}
	}
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("waiting for subscription: %w", ctx.Err())
	}
	c.conn = conn
	c.inbound = make(chan []byte, c.cfg.InboxSize)
	go c.readLoop(conn, c.inbound)

	c.logger.Debugw("subscribed to relay", "session_id", c.cfg.SessionID)
	return c.inbound, nil
}

func (c *WSChannel) readLoop(conn *websocket.Conn, inbound chan<- []byte) {
	defer close(inbound)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warnw("relay connection lost", "error", err)
			}
			return
		}

		var frame struct {
			Type domain.MessageType  `json:"type"`
			Data domain.ErrorPayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &frame); err == nil && !frame.Type.IsProtocol() {
			if frame.Type == domain.MessageError {
				c.logger.Warnw("relay rejected message",
					"code", frame.Data.Code,
					"message", frame.Data.Message,
				)
			}
			continue
		}

		select {
		case inbound <- raw:
		case <-c.closed:
			return
		}
	}
}

func (c *WSChannel) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	default:
	}
	if conn == nil {
		return domain.ErrNotJoined
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// Close ends the subscription; the inbound channel is closed once the read
// loop notices.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
		c.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

var _ ports.RelayChannel = (*WSChannel)(nil)
