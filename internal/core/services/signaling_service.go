package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/cache"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/ids"
	"huddle/pkg/logger"
	"huddle/pkg/retry"

	"go.uber.org/zap"
)

type SignalingConfig struct {
	RoomID    domain.RoomID
	LocalID   domain.ParticipantID
	SessionID domain.SessionID

	SubscribeTimeout  time.Duration
	HeartbeatInterval time.Duration
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	DedupeWindow      time.Duration
}

func DefaultSignalingConfig(room domain.RoomID, local domain.ParticipantID, session domain.SessionID) SignalingConfig {
	return SignalingConfig{
		RoomID:            room,
		LocalID:           local,
		SessionID:         session,
		SubscribeTimeout:  10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		RetryAttempts:     3,
		RetryBaseDelay:    250 * time.Millisecond,
		DedupeWindow:      2 * time.Minute,
	}
}

// Handler receives one inbound message. Handlers run on the read loop and
// must not call Close synchronously.
type Handler func(ctx context.Context, msg *domain.Message)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type handlerEntry struct {
	id  HandlerID
	typ domain.MessageType // empty matches every type
	fn  Handler
}

// SignalingService speaks the room protocol over a RelayChannel. Every
// inbound message reaches each matching handler once, in registration order.
type SignalingService struct {
	cfg     SignalingConfig
	channel ports.RelayChannel
	logger  *zap.SugaredLogger

	hmu      sync.RWMutex
	handlers []handlerEntry
	nextID   HandlerID

	seen *cache.Cache[struct{}]

	lifeMu      sync.Mutex
	initialized bool
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	done        chan struct{}

	pingSeq atomic.Uint64
}

func NewSignalingService(cfg SignalingConfig, channel ports.RelayChannel, log *zap.SugaredLogger) *SignalingService {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalingService{
		cfg:     cfg,
		channel: channel,
		logger: logger.OrNop(log).With(
			"room_id", cfg.RoomID,
			"participant_id", cfg.LocalID,
			"session_id", cfg.SessionID,
		),
		seen:   cache.New[struct{}](cfg.DedupeWindow),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Initialize subscribes to the room channel. It fails with a connect error if
// the handshake does not complete within SubscribeTimeout. Calling it again
// after a success is a no-op.
func (s *SignalingService) Initialize(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return domain.ErrChannelClosed
	}
	if s.initialized {
		return nil
	}

	subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout)
	defer cancel()

	inbound, err := s.channel.Subscribe(subCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return apperrors.NewConnectError(err, string(s.cfg.RoomID))
		}
		return apperrors.NewTransportError(err, "relay subscribe failed")
	}

	s.initialized = true
	s.wg.Add(1)
	go s.readLoop(inbound)

	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeat()
	}

	s.logger.Infow("signaling initialized")
	return nil
}

// Done is closed once the inbound stream has ended.
func (s *SignalingService) Done() <-chan struct{} {
	return s.done
}

// On registers fn for messages of type t and returns its registration id.
func (s *SignalingService) On(t domain.MessageType, fn Handler) HandlerID {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.nextID++
	// copy-on-write so dispatch can iterate a snapshot without the lock
	next := make([]handlerEntry, len(s.handlers), len(s.handlers)+1)
	copy(next, s.handlers)
	s.handlers = append(next, handlerEntry{id: s.nextID, typ: t, fn: fn})
	return s.nextID
}

// OnAny registers fn for every protocol message.
func (s *SignalingService) OnAny(fn Handler) HandlerID {
	return s.On("", fn)
}

// Off removes a registration. Unknown ids are ignored.
func (s *SignalingService) Off(id HandlerID) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	next := make([]handlerEntry, 0, len(s.handlers))
	for _, h := range s.handlers {
		if h.id != id {
			next = append(next, h)
		}
	}
	s.handlers = next
}

// Emit broadcasts a message to the room.
func (s *SignalingService) Emit(ctx context.Context, t domain.MessageType, payload any) error {
	msg, err := s.newMessage(t, "", payload)
	if err != nil {
		return err
	}
	return s.publish(ctx, msg)
}

// SendTo delivers a message to one participant.
func (s *SignalingService) SendTo(ctx context.Context, to domain.ParticipantID, t domain.MessageType, payload any) error {
	msg, err := s.newMessage(t, to, payload)
	if err != nil {
		return err
	}
	return s.publish(ctx, msg)
}

// SendWithRetry delivers a negotiation message, trying up to RetryAttempts
// times with linearly growing backoff. Every attempt carries the same message
// id so receivers process it once. Pending retries stop when the service closes.
func (s *SignalingService) SendWithRetry(ctx context.Context, t domain.MessageType, to domain.ParticipantID, payload any) error {
	msg, err := s.newMessage(t, to, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	cfg := retry.LinearConfig(s.cfg.RetryAttempts, s.cfg.RetryBaseDelay)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warnw("signaling send failed, retrying",
			"type", t, "to", to, "message_id", msg.ID,
			"attempt", attempt, "delay", delay, "error", err)
	}

	if err := retry.Retry(ctx, cfg, func() error { return s.publish(ctx, msg) }); err != nil {
		return fmt.Errorf("%w: %s to %s: %w", domain.ErrDeliveryFailed, t, to, err)
	}
	return nil
}

// Close stops the heartbeat, cancels pending retries, announces user-left on
// a best-effort basis and releases the channel. It waits for the read loop,
// so it must not be called synchronously from a Handler.
func (s *SignalingService) Close(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return nil
	}
	s.closed = true
	initialized := s.initialized
	s.lifeMu.Unlock()

	if initialized {
		byeCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := s.Emit(byeCtx, domain.MessageUserLeft, domain.UserLeftPayload{Reason: "leave"}); err != nil {
			s.logger.Debugw("user-left announcement not delivered", "error", err)
		}
		cancel()
	}

	s.cancel()
	err := s.channel.Close()
	s.wg.Wait()
	s.seen.Stop()

	if !initialized {
		close(s.done)
	}
	s.logger.Infow("signaling closed")
	return err
}

func (s *SignalingService) newMessage(t domain.MessageType, to domain.ParticipantID, payload any) (*domain.Message, error) {
	msg, err := domain.NewMessage(ids.NewMessageID(), t, s.cfg.RoomID, s.cfg.LocalID, s.cfg.SessionID, payload)
	if err != nil {
		return nil, err
	}
	msg.To = to
	return msg, nil
}

func (s *SignalingService) publish(ctx context.Context, msg *domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := s.channel.Publish(ctx, raw); err != nil {
		return apperrors.NewTransportError(err, fmt.Sprintf("publish %s", msg.Type))
	}
	return nil
}

func (s *SignalingService) readLoop(inbound <-chan []byte) {
	defer s.wg.Done()
	defer close(s.done)

	for raw := range inbound {
		s.dispatch(raw)
	}

	select {
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("relay subscription ended")
	}
}

func (s *SignalingService) dispatch(raw []byte) {
	msg, err := domain.ParseMessage(raw)
	if err != nil {
		s.logger.Warnw("dropping malformed message", "error", err)
		return
	}

	if !msg.Type.IsProtocol() {
		if msg.Type == domain.MessageError {
			var p domain.ErrorPayload
			_ = json.Unmarshal(msg.Data, &p)
			s.logger.Warnw("relay reported error", "code", p.Code, "message", p.Message)
		}
		return
	}

	// the relay may echo our own messages back, and a session of ours it
	// replaced may still be draining
	if msg.SessionID == s.cfg.SessionID || msg.From == s.cfg.LocalID {
		return
	}
	if msg.To != "" && msg.To != s.cfg.LocalID {
		return
	}
	if msg.ID != "" && !s.seen.Add(msg.ID, struct{}{}) {
		s.logger.Debugw("dropping duplicate message", "message_id", msg.ID, "type", msg.Type)
		return
	}

	if msg.Type == domain.MessagePresencePing {
		s.replyPong(msg)
	}

	s.hmu.RLock()
	handlers := s.handlers
	s.hmu.RUnlock()

	for _, h := range handlers {
		if h.typ != "" && h.typ != msg.Type {
			continue
		}
		s.invoke(h, msg)
	}
}

func (s *SignalingService) invoke(h handlerEntry, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("signaling handler panicked",
				"type", msg.Type, "from", msg.From, "handler_id", h.id, "panic", r)
		}
	}()
	h.fn(s.ctx, msg)
}

func (s *SignalingService) replyPong(ping *domain.Message) {
	var p domain.PresencePayload
	_ = ping.Decode(&p)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.SendTo(ctx, ping.From, domain.MessagePresencePong, p); err != nil {
			s.logger.Debugw("presence pong failed", "to", ping.From, "error", err)
		}
	}()
}

func (s *SignalingService) heartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HeartbeatInterval)
			err := s.Emit(ctx, domain.MessagePresencePing, domain.PresencePayload{Seq: s.pingSeq.Add(1)})
			cancel()
			if err != nil {
				s.logger.Warnw("presence ping failed", "error", err)
			}
		}
	}
}
