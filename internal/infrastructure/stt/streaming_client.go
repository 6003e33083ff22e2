package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamingClient opens websocket recognition sessions against a streaming
// speech-to-text endpoint that accepts raw 16-bit PCM and reports turns.
type StreamingClient struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.SugaredLogger
}

func NewStreamingClient(baseURL string, log *zap.SugaredLogger) *StreamingClient {
	return &StreamingClient{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.OrNop(log),
	}
}

func (c *StreamingClient) Open(ctx context.Context, token string, sampleRate int) (ports.SpeechStream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid speech endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", "true")
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("speech service refused session (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial speech service: %w", err)
	}

	s := &stream{
		conn:   conn,
		turns:  make(chan domain.Turn, 16),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.readLoop()
	return s, nil
}

// wire messages
type serverMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	TurnOrder           int     `json:"turn_order"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Words               []struct {
		Start      int64   `json:"start"`
		End        int64   `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
	Error string `json:"error"`
}

type stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	turns   chan domain.Turn
	done    chan struct{}
	logger  *zap.SugaredLogger

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	closing   bool
}

func (s *stream) SendAudio(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return domain.ErrStreamClosed
	default:
	}
	if s.isClosing() {
		return domain.ErrStreamClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (s *stream) Turns() <-chan domain.Turn { return s.turns }

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) isClosing() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closing
}

func (s *stream) readLoop() {
	defer close(s.done)
	defer close(s.turns)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debugw("ignoring undecodable speech message", "error", err)
			continue
		}

		switch msg.Type {
		case "Begin":
			s.logger.Debugw("speech session started")
		case "Turn":
			if !msg.EndOfTurn || !msg.TurnIsFormatted {
				continue
			}
			s.turns <- toTurn(msg)
		case "Termination":
			s.finish(nil)
			return
		case "Error":
			s.finish(errors.New(msg.Error))
			return
		}
	}
}

func toTurn(msg serverMessage) domain.Turn {
	t := domain.Turn{Order: msg.TurnOrder, Text: msg.Transcript, Confidence: msg.EndOfTurnConfidence}
	if n := len(msg.Words); n > 0 {
		t.StartMs = msg.Words[0].Start
		t.EndMs = msg.Words[n-1].End
		var sum float64
		for _, w := range msg.Words {
			sum += w.Confidence
		}
		t.Confidence = sum / float64(n)
	}
	return t
}

// finish records why the session ended. A close we asked for is clean.
func (s *stream) finish(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closing || err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	s.err = fmt.Errorf("%w: %v", domain.ErrStreamClosed, err)
}

// Close asks the service to flush and terminate, then waits briefly for the
// final turns before dropping the connection.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
		s.writeMu.Unlock()

		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}

		s.errMu.Lock()
		s.closing = true
		s.errMu.Unlock()
		err = s.conn.Close()
		<-s.done
	})
	return err
}
