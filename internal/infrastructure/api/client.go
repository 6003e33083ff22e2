package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/logger"
	"huddle/pkg/retry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Client is a participant's view of the relay's REST surface. Once Join has
// succeeded it carries the join token for every later call.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	token    string
	identity *domain.Identity
	roomID   domain.RoomID
}

func NewClient(baseURL string, log *zap.SugaredLogger) *Client {
	cfg := retry.DefaultConfig()
	cfg.NonRetryableErrors = []error{errClient}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   cfg,
		logger:  logger.OrNop(log),
	}
}

// errClient marks 4xx responses, which are never retried.
var errClient = errors.New("request rejected")

type JoinRequest struct {
	RoomID      domain.RoomID        `json:"room_id"`
	UserID      domain.ParticipantID `json:"user_id"`
	DisplayName string               `json:"display_name,omitempty"`
	AvatarURL   string               `json:"avatar_url,omitempty"`
	Title       string               `json:"title,omitempty"`
}

type JoinGrant struct {
	Token     string               `json:"token"`
	ExpiresIn int                  `json:"expires_in"`
	UserID    domain.ParticipantID `json:"user_id"`
	RoomID    domain.RoomID        `json:"room_id"`
	Role      domain.Role          `json:"role"`
}

type roomResponse struct {
	RoomID       domain.RoomID         `json:"room_id"`
	Title        string                `json:"title"`
	HostID       domain.ParticipantID  `json:"host_id"`
	Status       domain.RoomStatus     `json:"status"`
	ScheduledAt  time.Time             `json:"scheduled_at"`
	Capacity     int                   `json:"capacity"`
	Participants []ports.PresenceEntry `json:"participants"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay api: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Status >= 400 && e.Status < 500 {
		return errClient
	}
	return nil
}

// Join asks the relay for a join token and remembers it.
func (c *Client) Join(ctx context.Context, req JoinRequest) (*JoinGrant, error) {
	var grant JoinGrant
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/token", "", req, &grant); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = grant.Token
	c.roomID = grant.RoomID
	c.identity = &domain.Identity{
		UserID:      grant.UserID,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		Role:        grant.Role,
	}
	c.mu.Unlock()
	return &grant, nil
}

func (c *Client) joinToken() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", domain.ErrNotJoined
	}
	return c.token, nil
}

// Room returns the meeting metadata and the relay's live presence list.
func (c *Client) Room(ctx context.Context, roomID domain.RoomID) (*domain.MeetingMetadata, []ports.PresenceEntry, error) {
	token, err := c.joinToken()
	if err != nil {
		return nil, nil, err
	}
	var resp roomResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(string(roomID)), token, nil, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, nil, domain.ErrRoomNotFound
		}
		return nil, nil, err
	}
	return &domain.MeetingMetadata{
		RoomID:      resp.RoomID,
		Title:       resp.Title,
		HostID:      resp.HostID,
		ScheduledAt: resp.ScheduledAt,
		Status:      resp.Status,
		Capacity:    resp.Capacity,
	}, resp.Participants, nil
}

func (c *Client) Meeting(ctx context.Context, roomID domain.RoomID) (*domain.MeetingMetadata, error) {
	meeting, _, err := c.Room(ctx, roomID)
	return meeting, err
}

// Identity only knows the participant that joined through this client.
func (c *Client) Identity(ctx context.Context, userID domain.ParticipantID) (*domain.Identity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil || c.identity.UserID != userID {
		return nil, domain.ErrParticipantNotFound
	}
	id := *c.identity
	return &id, nil
}

// SetStatus supports ending the meeting, which the relay allows for the
// host only.
func (c *Client) SetStatus(ctx context.Context, roomID domain.RoomID, status domain.RoomStatus) error {
	if status != domain.RoomEnded {
		return fmt.Errorf("relay api: status %q cannot be set remotely", status)
	}
	token, err := c.joinToken()
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(string(roomID))+"/end", token, nil, nil)
}

func (c *Client) SpeechToken(ctx context.Context) (string, error) {
	token, err := c.joinToken()
	if err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/stt/token", token, nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// PublishSegment stores seg on the relay, which rebroadcasts it to the
// room. Transient failures are retried with the same segment id.
func (c *Client) PublishSegment(ctx context.Context, seg domain.Segment) error {
	token, err := c.joinToken()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v1/rooms/%s/transcript/%s",
		url.PathEscape(string(seg.RoomID)), url.PathEscape(seg.ID))

	return retry.Retry(ctx, c.retry, func() error {
		return c.do(ctx, http.MethodPut, path, token, seg, nil)
	})
}

// Transcript fetches the room's stored transcript in broadcast order.
func (c *Client) Transcript(ctx context.Context, roomID domain.RoomID) ([]domain.Segment, error) {
	token, err := c.joinToken()
	if err != nil {
		return nil, err
	}
	var out struct {
		Segments []domain.Segment `json:"segments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(string(roomID))+"/transcript", token, nil, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewTransportError(err, "relay api unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		c.logger.Debugw("relay api error", "method", method, "path", path, "status", resp.StatusCode, "code", e.Error)
		return &StatusError{Status: resp.StatusCode, Code: e.Error, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relay api: decode %s: %w", path, err)
	}
	return nil
}

var (
	_ ports.SpeechTokenProvider = (*Client)(nil)
	_ ports.TranscriptPublisher = (*Client)(nil)
	_ ports.MeetingDirectory    = (*Client)(nil)
)
