package services

import (
	"context"
	"errors"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// Token scopes. A join token admits a participant to one room's channel; a
// speech token opens one streaming transcription session.
const (
	ScopeJoin   = "join"
	ScopeSpeech = "speech"
)

type AuthService interface {
	IssueJoinToken(identity domain.Identity, roomID domain.RoomID) (string, error)
	IssueSpeechToken(userID domain.ParticipantID, roomID domain.RoomID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateScoped(tokenString, scope string) (*Claims, error)
	CheckRoomAccess(ctx context.Context, claims *Claims, roomID domain.RoomID) error
	CheckHost(ctx context.Context, userID domain.ParticipantID, roomID domain.RoomID) error
}

type Claims struct {
	UserID      domain.ParticipantID `json:"user_id"`
	DisplayName string               `json:"display_name,omitempty"`
	Role        domain.Role          `json:"role,omitempty"`
	RoomID      domain.RoomID        `json:"room_id"`
	Scope       string               `json:"scope"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	joinTokenTTL   time.Duration
	speechTokenTTL time.Duration
	directory      ports.MeetingDirectory // Optional, can be nil
}

func NewAuthService(
	jwtSecret string,
	joinTokenTTL time.Duration,
	speechTokenTTL time.Duration,
	directory ports.MeetingDirectory, // Can be nil for token-only validation
) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		joinTokenTTL:   joinTokenTTL,
		speechTokenTTL: speechTokenTTL,
		directory:      directory,
	}
}

func (s *authService) IssueJoinToken(identity domain.Identity, roomID domain.RoomID) (string, error) {
	return s.sign(&Claims{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Role:        identity.Role,
		RoomID:      roomID,
		Scope:       ScopeJoin,
	}, s.joinTokenTTL)
}

func (s *authService) IssueSpeechToken(userID domain.ParticipantID, roomID domain.RoomID) (string, error) {
	return s.sign(&Claims{
		UserID: userID,
		RoomID: roomID,
		Scope:  ScopeSpeech,
	}, s.speechTokenTTL)
}

func (s *authService) sign(claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   string(claims.UserID),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// ValidateScoped validates a token and requires it to carry scope.
func (s *authService) ValidateScoped(tokenString, scope string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Scope != scope {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CheckRoomAccess verifies that a join token was issued for roomID and that
// the meeting has not ended.
func (s *authService) CheckRoomAccess(ctx context.Context, claims *Claims, roomID domain.RoomID) error {
	if claims == nil || claims.RoomID != roomID {
		return ErrUnauthorized
	}
	if s.directory == nil {
		return nil
	}

	meeting, err := s.directory.Meeting(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			// rooms are created by their first participant
			return nil
		}
		return err
	}
	if meeting.Status == domain.RoomEnded {
		return domain.ErrRoomEnded
	}
	return nil
}

func (s *authService) CheckHost(ctx context.Context, userID domain.ParticipantID, roomID domain.RoomID) error {
	if s.directory == nil {
		// Directory not available, skip the host check
		return nil
	}

	meeting, err := s.directory.Meeting(ctx, roomID)
	if err != nil {
		return err
	}
	if meeting.HostID != userID {
		return ErrUnauthorized
	}
	return nil
}
