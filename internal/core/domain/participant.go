package domain

import "time"

type ParticipantID string

// SessionID identifies one physical connection; a participant may hold several.
type SessionID string

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

type Permissions struct {
	CanSpeak       bool `json:"canSpeak"`
	CanShareScreen bool `json:"canShareScreen"`
	CanRecord      bool `json:"canRecord"`
	CanInvite      bool `json:"canInvite"`
	CanKick        bool `json:"canKick"`
}

func DefaultPermissions(role Role) Permissions {
	if role == RoleHost {
		return Permissions{CanSpeak: true, CanShareScreen: true, CanRecord: true, CanInvite: true, CanKick: true}
	}
	return Permissions{CanSpeak: true, CanShareScreen: true, CanInvite: true}
}

type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

// MediaState mirrors the local media flags of a participant. Muted is
// independent of AudioEnabled: a muted track stays acquired but sends silence.
type MediaState struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
	Muted         bool `json:"muted"`
}

// Identity is supplied by the identity store at join time.
type Identity struct {
	UserID      ParticipantID `json:"userId"`
	DisplayName string        `json:"displayName"`
	AvatarURL   string        `json:"avatarUrl,omitempty"`
	Role        Role          `json:"role"`
}

type Participant struct {
	ID              ParticipantID
	SessionID       SessionID
	DisplayName     string
	AvatarURL       string
	Role            Role
	Permissions     Permissions
	ConnectionState ConnectionState
	Media           MediaState
	IsLocal         bool
	LastSeen        time.Time
	JoinedAt        time.Time
	LeftAt          time.Time
}

// ParticipantPatch is a partial update; nil fields are left untouched.
type ParticipantPatch struct {
	SessionID       *SessionID
	DisplayName     *string
	AvatarURL       *string
	Role            *Role
	ConnectionState *ConnectionState
	Media           *MediaState
	LastSeen        *time.Time
}
