package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MeetingSession composes the per-room components of one participant: the
// store, signaling, peer orchestration, local media and transcription.
type MeetingSession struct {
	meeting domain.MeetingMetadata
	self    domain.Participant

	store         *RoomStore
	signaling     *SignalingService
	orchestrator  *Orchestrator
	media         ports.MediaDevices
	transcription *TranscriptionRelay    // optional
	directory     ports.MeetingDirectory // optional
	logger        *zap.SugaredLogger

	mu       sync.Mutex
	joined   bool
	left     bool
	leaveErr error
	leftCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type MeetingSessionDeps struct {
	Store         *RoomStore
	Signaling     *SignalingService
	Orchestrator  *Orchestrator
	Media         ports.MediaDevices
	Transcription *TranscriptionRelay
	Directory     ports.MeetingDirectory
	Logger        *zap.SugaredLogger
}

func NewMeetingSession(meeting domain.MeetingMetadata, self domain.Participant, deps MeetingSessionDeps) *MeetingSession {
	return &MeetingSession{
		meeting:       meeting,
		self:          self,
		store:         deps.Store,
		signaling:     deps.Signaling,
		orchestrator:  deps.Orchestrator,
		media:         deps.Media,
		transcription: deps.Transcription,
		directory:     deps.Directory,
		logger:        logger.OrNop(deps.Logger).With("room_id", meeting.RoomID, "participant_id", self.ID),
		leftCh:        make(chan struct{}),
	}
}

func (m *MeetingSession) Store() *RoomStore { return m.store }

// Done is closed once the session has left the room, locally or because the
// host ended the meeting.
func (m *MeetingSession) Done() <-chan struct{} { return m.leftCh }

// Join enters the room: it subscribes to the room channel and announces the
// local participant. A failed subscription leaves nothing behind.
func (m *MeetingSession) Join(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.left {
		return domain.ErrRoomEnded
	}
	if m.joined {
		return domain.ErrAlreadyJoined
	}

	if err := m.store.JoinRoom(m.meeting, m.self); err != nil {
		return err
	}
	m.registerHandlers()

	if err := m.signaling.Initialize(ctx); err != nil {
		m.store.LeaveRoom()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.orchestrator.Start(runCtx)
	m.wg.Add(1)
	go m.drainPeerErrors(runCtx)

	if err := m.store.SetRoomStatus(domain.RoomActive); err != nil {
		m.logger.Warnw("room status not updated", "error", err)
	}
	m.joined = true

	if err := m.signaling.Emit(ctx, domain.MessageUserJoined, m.profile()); err != nil {
		m.logger.Warnw("user-joined announcement failed", "error", err)
	}
	m.logger.Infow("joined room")
	return nil
}

// Leave tears the session down: transcription and every peer connection
// are stopped, pending retries are cancelled, user-left is announced and
// local media is released. Leaving twice returns the first result.
func (m *MeetingSession) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		<-m.leftCh
		return m.leaveErr
	}
	m.left = true
	m.mu.Unlock()

	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	if m.transcription != nil {
		g.Go(func() error { return m.transcription.Close(gctx) })
	}
	g.Go(func() error { return m.orchestrator.CloseAll(gctx) })
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if err := m.signaling.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close signaling: %w", err))
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.media != nil {
		if err := m.media.ReleaseAll(); err != nil {
			errs = append(errs, apperrors.NewMediaDeviceError(err, "all"))
		}
	}
	m.store.LeaveRoom()

	m.leaveErr = errors.Join(errs...)
	close(m.leftCh)
	m.logger.Infow("left room", "error", m.leaveErr)
	return m.leaveErr
}

// EndMeeting ends the meeting for everyone. Only the host may do this.
func (m *MeetingSession) EndMeeting(ctx context.Context, reason string) error {
	local, ok := m.store.LocalParticipant()
	if !ok {
		return domain.ErrNotJoined
	}
	if local.Role != domain.RoleHost {
		return fmt.Errorf("end meeting: %w", domain.ErrPermissionDenied)
	}

	if err := m.signaling.Emit(ctx, domain.MessageMeetingEnded, domain.MeetingEndedPayload{EndedBy: local.ID, Reason: reason}); err != nil {
		return err
	}
	if err := m.store.SetRoomStatus(domain.RoomEnded); err != nil {
		m.logger.Warnw("room status not updated", "error", err)
	}
	if m.directory != nil {
		if err := m.directory.SetStatus(ctx, m.meeting.RoomID, domain.RoomEnded); err != nil {
			m.logger.Warnw("meeting status not persisted", "error", err)
		}
	}
	return m.Leave(ctx)
}

func (m *MeetingSession) ToggleAudio(ctx context.Context) (domain.MediaState, error) {
	return m.toggle(ctx, domain.MediaAudio, m.store.ToggleAudio)
}

func (m *MeetingSession) ToggleVideo(ctx context.Context) (domain.MediaState, error) {
	return m.toggle(ctx, domain.MediaVideo, m.store.ToggleVideo)
}

func (m *MeetingSession) ToggleScreenShare(ctx context.Context) (domain.MediaState, error) {
	return m.toggle(ctx, domain.MediaScreen, m.store.ToggleScreenShare)
}

// ToggleMute silences outbound audio without releasing the microphone.
func (m *MeetingSession) ToggleMute(ctx context.Context) (domain.MediaState, error) {
	_, next, err := m.store.ToggleMute()
	if err != nil {
		return domain.MediaState{}, err
	}
	if m.media != nil {
		for _, t := range m.media.Active() {
			if t.Kind() == domain.MediaAudio {
				t.SetMuted(next.Muted)
			}
		}
	}
	m.announceMedia(ctx, next)
	return next, nil
}

// StartTranscription begins streaming local speech to the transcript.
func (m *MeetingSession) StartTranscription(ctx context.Context) error {
	if m.transcription == nil {
		return apperrors.NewStreamingError(errors.New("transcription not configured"), "start transcription")
	}
	return m.transcription.Start(ctx)
}

func (m *MeetingSession) StopTranscription(ctx context.Context) error {
	if m.transcription == nil {
		return nil
	}
	return m.transcription.Stop(ctx)
}

type mediaToggleAction func() (prev, next domain.MediaState, err error)

// toggle commits the flag change first and rolls it back if the device
// cannot be acquired.
func (m *MeetingSession) toggle(ctx context.Context, kind domain.MediaKind, action mediaToggleAction) (domain.MediaState, error) {
	prev, next, err := action()
	if err != nil {
		return domain.MediaState{}, err
	}
	was, now := mediaEnabled(prev, kind), mediaEnabled(next, kind)

	if m.media != nil && was != now {
		if now {
			track, err := m.media.Acquire(ctx, kind)
			if err != nil {
				if rbErr := m.store.SetLocalMedia(prev); rbErr != nil {
					m.logger.Warnw("media rollback failed", "error", rbErr)
				}
				return prev, apperrors.NewMediaDeviceError(err, string(kind))
			}
			if kind == domain.MediaAudio {
				track.SetMuted(next.Muted)
			}
		} else if err := m.media.Release(kind); err != nil {
			m.logger.Warnw("releasing media device failed", "kind", kind, "error", err)
		}
		m.orchestrator.SyncLocalMedia(m.media.Active())
	}

	m.announceMedia(ctx, next)
	return next, nil
}

func mediaEnabled(s domain.MediaState, kind domain.MediaKind) bool {
	switch kind {
	case domain.MediaAudio:
		return s.AudioEnabled
	case domain.MediaVideo:
		return s.VideoEnabled
	case domain.MediaScreen:
		return s.ScreenSharing
	}
	return false
}

func (m *MeetingSession) announceMedia(ctx context.Context, media domain.MediaState) {
	if err := m.signaling.Emit(ctx, domain.MessageMediaStateChange, domain.MediaStatePayload{Media: media}); err != nil {
		m.logger.Warnw("media-state-change announcement failed", "error", err)
	}
}

func (m *MeetingSession) profile() domain.ProfilePayload {
	local, ok := m.store.LocalParticipant()
	if !ok {
		local = m.self
	}
	return domain.ProfilePayload{
		DisplayName: local.DisplayName,
		AvatarURL:   local.AvatarURL,
		Role:        local.Role,
		Media:       local.Media,
		JoinedAt:    local.JoinedAt.UnixMilli(),
	}
}

func (m *MeetingSession) registerHandlers() {
	s := m.signaling
	s.On(domain.MessageUserJoined, m.onUserJoined)
	s.On(domain.MessageUserProfile, m.onUserProfile)
	s.On(domain.MessageUserLeft, m.onUserLeft)
	s.On(domain.MessageMediaStateChange, m.onMediaState)
	s.On(domain.MessageMeetingEnded, m.onMeetingEnded)
	s.On(domain.MessageTranscriptSegment, m.onTranscriptSegment)
	s.OnAny(m.orchestrator.HandleMessage)
}

func (m *MeetingSession) onUserJoined(ctx context.Context, msg *domain.Message) {
	if !m.admit(ctx, msg) {
		return
	}
	// introduce ourselves to the newcomer only
	if err := m.signaling.SendTo(ctx, msg.From, domain.MessageUserProfile, m.profile()); err != nil {
		m.logger.Warnw("user-profile reply failed", "to", msg.From, "error", err)
	}
}

func (m *MeetingSession) onUserProfile(ctx context.Context, msg *domain.Message) {
	m.admit(ctx, msg)
}

// admit records a remote participant and starts negotiating with it.
func (m *MeetingSession) admit(ctx context.Context, msg *domain.Message) bool {
	var profile domain.ProfilePayload
	if err := msg.Decode(&profile); err != nil {
		m.logger.Warnw("bad profile", "from", msg.From, "error", err)
		return false
	}

	if existing, ok := m.store.Participant(msg.From); ok && existing.SessionID != "" && existing.SessionID != msg.SessionID {
		// the participant reconnected from a new session; the old one is gone
		if err := m.orchestrator.RemovePeer(msg.From); err != nil {
			m.logger.Warnw("closing stale session peer", "peer_id", msg.From, "error", err)
		}
	}

	p := domain.Participant{
		ID:          msg.From,
		SessionID:   msg.SessionID,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Role:        profile.Role,
		Permissions: domain.DefaultPermissions(profile.Role),
		Media:       profile.Media,
	}
	if profile.JoinedAt > 0 {
		p.JoinedAt = time.UnixMilli(profile.JoinedAt)
	}
	if _, err := m.store.AddParticipant(p); err != nil {
		m.logger.Warnw("participant not admitted", "from", msg.From, "error", err)
		return false
	}
	if err := m.orchestrator.AddPeer(ctx, msg.From, msg.SessionID); err != nil {
		m.logger.Warnw("peer not started", "from", msg.From, "error", err)
	}
	return true
}

func (m *MeetingSession) onUserLeft(_ context.Context, msg *domain.Message) {
	p, ok := m.store.Participant(msg.From)
	if !ok {
		return
	}
	if p.SessionID != "" && msg.SessionID != "" && p.SessionID != msg.SessionID {
		m.logger.Debugw("ignoring user-left from a replaced session", "from", msg.From, "session_id", msg.SessionID)
		return
	}
	if err := m.orchestrator.RemovePeer(msg.From); err != nil {
		m.logger.Warnw("closing peer failed", "peer_id", msg.From, "error", err)
	}
	m.store.RemoveParticipant(msg.From)
	m.logger.Infow("participant left", "peer_id", msg.From)
}

func (m *MeetingSession) onMediaState(_ context.Context, msg *domain.Message) {
	var payload domain.MediaStatePayload
	if err := msg.Decode(&payload); err != nil {
		m.logger.Warnw("bad media state", "from", msg.From, "error", err)
		return
	}
	if err := m.store.UpdateParticipant(msg.From, domain.ParticipantPatch{Media: &payload.Media}); err != nil {
		m.logger.Debugw("media state for unknown participant", "from", msg.From, "error", err)
	}
}

func (m *MeetingSession) onMeetingEnded(_ context.Context, msg *domain.Message) {
	var payload domain.MeetingEndedPayload
	_ = msg.Decode(&payload)
	if err := m.store.SetRoomStatus(domain.RoomEnded); err != nil {
		m.logger.Debugw("room status not updated", "error", err)
	}
	m.logger.Infow("meeting ended by host", "ended_by", payload.EndedBy, "reason", payload.Reason)

	// Leave waits for the signaling read loop, which is running this handler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Leave(ctx); err != nil {
			m.logger.Warnw("leave after meeting end", "error", err)
		}
	}()
}

func (m *MeetingSession) onTranscriptSegment(_ context.Context, msg *domain.Message) {
	var seg domain.Segment
	if err := msg.Decode(&seg); err != nil {
		m.logger.Warnw("bad transcript segment", "error", err)
		return
	}
	if m.transcription != nil {
		m.transcription.HandleRebroadcast(seg)
		return
	}
	m.store.AppendSegment(seg, seg.SpeakerSessionID == m.self.SessionID)
}

func (m *MeetingSession) drainPeerErrors(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-m.orchestrator.Errors():
			m.logger.Errorw("peer connection failed", "error", err)
		}
	}
}
