package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/pkg/logger"

	"go.uber.org/zap"
)

// StoreEvent is published to observers after each commit.
type StoreEvent struct {
	Action  string
	Subject string
	Version uint64
}

// TranscriptEntry is one visible transcript line. Local marks segments this
// client generated itself.
type TranscriptEntry struct {
	Segment domain.Segment
	Local   bool
}

// RoomStore is the single source of truth for one room session. It is only
// mutated through its action methods; every action commits atomically under
// one lock, so readers never observe a partial update.
type RoomStore struct {
	mu sync.RWMutex

	room         *domain.Room
	localID      domain.ParticipantID
	participants map[domain.ParticipantID]*domain.Participant
	peers        map[domain.ParticipantID]*domain.PeerConnectionState
	transcript   []TranscriptEntry
	segmentIDs   map[string]struct{}
	version      uint64

	subMu   sync.Mutex
	subs    map[int]chan StoreEvent
	nextSub int

	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewRoomStore(log *zap.SugaredLogger) *RoomStore {
	s := &RoomStore{
		subs:   make(map[int]chan StoreEvent),
		now:    time.Now,
		logger: logger.OrNop(log),
	}
	s.reset()
	return s
}

func (s *RoomStore) reset() {
	s.room = nil
	s.localID = ""
	s.participants = make(map[domain.ParticipantID]*domain.Participant)
	s.peers = make(map[domain.ParticipantID]*domain.PeerConnectionState)
	s.transcript = nil
	s.segmentIDs = make(map[string]struct{})
}

// commit must be called with mu held for writing.
func (s *RoomStore) commit(action, subject string) StoreEvent {
	if s.room != nil {
		s.room.ParticipantCount = len(s.participants)
	}
	s.version++
	return StoreEvent{Action: action, Subject: subject, Version: s.version}
}

func (s *RoomStore) notify(ev StoreEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// slow observer; it will catch up from the next event's version
		}
	}
}

// Subscribe registers an observer. The returned func unregisters it.
func (s *RoomStore) Subscribe(buffer int) (<-chan StoreEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StoreEvent, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// JoinRoom creates the room model with the local participant as its only member.
func (s *RoomStore) JoinRoom(meta domain.MeetingMetadata, self domain.Participant) error {
	if meta.Status == domain.RoomEnded {
		return domain.ErrRoomEnded
	}

	s.mu.Lock()
	if s.room != nil {
		s.mu.Unlock()
		return domain.ErrAlreadyJoined
	}

	now := s.now()
	s.room = &domain.Room{
		ID:          meta.RoomID,
		Title:       meta.Title,
		HostID:      meta.HostID,
		Status:      domain.RoomConnecting,
		Capacity:    meta.Capacity,
		ScheduledAt: meta.ScheduledAt,
		CreatedAt:   now,
	}

	self.IsLocal = true
	self.ConnectionState = domain.ConnectionConnecting
	if self.Permissions == (domain.Permissions{}) {
		self.Permissions = domain.DefaultPermissions(self.Role)
	}
	self.JoinedAt = now
	self.LastSeen = now
	s.localID = self.ID
	s.participants[self.ID] = &self

	ev := s.commit("joinRoom", string(meta.RoomID))
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// LeaveRoom drops the whole room model. Leaving twice is a no-op.
func (s *RoomStore) LeaveRoom() {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return
	}
	roomID := s.room.ID
	s.reset()
	ev := s.commit("leaveRoom", string(roomID))
	s.mu.Unlock()

	s.notify(ev)
}

// SetRoomStatus records a lifecycle transition. Ended is final.
func (s *RoomStore) SetRoomStatus(status domain.RoomStatus) error {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	if s.room.Status == domain.RoomEnded && status != domain.RoomEnded {
		s.mu.Unlock()
		return domain.ErrRoomEnded
	}
	s.room.Status = status
	if status == domain.RoomEnded && s.room.EndedAt.IsZero() {
		s.room.EndedAt = s.now()
	}
	if local, ok := s.participants[s.localID]; ok && status == domain.RoomActive {
		local.ConnectionState = domain.ConnectionConnected
	}
	ev := s.commit("setRoomStatus", string(status))
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// AddParticipant adds a remote participant, or refreshes its profile if it is
// already present. It reports whether the participant is new.
func (s *RoomStore) AddParticipant(p domain.Participant) (bool, error) {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return false, domain.ErrNotJoined
	}
	if p.ID == s.localID {
		s.mu.Unlock()
		return false, fmt.Errorf("add participant %s: local participant is managed by joinRoom", p.ID)
	}

	now := s.now()
	if existing, ok := s.participants[p.ID]; ok {
		if p.SessionID != "" {
			existing.SessionID = p.SessionID
		}
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		if p.AvatarURL != "" {
			existing.AvatarURL = p.AvatarURL
		}
		if p.Role != "" {
			existing.Role = p.Role
			existing.Permissions = domain.DefaultPermissions(p.Role)
		}
		existing.Media = p.Media
		existing.LastSeen = now
		ev := s.commit("updateParticipant", string(p.ID))
		s.mu.Unlock()
		s.notify(ev)
		return false, nil
	}

	if s.room.IsFull() {
		s.mu.Unlock()
		return false, domain.ErrRoomFull
	}

	if p.Role == "" {
		p.Role = domain.RoleParticipant
	}
	if p.Permissions == (domain.Permissions{}) {
		p.Permissions = domain.DefaultPermissions(p.Role)
	}
	p.IsLocal = false
	if p.ConnectionState == "" {
		p.ConnectionState = domain.ConnectionNew
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeen = now
	s.participants[p.ID] = &p

	ev := s.commit("addParticipant", string(p.ID))
	s.mu.Unlock()

	s.notify(ev)
	return true, nil
}

// RemoveParticipant removes a remote participant together with its peer
// connection state. It reports whether anything was removed.
func (s *RoomStore) RemoveParticipant(id domain.ParticipantID) bool {
	s.mu.Lock()
	if s.room == nil || id == s.localID {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.participants[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.participants, id)
	delete(s.peers, id)

	ev := s.commit("removeParticipant", string(id))
	s.mu.Unlock()

	s.notify(ev)
	return true
}

// UpdateParticipant applies a partial update.
func (s *RoomStore) UpdateParticipant(id domain.ParticipantID, patch domain.ParticipantPatch) error {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, domain.ErrParticipantNotFound)
	}

	if patch.SessionID != nil {
		p.SessionID = *patch.SessionID
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.AvatarURL != nil {
		p.AvatarURL = *patch.AvatarURL
	}
	if patch.Role != nil {
		p.Role = *patch.Role
		p.Permissions = domain.DefaultPermissions(*patch.Role)
	}
	if patch.ConnectionState != nil {
		p.ConnectionState = *patch.ConnectionState
	}
	if patch.Media != nil {
		p.Media = *patch.Media
	}
	if patch.LastSeen != nil {
		p.LastSeen = *patch.LastSeen
	} else {
		p.LastSeen = s.now()
	}

	ev := s.commit("updateParticipant", string(id))
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

type mediaToggle func(m *domain.MediaState, perms domain.Permissions) error

// toggleLocalMedia flips one local media flag and returns the state before
// and after the commit so the caller can roll back on a device error.
func (s *RoomStore) toggleLocalMedia(action string, fn mediaToggle) (prev, next domain.MediaState, err error) {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return prev, next, domain.ErrNotJoined
	}
	local := s.participants[s.localID]
	prev = local.Media
	next = prev
	if err := fn(&next, local.Permissions); err != nil {
		s.mu.Unlock()
		return prev, prev, err
	}
	local.Media = next

	ev := s.commit(action, string(s.localID))
	s.mu.Unlock()

	s.notify(ev)
	return prev, next, nil
}

func (s *RoomStore) ToggleAudio() (prev, next domain.MediaState, err error) {
	return s.toggleLocalMedia("toggleAudio", func(m *domain.MediaState, perms domain.Permissions) error {
		if !m.AudioEnabled && !perms.CanSpeak {
			return fmt.Errorf("enable audio: %w", domain.ErrPermissionDenied)
		}
		m.AudioEnabled = !m.AudioEnabled
		return nil
	})
}

func (s *RoomStore) ToggleVideo() (prev, next domain.MediaState, err error) {
	return s.toggleLocalMedia("toggleVideo", func(m *domain.MediaState, _ domain.Permissions) error {
		m.VideoEnabled = !m.VideoEnabled
		return nil
	})
}

func (s *RoomStore) ToggleMute() (prev, next domain.MediaState, err error) {
	return s.toggleLocalMedia("toggleMute", func(m *domain.MediaState, perms domain.Permissions) error {
		if m.Muted && !perms.CanSpeak {
			return fmt.Errorf("unmute: %w", domain.ErrPermissionDenied)
		}
		m.Muted = !m.Muted
		return nil
	})
}

func (s *RoomStore) ToggleScreenShare() (prev, next domain.MediaState, err error) {
	return s.toggleLocalMedia("toggleScreenShare", func(m *domain.MediaState, perms domain.Permissions) error {
		if !m.ScreenSharing && !perms.CanShareScreen {
			return fmt.Errorf("share screen: %w", domain.ErrPermissionDenied)
		}
		m.ScreenSharing = !m.ScreenSharing
		return nil
	})
}

// SetLocalMedia overwrites the local media flags, used to roll a toggle back.
func (s *RoomStore) SetLocalMedia(media domain.MediaState) error {
	_, _, err := s.toggleLocalMedia("setLocalMedia", func(m *domain.MediaState, _ domain.Permissions) error {
		*m = media
		return nil
	})
	return err
}

// CreatePeerConnection registers the observable state of a new peer. The
// remote participant must already be present.
func (s *RoomStore) CreatePeerConnection(state domain.PeerConnectionState) error {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	p, ok := s.participants[state.RemoteID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("peer %s: %w", state.RemoteID, domain.ErrParticipantNotFound)
	}
	if _, exists := s.peers[state.RemoteID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("peer %s: %w", state.RemoteID, domain.ErrPeerExists)
	}

	now := s.now()
	if state.State == "" {
		state.State = domain.ConnectionNew
	}
	if state.Phase == "" {
		state.Phase = domain.PhaseStable
	}
	if state.SignalingState == "" {
		state.SignalingState = domain.SignalingStable
	}
	state.CreatedAt = now
	state.UpdatedAt = now
	s.peers[state.RemoteID] = &state
	p.ConnectionState = state.State

	ev := s.commit("createPeerConnection", string(state.RemoteID))
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// UpdatePeerConnection mutates the state of one peer inside a single commit.
// The participant's connection state follows the peer's.
func (s *RoomStore) UpdatePeerConnection(id domain.ParticipantID, fn func(*domain.PeerConnectionState)) error {
	s.mu.Lock()
	st, ok := s.peers[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update peer %s: %w", id, domain.ErrPeerNotFound)
	}
	fn(st)
	st.RemoteID = id
	st.UpdatedAt = s.now()
	if p, ok := s.participants[id]; ok {
		p.ConnectionState = st.State
		if st.State == domain.ConnectionFailed {
			p.Media = domain.MediaState{}
		}
	}

	ev := s.commit("updatePeerConnection", string(id))
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// ClosePeerConnection drops the peer state, leaving the participant in place.
func (s *RoomStore) ClosePeerConnection(id domain.ParticipantID) bool {
	s.mu.Lock()
	if _, ok := s.peers[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.peers, id)
	if p, ok := s.participants[id]; ok {
		p.ConnectionState = domain.ConnectionClosed
	}

	ev := s.commit("closePeerConnection", string(id))
	s.mu.Unlock()

	s.notify(ev)
	return true
}

// AppendSegment adds a rebroadcast segment to the visible transcript. A
// segment id already shown is ignored; the return reports whether it was added.
func (s *RoomStore) AppendSegment(seg domain.Segment, local bool) bool {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.segmentIDs[seg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	s.segmentIDs[seg.ID] = struct{}{}
	s.transcript = append(s.transcript, TranscriptEntry{Segment: seg, Local: local})

	ev := s.commit("appendSegment", seg.ID)
	s.mu.Unlock()

	s.notify(ev)
	return true
}

// Room returns a snapshot of the room.
func (s *RoomStore) Room() (domain.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.room == nil {
		return domain.Room{}, false
	}
	return *s.room, true
}

func (s *RoomStore) LocalParticipant() (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[s.localID]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (s *RoomStore) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Participants returns every participant ordered by join time.
func (s *RoomStore) Participants() []domain.Participant {
	s.mu.RLock()
	out := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *RoomStore) ParticipantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.room == nil {
		return 0
	}
	return s.room.ParticipantCount
}

func (s *RoomStore) Peer(id domain.ParticipantID) (domain.PeerConnectionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.peers[id]
	if !ok {
		return domain.PeerConnectionState{}, false
	}
	return *st, true
}

func (s *RoomStore) Peers() []domain.PeerConnectionState {
	s.mu.RLock()
	out := make([]domain.PeerConnectionState, 0, len(s.peers))
	for _, st := range s.peers {
		out = append(out, *st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

func (s *RoomStore) Transcript() []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *RoomStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
