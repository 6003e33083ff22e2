package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/cache"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/ids"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"
	"huddle/pkg/validation"

	"go.uber.org/zap"
)

// SegmentRecorder counts persisted transcript segments.
type SegmentRecorder interface {
	SegmentStored(roomID domain.RoomID, created bool)
}

// TranscriptService is the relay-side half of the transcript path: it
// persists finalized segments and rebroadcasts each new one to its room.
type TranscriptService struct {
	repo        ports.TranscriptRepository
	broadcaster ports.RoomBroadcaster
	recorder    SegmentRecorder
	archive     ports.TranscriptArchive // optional
	logger      *zap.SugaredLogger

	// segments stored but not yet delivered to the room; a retried upsert
	// broadcasts them again
	undelivered *cache.Cache[struct{}]
}

func NewTranscriptService(
	repo ports.TranscriptRepository,
	broadcaster ports.RoomBroadcaster,
	recorder SegmentRecorder,
	log *zap.SugaredLogger,
) *TranscriptService {
	return &TranscriptService{
		repo:        repo,
		broadcaster: broadcaster,
		recorder:    recorder,
		logger:      logger.OrNop(log),
		undelivered: cache.New[struct{}](10 * time.Minute),
	}
}

// Save upserts seg. A new segment is broadcast as transcript-segment from
// the relay; an existing one is only rebroadcast if its first delivery failed.
func (s *TranscriptService) Save(ctx context.Context, seg *domain.Segment) (bool, error) {
	ctx, span := tracing.TraceTranscript(ctx, "save", string(seg.RoomID), seg.ID)
	defer span.End()

	if err := validation.ValidateRoomID(string(seg.RoomID)); err != nil {
		return false, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateSegment(seg.ID, seg.Text, seg.StartTimeMs, seg.EndTimeMs, seg.Confidence); err != nil {
		return false, apperrors.NewInvalidInputError(err.Error())
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}

	created, err := s.repo.Upsert(ctx, seg)
	if err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to store transcript segment", http.StatusInternalServerError)
	}
	if s.recorder != nil {
		s.recorder.SegmentStored(seg.RoomID, created)
	}

	key := string(seg.RoomID) + "/" + seg.ID
	if !created {
		if _, pending := s.undelivered.Get(key); !pending {
			return false, nil
		}
	}

	if err := s.broadcast(ctx, seg); err != nil {
		s.undelivered.Set(key, struct{}{})
		s.logger.Warnw("transcript segment stored but not broadcast",
			"room_id", seg.RoomID,
			"segment_id", seg.ID,
			"error", err,
		)
		return created, apperrors.NewTransportError(err, "failed to broadcast transcript segment")
	}
	s.undelivered.Delete(key)

	s.logger.Debugw("transcript segment broadcast",
		"room_id", seg.RoomID,
		"segment_id", seg.ID,
		"speaker_id", seg.SpeakerID,
		"created", created,
	)
	return created, nil
}

func (s *TranscriptService) broadcast(ctx context.Context, seg *domain.Segment) error {
	msg, err := domain.NewMessage(ids.NewMessageID(), domain.MessageTranscriptSegment,
		seg.RoomID, domain.RelayParticipantID, domain.SessionID(domain.RelayParticipantID), seg)
	if err != nil {
		return err
	}
	return s.broadcaster.Broadcast(ctx, seg.RoomID, msg)
}

// List returns a room's transcript in broadcast order.
func (s *TranscriptService) List(ctx context.Context, roomID domain.RoomID) ([]*domain.Segment, error) {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	segs, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	return segs, nil
}

// WithArchive enables archiving of ended meetings.
func (s *TranscriptService) WithArchive(a ports.TranscriptArchive) *TranscriptService {
	s.archive = a
	return s
}

// ArchivedTranscript is written once per ended meeting.
type ArchivedTranscript struct {
	RoomID   domain.RoomID        `json:"roomId"`
	Title    string               `json:"title,omitempty"`
	HostID   domain.ParticipantID `json:"hostId"`
	EndedAt  time.Time            `json:"endedAt"`
	Segments []*domain.Segment    `json:"segments"`
}

const archiveStampLayout = "20060102T150405Z"

func archivePrefix(roomID domain.RoomID) string {
	return "transcript-" + string(roomID) + "-"
}

// Archive writes the meeting's full transcript and returns the entry name.
// Without an archive configured it does nothing and returns "".
func (s *TranscriptService) Archive(ctx context.Context, meeting domain.MeetingMetadata, endedAt time.Time) (string, error) {
	if s.archive == nil {
		return "", nil
	}
	ctx, span := tracing.TraceTranscript(ctx, "archive", string(meeting.RoomID), "")
	defer span.End()

	segs, err := s.repo.ListByRoom(ctx, meeting.RoomID)
	if err != nil {
		return "", fmt.Errorf("list transcript: %w", err)
	}
	if segs == nil {
		segs = []*domain.Segment{}
	}
	endedAt = endedAt.UTC()
	name := archivePrefix(meeting.RoomID) + endedAt.Format(archiveStampLayout) + ".json"
	doc := ArchivedTranscript{
		RoomID:   meeting.RoomID,
		Title:    meeting.Title,
		HostID:   meeting.HostID,
		EndedAt:  endedAt,
		Segments: segs,
	}
	if err := s.archive.Put(ctx, name, doc); err != nil {
		return "", fmt.Errorf("archive transcript: %w", err)
	}
	s.logger.Infow("transcript archived", "room_id", meeting.RoomID, "name", name, "segments", len(segs))
	return name, nil
}

// Archived returns the most recently archived transcript of roomID.
func (s *TranscriptService) Archived(ctx context.Context, roomID domain.RoomID) (*ArchivedTranscript, error) {
	if s.archive == nil {
		return nil, apperrors.NewNotFoundError("archived transcript")
	}
	prefix := archivePrefix(roomID)
	names, err := s.archive.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	// Room ids may share a prefix ("a" and "a-b"), so only names that are
	// exactly prefix + stamp belong to roomID.
	latest := ""
	for _, name := range names {
		if len(strings.TrimPrefix(name, prefix)) == len(archiveStampLayout+".json") && name > latest {
			latest = name
		}
	}
	if latest == "" {
		return nil, apperrors.NewNotFoundError("archived transcript")
	}
	var doc ArchivedTranscript
	if err := s.archive.Get(ctx, latest, &doc); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return &doc, nil
}

func (s *TranscriptService) Close() {
	s.undelivered.Stop()
}
