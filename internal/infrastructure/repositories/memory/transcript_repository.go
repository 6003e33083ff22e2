package memory

import (
	"context"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

type roomTranscript struct {
	order    []string
	segments map[string]*domain.Segment
}

type MemoryTranscriptRepository struct {
	rooms map[domain.RoomID]*roomTranscript
	mu    sync.RWMutex
}

func NewMemoryTranscriptRepository() ports.TranscriptRepository {
	return &MemoryTranscriptRepository{
		rooms: make(map[domain.RoomID]*roomTranscript),
	}
}

func (r *MemoryTranscriptRepository) Upsert(ctx context.Context, seg *domain.Segment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[seg.RoomID]
	if !ok {
		room = &roomTranscript{segments: make(map[string]*domain.Segment)}
		r.rooms[seg.RoomID] = room
	}

	stored := *seg
	_, exists := room.segments[seg.ID]
	room.segments[seg.ID] = &stored
	if exists {
		return false, nil
	}
	room.order = append(room.order, seg.ID)
	return true, nil
}

func (r *MemoryTranscriptRepository) Get(ctx context.Context, roomID domain.RoomID, segmentID string) (*domain.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrSegmentNotFound
	}
	seg, ok := room.segments[segmentID]
	if !ok {
		return nil, domain.ErrSegmentNotFound
	}
	out := *seg
	return &out, nil
}

func (r *MemoryTranscriptRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return []*domain.Segment{}, nil
	}
	out := make([]*domain.Segment, 0, len(room.order))
	for _, id := range room.order {
		seg := *room.segments[id]
		out = append(out, &seg)
	}
	return out, nil
}
