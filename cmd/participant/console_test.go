package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	store        *services.RoomStore
	media        domain.MediaState
	transcribing bool
	endedWith    string
	endErr       error
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	store := services.NewRoomStore(nil)
	require.NoError(t, store.JoinRoom(
		domain.MeetingMetadata{RoomID: "standup", HostID: "alice"},
		domain.Participant{ID: "alice", DisplayName: "Alice", Role: domain.RoleHost},
	))
	return &fakeSession{store: store}
}

func (f *fakeSession) Store() *services.RoomStore { return f.store }

func (f *fakeSession) ToggleAudio(context.Context) (domain.MediaState, error) {
	f.media.AudioEnabled = !f.media.AudioEnabled
	return f.media, nil
}

func (f *fakeSession) ToggleVideo(context.Context) (domain.MediaState, error) {
	return domain.MediaState{}, domain.ErrMediaDevice
}

func (f *fakeSession) ToggleScreenShare(context.Context) (domain.MediaState, error) {
	f.media.ScreenSharing = !f.media.ScreenSharing
	return f.media, nil
}

func (f *fakeSession) ToggleMute(context.Context) (domain.MediaState, error) {
	f.media.Muted = !f.media.Muted
	return f.media, nil
}

func (f *fakeSession) StartTranscription(context.Context) error {
	f.transcribing = true
	return nil
}

func (f *fakeSession) StopTranscription(context.Context) error {
	f.transcribing = false
	return nil
}

func (f *fakeSession) EndMeeting(_ context.Context, reason string) error {
	f.endedWith = reason
	return f.endErr
}

type fakeHistory struct{ segments []domain.Segment }

func (h fakeHistory) Transcript(context.Context, domain.RoomID) ([]domain.Segment, error) {
	return h.segments, nil
}

func TestConsole_Commands(t *testing.T) {
	session := newFakeSession(t)
	var out bytes.Buffer
	c := newConsole(session, fakeHistory{}, "standup", strings.NewReader(""), &out)
	ctx := context.Background()

	assert.True(t, c.exec(ctx, "audio"))
	assert.True(t, session.media.AudioEnabled)
	assert.Contains(t, out.String(), "audio on")

	out.Reset()
	assert.True(t, c.exec(ctx, "video"))
	assert.Contains(t, out.String(), "error:")

	assert.True(t, c.exec(ctx, "transcribe"))
	assert.True(t, session.transcribing)
	assert.True(t, c.exec(ctx, "transcribe off"))
	assert.False(t, session.transcribing)

	assert.True(t, c.exec(ctx, "end  sprint   wrapped"))
	assert.Equal(t, "sprint wrapped", session.endedWith)

	out.Reset()
	assert.True(t, c.exec(ctx, "who"))
	assert.Contains(t, out.String(), "Alice (you)")

	out.Reset()
	assert.True(t, c.exec(ctx, "dance"))
	assert.Contains(t, out.String(), `unknown command "dance"`)

	assert.True(t, c.exec(ctx, "   "))
	assert.False(t, c.exec(ctx, "QUIT"))
}

func TestConsole_EndMeetingErrorIsReported(t *testing.T) {
	session := newFakeSession(t)
	session.endErr = errors.New("only the host can end the meeting")
	var out bytes.Buffer
	c := newConsole(session, fakeHistory{}, "standup", strings.NewReader(""), &out)

	c.exec(context.Background(), "end")
	assert.Contains(t, out.String(), "only the host")
}

func TestConsole_StoredTranscript(t *testing.T) {
	history := fakeHistory{segments: []domain.Segment{
		{ID: "s1", SpeakerID: "bob", Text: "Morning all", StartTimeMs: 65_000},
	}}
	var out bytes.Buffer
	c := newConsole(newFakeSession(t), history, "standup", strings.NewReader(""), &out)

	c.exec(context.Background(), "transcript")
	assert.Contains(t, out.String(), "No transcript yet")

	out.Reset()
	c.exec(context.Background(), "transcript all")
	assert.Contains(t, out.String(), "Morning all")
	assert.Contains(t, out.String(), "01:05")
}

func TestConsole_RunStopsOnQuit(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(newFakeSession(t), fakeHistory{}, "standup", strings.NewReader("mute\nquit\naudio\n"), &out)

	go c.run(context.Background())
	select {
	case <-c.quit:
	case <-time.After(time.Second):
		t.Fatal("console did not quit")
	}
	assert.Contains(t, out.String(), "muted on")
	assert.NotContains(t, out.String(), "audio on")
}

func TestFormatOffset(t *testing.T) {
	assert.Equal(t, "00:00", formatOffset(0))
	assert.Equal(t, "02:03", formatOffset(123_456))
}
