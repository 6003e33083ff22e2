package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

// meetingControls is the slice of MeetingSession the console drives.
type meetingControls interface {
	Store() *services.RoomStore
	ToggleAudio(ctx context.Context) (domain.MediaState, error)
	ToggleVideo(ctx context.Context) (domain.MediaState, error)
	ToggleScreenShare(ctx context.Context) (domain.MediaState, error)
	ToggleMute(ctx context.Context) (domain.MediaState, error)
	StartTranscription(ctx context.Context) error
	StopTranscription(ctx context.Context) error
	EndMeeting(ctx context.Context, reason string) error
}

type transcriptSource interface {
	Transcript(ctx context.Context, roomID domain.RoomID) ([]domain.Segment, error)
}

// console reads in-meeting commands line by line.
type console struct {
	session meetingControls
	history transcriptSource
	roomID  domain.RoomID
	in      io.Reader
	out     io.Writer

	quit     chan struct{}
	quitOnce sync.Once
}

func newConsole(session meetingControls, history transcriptSource, roomID domain.RoomID, in io.Reader, out io.Writer) *console {
	return &console{
		session: session,
		history: history,
		roomID:  roomID,
		in:      in,
		out:     out,
		quit:    make(chan struct{}),
	}
}

func (c *console) run(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if !c.exec(ctx, scanner.Text()) {
			c.stop()
			return
		}
	}
}

func (c *console) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// exec runs one command line and reports whether the console should keep
// reading.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "help", "?":
		c.printHelp()
	case "who":
		fmt.Fprintln(c.out, participantTable(c.session.Store().Participants()))
	case "peers":
		fmt.Fprintln(c.out, peerTable(c.session.Store().Peers()))
	case "transcript":
		c.printTranscript(opCtx, len(args) > 0 && args[0] == "all")
	case "audio":
		c.printMedia(c.session.ToggleAudio(opCtx))
	case "video":
		c.printMedia(c.session.ToggleVideo(opCtx))
	case "screen":
		c.printMedia(c.session.ToggleScreenShare(opCtx))
	case "mute":
		c.printMedia(c.session.ToggleMute(opCtx))
	case "transcribe":
		var err error
		if len(args) > 0 && args[0] == "off" {
			err = c.session.StopTranscription(opCtx)
		} else {
			err = c.session.StartTranscription(opCtx)
		}
		c.printResult(err)
	case "end":
		c.printResult(c.session.EndMeeting(opCtx, strings.Join(args, " ")))
	case "quit", "exit", "leave":
		return false
	default:
		fmt.Fprintf(c.out, "unknown command %q, type help\n", cmd)
	}
	return true
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `commands:
  who                 list participants
  peers               list peer connections
  transcript [all]    show the live transcript, or everything stored on the relay
  audio | video       toggle microphone or camera
  screen              toggle screen sharing
  mute                toggle mute
  transcribe [off]    start or stop transcription
  end [reason]        end the meeting for everyone (host only)
  quit                leave the meeting`)
}

func (c *console) printMedia(state domain.MediaState, err error) {
	if err != nil {
		c.printResult(err)
		return
	}
	fmt.Fprintln(c.out, mediaSummary(state))
}

func (c *console) printResult(err error) {
	if err != nil {
		fmt.Fprintln(c.out, "error:", err)
		return
	}
	fmt.Fprintln(c.out, mutedStyle.Render("ok"))
}

func (c *console) printTranscript(ctx context.Context, stored bool) {
	var segments []domain.Segment
	if stored {
		var err error
		if segments, err = c.history.Transcript(ctx, c.roomID); err != nil {
			c.printResult(err)
			return
		}
	} else {
		for _, e := range c.session.Store().Transcript() {
			segments = append(segments, e.Segment)
		}
	}
	fmt.Fprintln(c.out, transcriptTable(segments))
}

func mediaSummary(m domain.MediaState) string {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf("audio %s, video %s, screen %s, muted %s",
		onOff(m.AudioEnabled), onOff(m.VideoEnabled), onOff(m.ScreenSharing), onOff(m.Muted))
}

func renderTable(headers []string, rows [][]string, empty string) string {
	if len(rows) == 0 {
		return mutedStyle.Render(empty)
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

func participantTable(ps []domain.Participant) string {
	var out [][]string
	for _, p := range ps {
		name := p.DisplayName
		if p.IsLocal {
			name += " (you)"
		}
		out = append(out, []string{string(p.ID), name, string(p.Role), string(p.ConnectionState), mediaSummary(p.Media)})
	}
	return renderTable([]string{"ID", "Name", "Role", "Connection", "Media"}, out, "No participants")
}

func peerTable(peers []domain.PeerConnectionState) string {
	var out [][]string
	for _, p := range peers {
		polite := "impolite"
		if p.Polite {
			polite = "polite"
		}
		out = append(out, []string{
			string(p.RemoteID),
			polite,
			string(p.State),
			string(p.Phase),
			fmt.Sprintf("%d/%d", p.AppliedCandidates, p.ReceivedCandidates),
			fmt.Sprintf("%d", p.ReconnectAttempts),
		})
	}
	return renderTable([]string{"Remote", "Role", "State", "Phase", "Candidates", "Retries"}, out, "No peer connections")
}

func transcriptTable(segments []domain.Segment) string {
	var out [][]string
	for _, s := range segments {
		out = append(out, []string{
			formatOffset(s.StartTimeMs),
			string(s.SpeakerID),
			s.Text,
		})
	}
	return renderTable([]string{"At", "Speaker", "Text"}, out, "No transcript yet")
}

func formatOffset(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
