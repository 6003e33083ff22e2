package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/api"
	"huddle/internal/infrastructure/audio"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/monitoring"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	relay "huddle/internal/infrastructure/signal"
	"huddle/internal/infrastructure/stt"
	"huddle/internal/infrastructure/webrtc"
	"huddle/pkg/config"
	"huddle/pkg/ids"
	"huddle/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	joinUser        string
	joinName        string
	joinAvatar      string
	joinTitle       string
	joinRelayURL    string
	joinViaRedis    bool
	joinAudio       bool
	joinVideo       bool
	joinTranscribe  bool
	joinMetricsAddr string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a meeting room",
	Long: `Join a meeting room and stay connected until interrupted, the host
ends the meeting, or "quit" is typed.

Type "help" once joined to list the in-meeting commands.`,
	Example: `  huddle-participant join standup --user alice --name "Alice" --audio
  huddle-participant join standup --user bob --transcribe --metrics :9102`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVarP(&joinUser, "user", "u", "", "participant ID")
	joinCmd.Flags().StringVarP(&joinName, "name", "n", "", "display name")
	joinCmd.Flags().StringVar(&joinAvatar, "avatar", "", "avatar URL")
	joinCmd.Flags().StringVar(&joinTitle, "title", "", "meeting title when creating the room")
	joinCmd.Flags().StringVar(&joinRelayURL, "relay", "", "relay websocket URL (overrides relay.url)")
	joinCmd.Flags().BoolVar(&joinViaRedis, "redis", false, "signal over redis pub/sub instead of the websocket relay")
	joinCmd.Flags().BoolVar(&joinAudio, "audio", false, "start with the microphone on")
	joinCmd.Flags().BoolVar(&joinVideo, "video", false, "start with the camera on")
	joinCmd.Flags().BoolVar(&joinTranscribe, "transcribe", false, "start transcription after joining")
	joinCmd.Flags().StringVar(&joinMetricsAddr, "metrics", "", "serve prometheus metrics on this address")
	joinCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateRoomID(args[0]); err != nil {
		return err
	}
	roomID := domain.RoomID(args[0])
	cfg, zapLogger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if joinRelayURL != "" {
		cfg.Relay.URL = joinRelayURL
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiClient := api.NewClient(cfg.Transcription.APIBaseURL, log)
	grant, err := apiClient.Join(ctx, api.JoinRequest{
		RoomID:      roomID,
		UserID:      domain.ParticipantID(joinUser),
		DisplayName: joinName,
		AvatarURL:   joinAvatar,
		Title:       joinTitle,
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	meeting, presence, err := apiClient.Room(ctx, roomID)
	if err != nil {
		return fmt.Errorf("load room %s: %w", roomID, err)
	}
	log.Infow("join granted",
		"room_id", roomID,
		"role", grant.Role,
		"connected", len(presence),
	)

	sessionID := domain.SessionID(ids.NewSessionID())
	channel, err := openChannel(ctx, cfg, roomID, sessionID, grant.Token, log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(registry)
	if joinMetricsAddr != "" {
		go serveMetrics(joinMetricsAddr, registry, log)
	}

	sigCfg := services.DefaultSignalingConfig(roomID, grant.UserID, sessionID)
	sigCfg.SubscribeTimeout = cfg.Signaling.SubscribeTimeout
	sigCfg.HeartbeatInterval = cfg.Signaling.HeartbeatInterval
	sigCfg.RetryAttempts = cfg.Signaling.RetryAttempts
	sigCfg.RetryBaseDelay = cfg.Signaling.RetryBaseDelay
	sigCfg.DedupeWindow = cfg.Signaling.DedupeWindow
	signaling := services.NewSignalingService(sigCfg, channel, log)

	store := services.NewRoomStore(log)

	factory, err := webrtc.NewPeerFactory(webrtc.ConfigFrom(cfg), collector, log)
	if err != nil {
		channel.Close()
		return fmt.Errorf("webrtc: %w", err)
	}
	orchestrator := services.NewOrchestrator(services.OrchestratorConfig{
		LocalID:           grant.UserID,
		SessionID:         sessionID,
		ReconnectAttempts: cfg.Negotiation.ReconnectAttempts,
		ReconnectTimeout:  cfg.Negotiation.ReconnectTimeout,
		PresenceTimeout:   cfg.Signaling.PresenceTimeout,
	}, factory, signaling, store, collector, log)

	var transcription *services.TranscriptionRelay
	if cfg.Transcription.StreamURL != "" {
		transcription = services.NewTranscriptionRelay(
			services.TranscriptionConfig{
				RoomID:           roomID,
				LocalID:          grant.UserID,
				SessionID:        sessionID,
				TargetSampleRate: cfg.Transcription.TargetSampleRate,
				FrameSize:        cfg.Transcription.FrameSize,
			},
			audio.NewMalgoSource(cfg.Transcription.CaptureSampleRate, cfg.Transcription.CaptureChannels, log),
			stt.NewStreamingClient(cfg.Transcription.StreamURL, log),
			apiClient,
			apiClient,
			store,
			collector,
			log,
		)
	}

	session := services.NewMeetingSession(*meeting, domain.Participant{
		ID:          grant.UserID,
		SessionID:   sessionID,
		DisplayName: displayName(),
		AvatarURL:   joinAvatar,
		Role:        grant.Role,
	}, services.MeetingSessionDeps{
		Store:         store,
		Signaling:     signaling,
		Orchestrator:  orchestrator,
		Media:         webrtc.NewLocalMedia(grant.UserID),
		Transcription: transcription,
		Directory:     apiClient,
		Logger:        log,
	})

	events, unsubscribe := store.Subscribe(64)
	defer unsubscribe()
	go logStoreEvents(events, store, log)

	if err := session.Join(ctx); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	applyStartupMedia(ctx, session, log)

	console := newConsole(session, apiClient, roomID, os.Stdin, os.Stdout)
	go console.run(ctx)

	select {
	case <-ctx.Done():
		log.Info("interrupted, leaving room")
	case <-console.quit:
	case <-session.Done():
		fmt.Fprintln(os.Stdout, "You have left the meeting.")
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.Leave(leaveCtx); err != nil && !errors.Is(err, domain.ErrNotJoined) {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

func displayName() string {
	if joinName != "" {
		return joinName
	}
	return joinUser
}

// openChannel picks the room transport: the websocket relay by default, or
// redis pub/sub for deployments where participants share the relay's redis.
func openChannel(ctx context.Context, cfg *config.Config, roomID domain.RoomID, sessionID domain.SessionID, token string, log *zap.SugaredLogger) (ports.RelayChannel, error) {
	if joinViaRedis {
		client, err := redisrepo.NewRedisClient(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		return distributed.NewRedisChannel(client, roomID, sessionID, log), nil
	}
	return relay.NewWSChannel(relay.WSChannelConfig{
		URL:       cfg.Relay.URL,
		RoomID:    roomID,
		SessionID: sessionID,
		Token:     token,
	}, log), nil
}

func applyStartupMedia(ctx context.Context, session *services.MeetingSession, log *zap.SugaredLogger) {
	if joinAudio {
		if _, err := session.ToggleAudio(ctx); err != nil {
			log.Warnw("microphone not started", "error", err)
		}
	}
	if joinVideo {
		if _, err := session.ToggleVideo(ctx); err != nil {
			log.Warnw("camera not started", "error", err)
		}
	}
	if joinTranscribe {
		if err := session.StartTranscription(ctx); err != nil {
			log.Warnw("transcription not started", "error", err)
		}
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.Infow("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "error", err)
	}
}

func logStoreEvents(events <-chan services.StoreEvent, store *services.RoomStore, log *zap.SugaredLogger) {
	for ev := range events {
		switch ev.Action {
		case "addParticipant", "removeParticipant":
			log.Infow("roster changed", "action", ev.Action, "participant_id", ev.Subject, "count", store.ParticipantCount())
		case "createPeerConnection", "updatePeerConnection":
			if st, ok := store.Peer(domain.ParticipantID(ev.Subject)); ok {
				log.Debugw("peer updated", "remote_id", st.RemoteID, "state", st.State, "phase", st.Phase)
			}
		default:
			log.Debugw("store updated", "action", ev.Action, "subject", ev.Subject, "version", ev.Version)
		}
	}
}
