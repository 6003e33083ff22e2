package monitoring

import (
	"huddle/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector backs the relay's traffic counters and the
// participant's negotiation, media and transcription counters.
type PrometheusCollector struct {
	// relay
	connectionsActive prometheus.Gauge
	roomConnections   *prometheus.GaugeVec
	messagesRelayed   *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	segmentsStored    *prometheus.CounterVec

	// participant
	offersSent         *prometheus.CounterVec
	offerCollisions    *prometheus.CounterVec
	peersConnected     prometheus.Counter
	peersFailed        prometheus.Counter
	remoteTracks       *prometheus.CounterVec
	remoteMediaBytes   *prometheus.CounterVec
	audioBytesStreamed prometheus.Counter
	segmentsPublished  *prometheus.CounterVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_relay_connections_active",
			Help: "Number of open relay websocket connections",
		}),
		roomConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huddle_relay_room_connections",
			Help: "Open relay connections per room",
		}, []string{"room_id"}),
		messagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_relay_messages_total",
			Help: "Envelopes fanned out by the relay, by message type",
		}, []string{"type"}),
		messagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_relay_messages_dropped_total",
			Help: "Envelopes or connections refused by the relay, by reason",
		}, []string{"reason"}),
		segmentsStored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_transcript_segments_stored_total",
			Help: "Transcript segment upserts, by whether the segment was new",
		}, []string{"created"}),

		offersSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_negotiation_offers_total",
			Help: "Offers sent to remote participants",
		}, []string{"ice_restart"}),
		offerCollisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_negotiation_collisions_total",
			Help: "Offer collisions, by local role",
		}, []string{"role"}),
		peersConnected: f.NewCounter(prometheus.CounterOpts{
			Name: "huddle_peers_connected_total",
			Help: "Peer connections that reached connected",
		}),
		peersFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "huddle_peers_failed_total",
			Help: "Peer connections that exhausted reconnection",
		}),
		remoteTracks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_remote_tracks_total",
			Help: "Remote media tracks received, by kind",
		}, []string{"kind"}),
		remoteMediaBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_remote_media_bytes_total",
			Help: "RTP payload bytes received from remote participants, by kind",
		}, []string{"kind"}),
		audioBytesStreamed: f.NewCounter(prometheus.CounterOpts{
			Name: "huddle_transcription_audio_bytes_total",
			Help: "PCM bytes streamed to speech-to-text",
		}),
		segmentsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_transcription_segments_published_total",
			Help: "Finalized segments published, by outcome",
		}, []string{"outcome"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened(roomID domain.RoomID) {
	p.connectionsActive.Inc()
	p.roomConnections.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(roomID domain.RoomID) {
	p.connectionsActive.Dec()
	g := p.roomConnections.WithLabelValues(string(roomID))
	g.Dec()
}

// RoomClosed drops the per-room series of a collected room.
func (p *PrometheusCollector) RoomClosed(roomID domain.RoomID) {
	p.roomConnections.DeleteLabelValues(string(roomID))
}

func (p *PrometheusCollector) MessageRelayed(roomID domain.RoomID, messageType string) {
	p.messagesRelayed.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) MessageDropped(roomID domain.RoomID, reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SegmentStored(roomID domain.RoomID, created bool) {
	label := "false"
	if created {
		label = "true"
	}
	p.segmentsStored.WithLabelValues(label).Inc()
}

func (p *PrometheusCollector) OfferSent(iceRestart bool) {
	label := "false"
	if iceRestart {
		label = "true"
	}
	p.offersSent.WithLabelValues(label).Inc()
}

func (p *PrometheusCollector) OfferCollision(polite bool) {
	role := "impolite"
	if polite {
		role = "polite"
	}
	p.offerCollisions.WithLabelValues(role).Inc()
}

func (p *PrometheusCollector) PeerConnected() { p.peersConnected.Inc() }
func (p *PrometheusCollector) PeerFailed()    { p.peersFailed.Inc() }

func (p *PrometheusCollector) RemoteTrackStarted(remote domain.ParticipantID, kind string) {
	p.remoteTracks.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RemoteMediaReceived(remote domain.ParticipantID, kind string, bytes int) {
	p.remoteMediaBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) AudioSent(bytes int) {
	p.audioBytesStreamed.Add(float64(bytes))
}

func (p *PrometheusCollector) SegmentPublished(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.segmentsPublished.WithLabelValues(outcome).Inc()
}
