package rtsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/metrics"
	"github.com/brentr/gst-rtsp-launch/internal/pipeline"
	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

var errMediaClosed = errors.New("media is closed")

// mediaSettings is the factory configuration a Media was built from
type mediaSettings struct {
	launch   string
	streams  []pipeline.Stream
	profiles profile.Mask
	rtxTime  time.Duration
	rtcp     bool
	shared   bool
	key      []byte
}

// retransmits reports whether NACKs are answered. Retransmission needs
// RTCP to carry the NACKs.
func (s mediaSettings) retransmits() bool {
	return s.rtxTime > 0 && s.rtcp
}

// mediaEnv carries what the server provides to every Media
type mediaEnv struct {
	newRunner  func() pipeline.Runner
	host       string
	srInterval time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Media is a prepared launch description and the clients it is sent to.
// One pipeline process feeds all clients: it is started for the first
// client and stopped after the last, and clients joining or leaving in
// between only change where the relays send packets. Media is only used
// from the main loop goroutine.
type Media struct {
	mediaSettings

	ctx     context.Context
	cancel  context.CancelFunc
	runner  pipeline.Runner
	metrics *metrics.Metrics
	logger  *slog.Logger

	sdpID   int64
	relays  []*relay // by stream index
	clients map[string][]Destination
	closed  bool
}

func newMedia(ctx context.Context, settings mediaSettings, env mediaEnv) (*Media, error) {
	logger := env.logger.With("component", "media")

	rtx := rtxPayloadTypes(settings.streams)
	relays := make([]*relay, 0, len(settings.streams))
	for _, stream := range settings.streams {
		cfg := relayConfig{
			stream:     stream,
			host:       env.host,
			key:        settings.key,
			rtcp:       settings.rtcp,
			srInterval: env.srInterval,
			metrics:    env.metrics,
			logger:     logger.With(slog.Int("stream", stream.Index)),
		}
		if pt, ok := rtx[stream.Index]; ok && settings.retransmits() {
			cfg.rtxTime = settings.rtxTime
			cfg.rtxPT = pt
		}

		r, err := newRelay(cfg)
		if err != nil {
			for _, opened := range relays {
				opened.close()
			}
			return nil, fmt.Errorf("failed to open relay for stream %d: %w", stream.Index, err)
		}
		relays = append(relays, r)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Media{
		mediaSettings: settings,
		ctx:           ctx,
		cancel:        cancel,
		runner:        env.newRunner(),
		metrics:       env.metrics,
		logger:        logger,
		sdpID:         time.Now().UnixNano(),
		relays:        relays,
		clients:       make(map[string][]Destination),
	}, nil
}

// Streams returns the streams of the launch description
func (m *Media) Streams() []pipeline.Stream {
	return m.streams
}

// Shared reports whether the media is shared between sessions
func (m *Media) Shared() bool {
	return m.shared
}

// serverPorts returns the ports stream is sent from
func (m *Media) serverPorts(stream int) (rtpPort, rtcpPort int) {
	if stream < 0 || stream >= len(m.relays) {
		return 0, 0
	}
	return m.relays[stream].serverPorts()
}

func (m *Media) spec() pipeline.Spec {
	sinks := make(map[int]int, len(m.relays))
	for i, r := range m.relays {
		sinks[i] = r.sinkPort()
	}
	return pipeline.Spec{
		Launch:  m.launch,
		Streams: m.streams,
		Sinks:   sinks,
	}
}

// SetClients replaces the destinations of a session. The pipeline is
// started if it is not running; a running pipeline is left alone.
func (m *Media) SetClients(sessionID string, dests []Destination) error {
	if len(dests) == 0 {
		return m.RemoveClients(sessionID)
	}
	if m.closed {
		return errMediaClosed
	}

	previous := len(m.clients[sessionID])
	drop := func() {
		m.detach(sessionID)
		delete(m.clients, sessionID)
		m.metrics.AddActiveClients(-previous)
		if len(m.clients) == 0 {
			m.runner.Stop()
		}
	}

	m.detach(sessionID)
	for _, d := range dests {
		if d.Stream < 0 || d.Stream >= len(m.relays) {
			drop()
			return fmt.Errorf("no stream %d", d.Stream)
		}
		if err := m.relays[d.Stream].setTarget(sessionID, d); err != nil {
			drop()
			return err
		}
	}
	m.clients[sessionID] = dests
	m.metrics.AddActiveClients(len(dests) - previous)

	if m.runner.Running() {
		m.logger.Info("Client added to running pipeline",
			slog.String("session_id", sessionID),
			slog.Int("destinations", m.ClientCount()),
		)
		return nil
	}

	m.logger.Info("Starting pipeline", slog.Int("destinations", m.ClientCount()))
	if err := m.runner.Start(m.ctx, m.spec()); err != nil {
		// Nothing is fed to this session; the next PLAY retries
		m.detach(sessionID)
		delete(m.clients, sessionID)
		m.metrics.AddActiveClients(-len(dests))
		return err
	}
	return nil
}

// RemoveClients drops the destinations of a session. The pipeline stops
// with the last client.
func (m *Media) RemoveClients(sessionID string) error {
	dests, ok := m.clients[sessionID]
	if !ok {
		return nil
	}
	delete(m.clients, sessionID)
	m.detach(sessionID)
	m.metrics.AddActiveClients(-len(dests))

	if len(m.clients) > 0 {
		return nil
	}
	m.logger.Info("No clients left, stopping pipeline")
	return m.runner.Stop()
}

func (m *Media) detach(sessionID string) {
	for _, r := range m.relays {
		r.removeTarget(sessionID)
	}
}

// Destinations lists every destination being fed, ordered by stream, host
// and port
func (m *Media) Destinations() []Destination {
	var dests []Destination
	for _, d := range m.clients {
		dests = append(dests, d...)
	}
	sort.Slice(dests, func(i, j int) bool {
		a, b := dests[i], dests[j]
		if a.Stream != b.Stream {
			return a.Stream < b.Stream
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.RTPPort < b.RTPPort
	})
	return dests
}

// ClientCount returns the number of destinations being fed
func (m *Media) ClientCount() int {
	count := 0
	for _, d := range m.clients {
		count += len(d)
	}
	return count
}

// Running reports whether the pipeline is running
func (m *Media) Running() bool {
	return m.runner.Running()
}

// Close stops the pipeline and the relays. A closed media is never handed
// out again.
func (m *Media) Close() {
	if m.closed {
		return
	}
	m.closed = true

	m.metrics.AddActiveClients(-m.ClientCount())
	m.clients = make(map[string][]Destination)

	if err := m.runner.Stop(); err != nil {
		m.logger.Warn("Failed to stop pipeline", slog.String("error", err.Error()))
	}
	for _, r := range m.relays {
		if err := r.close(); err != nil {
			m.logger.Warn("Failed to close relay", slog.String("error", err.Error()))
		}
	}
	m.cancel()
}
