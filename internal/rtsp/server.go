package rtsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/framework"
	"github.com/brentr/gst-rtsp-launch/internal/mainloop"
	"github.com/brentr/gst-rtsp-launch/internal/metrics"
	"github.com/brentr/gst-rtsp-launch/internal/pipeline"
)

// DefaultService is the port used when SetService is never called
const DefaultService = "8554"

// serverName is sent in the Server header
const serverName = "gst-rtsp-launch"

// Config holds the server settings that are not part of the launcher options
type Config struct {
	// Address to bind; empty binds all interfaces
	Address        string
	SessionTimeout time.Duration
	MaxSessions    int

	// NewRunner creates the pipeline runner for each media. Nil runs
	// gst-launch through pipeline.ExecRunner with PipelineBinary.
	NewRunner      func() pipeline.Runner
	PipelineBinary string

	// SenderReportInterval is how often RTCP sender reports go out; zero
	// means DefaultSenderReportInterval
	SenderReportInterval time.Duration
}

// Server is an RTSP server serving media factories from its mount points.
// Requests are read on per-connection goroutines and handled on the main
// loop the server is attached to.
type Server struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	base    *slog.Logger

	mounts *MountPoints
	pool   *SessionPool

	mu        sync.Mutex
	service   string
	loop      *mainloop.Loop
	listener  net.Listener
	conns     map[net.Conn]struct{}
	medias    map[*Media]struct{}
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ framework.Server = (*Server)(nil)

// NewServer creates a server listening on DefaultService until told otherwise
func NewServer(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "rtsp-server"),
		base:    logger,
		mounts:  NewMountPoints(logger),
		pool:    NewSessionPool(cfg.SessionTimeout, cfg.MaxSessions, m, logger),
		service: DefaultService,
		conns:   make(map[net.Conn]struct{}),
		medias:  make(map[*Media]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.pool.onRemove = s.detachSession

	if s.cfg.NewRunner == nil {
		binary := cfg.PipelineBinary
		s.cfg.NewRunner = func() pipeline.Runner {
			return pipeline.NewExecRunner(binary, m, logger)
		}
	}

	return s
}

// SetService sets the port to listen on. It has no effect once attached.
func (s *Server) SetService(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.service = service
}

func (s *Server) Service() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service
}

// MountPoints returns a counted handle on the mount points
func (s *Server) MountPoints() framework.MountPoints {
	return s.mounts.acquire()
}

// SessionPool returns a counted handle on the session pool
func (s *Server) SessionPool() framework.SessionPool {
	return s.pool.acquire()
}

// Mounts gives direct access to the mount points, without a handle
func (s *Server) Mounts() *MountPoints {
	return s.mounts
}

// Sessions gives direct access to the session pool, without a handle
func (s *Server) Sessions() *SessionPool {
	return s.pool
}

// Attach binds the listening socket and serves connections through loop
func (s *Server) Attach(loop *mainloop.Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("server already attached")
	}

	addr := net.JoinHostPort(s.cfg.Address, s.service)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.loop = loop
	s.startedAt = time.Now()

	s.logger.Info("RTSP server listening", slog.String("address", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

// Addr returns the listening address, or nil before Attach
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops all connections and sessions and stops every
// pipeline. Call it after the main loop has returned.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	// No connection is registered once the listener is closed and the
	// context cancelled, so the sweep below sees all of them
	var err error
	if listener != nil {
		err = listener.Close()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.pool.closeAll()

	s.mu.Lock()
	medias := s.medias
	s.medias = make(map[*Media]struct{})
	s.mu.Unlock()
	for media := range medias {
		media.Close()
	}

	s.logger.Info("RTSP server stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		count := len(s.conns)
		s.mu.Unlock()
		s.metrics.SetActiveConnections(count)

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn reads requests from one client and answers them in order
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		count := len(s.conns)
		s.mu.Unlock()
		s.metrics.SetActiveConnections(count)
	}()

	logger := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	logger.Debug("Client connected")

	reader := NewMessageReader(conn)
	writer := NewMessageWriter(conn)

	for {
		req, err := reader.ReadRequest()
		if err != nil {
			if errors.Is(err, ErrMalformedRequest) {
				logger.Warn("Malformed request", slog.String("error", err.Error()))
				writer.WriteResponse(NewResponse(StatusBadRequest))
			}
			logger.Debug("Client disconnected")
			return
		}

		start := time.Now()
		var resp *Response
		if err := s.loop.Call(s.ctx, func() { resp = s.handle(conn, req) }); err != nil {
			return
		}

		s.metrics.RecordRTSPRequest(string(req.Method), strconv.Itoa(int(resp.StatusCode)), time.Since(start).Seconds())
		logger.Debug("Request handled",
			slog.String("method", string(req.Method)),
			slog.String("uri", req.URI()),
			slog.Int("status", int(resp.StatusCode)),
		)

		if err := writer.WriteResponse(resp); err != nil {
			logger.Warn("Failed to send response", slog.String("error", err.Error()))
			return
		}
	}
}

// constructMedia gets media from f and tracks it for Close. Loop goroutine only.
func (s *Server) constructMedia(f *MediaFactory) (*Media, error) {
	media, err := f.construct(s.ctx, mediaEnv{
		newRunner:  s.cfg.NewRunner,
		host:       s.cfg.Address,
		srInterval: s.cfg.SenderReportInterval,
		metrics:    s.metrics,
		logger:     s.base,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.medias[media] = struct{}{}
	s.mu.Unlock()

	return media, nil
}

// detachSession stops feeding a removed session. Media owned by the session
// alone is closed.
func (s *Server) detachSession(session *Session) {
	media := session.media
	if media == nil {
		return
	}
	session.media = nil

	if err := media.RemoveClients(session.ID); err != nil {
		s.logger.Warn("Failed to update pipeline", slog.String("error", err.Error()))
	}

	if !media.Shared() {
		s.discardMedia(media)
	}
}

// Status is a snapshot of the server for the status API
type Status struct {
	Service     string        `json:"service"`
	Address     string        `json:"address"`
	StartedAt   time.Time     `json:"started_at"`
	Connections int           `json:"connections"`
	Mounts      []MountInfo   `json:"mounts"`
	Sessions    []SessionInfo `json:"sessions"`
}

// MountInfo describes a mount point and its factory
type MountInfo struct {
	Path               string   `json:"path"`
	Launch             string   `json:"launch"`
	Profiles           string   `json:"profiles"`
	RetransmissionTime string   `json:"retransmission_time"`
	RTCP               bool     `json:"rtcp"`
	Shared             bool     `json:"shared"`
	Streams            []string `json:"streams"`
	Clients            int      `json:"clients"`
	Running            bool     `json:"running"`
}

// Status takes a snapshot on the main loop
func (s *Server) Status(ctx context.Context) (Status, error) {
	var status Status
	err := s.call(ctx, func() {
		s.mu.Lock()
		status.Service = s.service
		if s.listener != nil {
			status.Address = s.listener.Addr().String()
		}
		status.StartedAt = s.startedAt
		status.Connections = len(s.conns)
		s.mu.Unlock()

		factories := s.mounts.Factories()
		for _, path := range s.mounts.Paths() {
			f := factories[path]
			info := MountInfo{
				Path:               path,
				Launch:             f.Launch(),
				Profiles:           f.Profiles().String(),
				RetransmissionTime: f.RetransmissionTime().String(),
				RTCP:               f.IsRTCPEnabled(),
				Shared:             f.IsShared(),
				Streams:            []string{},
			}
			if media := f.cached(); media != nil && !media.closed {
				for _, stream := range media.Streams() {
					info.Streams = append(info.Streams, stream.RTPMap())
				}
				info.Clients = media.ClientCount()
				info.Running = media.Running()
			}
			status.Mounts = append(status.Mounts, info)
		}

		status.Sessions = s.pool.List()
	})
	return status, err
}

// Session returns a snapshot of one session
func (s *Server) Session(ctx context.Context, id string) (SessionInfo, bool, error) {
	var info SessionInfo
	var found bool
	err := s.call(ctx, func() {
		var session *Session
		if session, found = s.pool.Get(id); found {
			info = session.Info()
		}
	})
	return info, found, err
}

// call runs fn on the main loop, or directly when not attached
func (s *Server) call(ctx context.Context, fn func()) error {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()

	if loop == nil || !loop.IsRunning() {
		fn()
		return nil
	}
	return loop.Call(ctx, fn)
}
