package rtsp

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/brentr/gst-rtsp-launch/internal/metrics"
)

// DefaultSessionTimeout is how long a session lives without requests
const DefaultSessionTimeout = 60 * time.Second

// ErrSessionLimit is returned when the pool is full
var ErrSessionLimit = errors.New("session limit reached")

// SessionState is the RTSP state of a session
type SessionState int

const (
	StateInit SessionState = iota
	StateReady
	StatePlaying
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Session is a client session created by SETUP. Fields other than the id
// are only touched from the main loop goroutine.
type Session struct {
	ID           string
	MountPath    string
	RemoteHost   string
	Created      time.Time
	LastActivity time.Time
	Timeout      time.Duration
	State        SessionState

	media      *Media
	transports map[int]Transport
}

// Expired reports whether the session has been idle longer than its timeout
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastActivity) > s.Timeout
}

// destinations lists where the session wants its streams sent
func (s *Session) destinations() []Destination {
	dests := make([]Destination, 0, len(s.transports))
	for index, t := range s.transports {
		dests = append(dests, Destination{
			Stream:   index,
			Host:     s.RemoteHost,
			RTPPort:  t.ClientRTP,
			RTCPPort: t.ClientRTCP,
			Secure:   t.Profile.IsSecure(),
			Feedback: t.Profile.HasFeedback(),
		})
	}
	return dests
}

// SessionInfo is a snapshot of a session for the status API
type SessionInfo struct {
	ID           string    `json:"id"`
	MountPath    string    `json:"mount_path"`
	RemoteHost   string    `json:"remote_host"`
	State        string    `json:"state"`
	Streams      []int     `json:"streams"`
	Profiles     []string  `json:"profiles"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	Timeout      string    `json:"timeout"`
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:           s.ID,
		MountPath:    s.MountPath,
		RemoteHost:   s.RemoteHost,
		State:        s.State.String(),
		Streams:      []int{},
		Profiles:     []string{},
		Created:      s.Created,
		LastActivity: s.LastActivity,
		Timeout:      s.Timeout.String(),
	}
	for index := range s.transports {
		info.Streams = append(info.Streams, index)
	}
	sort.Ints(info.Streams)
	for _, index := range info.Streams {
		info.Profiles = append(info.Profiles, s.transports[index].Profile.String())
	}
	return info
}

// SessionPool holds the sessions of a server. Expired sessions stay in the
// pool until Cleanup is called. Handles are counted like mount points.
type SessionPool struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	timeout     time.Duration
	maxSessions int
	refs        atomic.Int32

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// onRemove runs for every session leaving the pool, outside the lock
	onRemove func(*Session)
}

// NewSessionPool creates a pool. A zero timeout means DefaultSessionTimeout;
// maxSessions of zero means unlimited.
func NewSessionPool(timeout time.Duration, maxSessions int, m *metrics.Metrics, logger *slog.Logger) *SessionPool {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionPool{
		sessions:    make(map[string]*Session),
		timeout:     timeout,
		maxSessions: maxSessions,
		metrics:     m,
		logger:      logger.With("component", "session-pool"),
		now:         time.Now,
	}
}

func (p *SessionPool) acquire() *SessionPool {
	p.refs.Add(1)
	return p
}

// Release gives back a handle obtained from the server
func (p *SessionPool) Release() {
	if p.refs.Add(-1) < 0 {
		p.refs.Add(1)
		p.logger.Warn("Session pool released more often than acquired")
	}
}

// Refs returns the number of outstanding handles
func (p *SessionPool) Refs() int {
	return int(p.refs.Load())
}

// Timeout returns the timeout given to new sessions
func (p *SessionPool) Timeout() time.Duration {
	return p.timeout
}

// Create adds a new session for a client of mountPath
func (p *SessionPool) Create(mountPath, remoteHost string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxSessions > 0 && len(p.sessions) >= p.maxSessions {
		return nil, ErrSessionLimit
	}

	now := p.now()
	session := &Session{
		ID:           uuid.NewString(),
		MountPath:    mountPath,
		RemoteHost:   remoteHost,
		Created:      now,
		LastActivity: now,
		Timeout:      p.timeout,
		State:        StateInit,
		transports:   make(map[int]Transport),
	}
	p.sessions[session.ID] = session

	p.metrics.RecordSessionCreated()
	p.metrics.SetActiveSessions(len(p.sessions))

	p.logger.Info("Session created",
		slog.String("session_id", session.ID),
		slog.String("mount", mountPath),
		slog.String("remote", remoteHost),
	)

	return session, nil
}

// Find returns a live session and marks it active. Expired sessions are not
// returned even before Cleanup removes them.
func (p *SessionPool) Find(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[id]
	if !ok {
		return nil, false
	}

	now := p.now()
	if session.Expired(now) {
		return nil, false
	}
	session.LastActivity = now
	return session, true
}

// Get returns a session without touching it
func (p *SessionPool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[id]
	return session, ok
}

// Remove closes a session on client request
func (p *SessionPool) Remove(id string) bool {
	p.mu.Lock()
	session, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	count := len(p.sessions)
	p.mu.Unlock()

	if !ok {
		return false
	}

	p.metrics.RecordSessionClosed(p.now().Sub(session.Created).Seconds())
	p.metrics.SetActiveSessions(count)
	p.logger.Info("Session closed", slog.String("session_id", id))

	if p.onRemove != nil {
		p.onRemove(session)
	}
	return true
}

// Cleanup removes expired sessions and returns how many were removed
func (p *SessionPool) Cleanup() int {
	now := p.now()

	p.mu.Lock()
	var expired []*Session
	for id, session := range p.sessions {
		if session.Expired(now) {
			expired = append(expired, session)
			delete(p.sessions, id)
		}
	}
	count := len(p.sessions)
	p.mu.Unlock()

	p.metrics.RecordCleanupRun()
	p.metrics.SetActiveSessions(count)

	for _, session := range expired {
		p.metrics.RecordSessionExpired(now.Sub(session.Created).Seconds())
		p.logger.Info("Session expired",
			slog.String("session_id", session.ID),
			slog.Duration("idle", now.Sub(session.LastActivity)),
		)
		if p.onRemove != nil {
			p.onRemove(session)
		}
	}

	return len(expired)
}

// Count returns the number of sessions in the pool, expired ones included
func (p *SessionPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// List returns snapshots of all sessions ordered by creation
func (p *SessionPool) List() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, session := range p.sessions {
		infos = append(infos, session.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}

// closeAll empties the pool without counting the sessions as closed
func (p *SessionPool) closeAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	p.metrics.SetActiveSessions(0)
	for _, session := range sessions {
		if p.onRemove != nil {
			p.onRemove(session)
		}
	}
}
