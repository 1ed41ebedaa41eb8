package launcher

import (
	"log/slog"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/framework"
	"github.com/brentr/gst-rtsp-launch/internal/mainloop"
)

// MaintenanceInterval is how often expired sessions are purged
const MaintenanceInterval = 5 * time.Second

// Maintenance purges expired sessions from a server's session pool. The
// server does not do this on its own.
type Maintenance struct {
	server framework.Server
	logger *slog.Logger
}

// NewMaintenance creates the cleanup task for server
func NewMaintenance(server framework.Server, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		server: server,
		logger: logger.With("component", "maintenance"),
	}
}

// Run performs one cleanup pass. It always asks to be called again.
func (m *Maintenance) Run() bool {
	pool := m.server.SessionPool()
	defer pool.Release()

	if removed := pool.Cleanup(); removed > 0 {
		m.logger.Debug("Expired sessions removed", slog.Int("removed", removed))
	}
	return true
}

// Schedule registers Run on loop every interval
func (m *Maintenance) Schedule(loop *mainloop.Loop, interval time.Duration) mainloop.SourceID {
	return loop.TimeoutAdd(interval, m.Run)
}
