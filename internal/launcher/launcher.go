package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/config"
	"github.com/brentr/gst-rtsp-launch/internal/framework"
	"github.com/brentr/gst-rtsp-launch/internal/mainloop"
)

// ErrAttach is returned when the server cannot be attached to the loop
var ErrAttach = errors.New("failed to attach the server")

// Launcher wires a configured server to the main loop and runs it
type Launcher struct {
	loop    *mainloop.Loop
	server  framework.Server
	factory framework.MediaFactory
	logger  *slog.Logger
	out     io.Writer

	// Interval between session cleanups; MaintenanceInterval when zero
	Interval time.Duration

	maintenance mainloop.SourceID
}

// New creates a launcher. Progress lines for the operator go to out.
func New(loop *mainloop.Loop, server framework.Server, factory framework.MediaFactory, logger *slog.Logger, out io.Writer) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		loop:    loop,
		server:  server,
		factory: factory,
		logger:  logger,
		out:     out,
	}
}

// Start applies cfg, attaches the server to the loop and schedules session
// cleanup. Nothing is served until Run is called.
func (l *Launcher) Start(cfg config.ServerConfig) error {
	Apply(cfg, l.server, l.factory)

	fmt.Fprintf(l.out, "Pipeline: %s\n", l.factory.Launch())
	l.logger.Info("Media factory configured",
		slog.String("mount", cfg.MountPath),
		slog.String("profiles", l.factory.Profiles().String()),
		slog.Duration("retransmission_time", l.factory.RetransmissionTime()),
		slog.Bool("shared", l.factory.IsShared()),
	)

	if err := l.server.Attach(l.loop); err != nil {
		return fmt.Errorf("%w: %w", ErrAttach, err)
	}

	interval := l.Interval
	if interval <= 0 {
		interval = MaintenanceInterval
	}
	l.maintenance = NewMaintenance(l.server, l.logger).Schedule(l.loop, interval)

	url := ServiceURL(cfg)
	fmt.Fprintf(l.out, "Stream ready at %s\n", url)
	l.logger.Info("Stream ready", slog.String("url", url))

	return nil
}

// Run serves until ctx is cancelled
func (l *Launcher) Run(ctx context.Context) error {
	defer l.loop.Remove(l.maintenance)
	return l.loop.Run(ctx)
}
