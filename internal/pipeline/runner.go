package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/metrics"
)

// DefaultBinary is the program that runs launch lines
const DefaultBinary = "gst-launch-1.0"

// stopTimeout is how long a pipeline gets to exit after an interrupt
const stopTimeout = 3 * time.Second

// Runner runs one media pipeline at a time
type Runner interface {
	// Start runs spec, replacing any pipeline already running
	Start(ctx context.Context, spec Spec) error
	Stop() error
	Running() bool
}

// ExecRunner runs launch lines in a gst-launch process
type ExecRunner struct {
	binary  string
	metrics *metrics.Metrics
	logger  *slog.Logger

	// Args come before the launch line on the command line
	Args []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExecRunner creates a runner for binary. An empty binary means DefaultBinary.
func NewExecRunner(binary string, m *metrics.Metrics, logger *slog.Logger) *ExecRunner {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		binary:  binary,
		metrics: m,
		logger:  logger.With("component", "pipeline"),
		Args:    []string{"-q"},
	}
}

// Start launches the pipeline described by spec. The process is stopped when
// ctx is cancelled.
func (r *ExecRunner) Start(ctx context.Context, spec Spec) error {
	if err := r.Stop(); err != nil {
		return err
	}

	line := BuildLaunchLine(spec)
	args := append(append([]string(nil), r.Args...), strings.Fields(line)...)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = stopTimeout
	cmd.Stderr = logWriter{logger: r.logger}

	if err := cmd.Start(); err != nil {
		cancel()
		r.metrics.RecordPipelineFailure()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	r.metrics.RecordPipelineStart()

	r.logger.Info("Pipeline started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("sinks", len(spec.Sinks)),
	)
	r.logger.Debug("Pipeline launch line", slog.String("line", line))

	done := make(chan struct{})

	r.mu.Lock()
	r.cmd = cmd
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.wait(cmd, cancel, done)

	return nil
}

// wait reaps the process. Exits not requested through Stop count as failures.
func (r *ExecRunner) wait(cmd *exec.Cmd, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	err := cmd.Wait()
	cancel()

	r.mu.Lock()
	current := r.cmd == cmd
	if current {
		r.cmd = nil
		r.cancel = nil
		r.done = nil
	}
	r.mu.Unlock()

	if !current {
		r.logger.Debug("Pipeline stopped", slog.Int("pid", cmd.Process.Pid))
		return
	}

	if err != nil {
		r.metrics.RecordPipelineFailure()
		r.logger.Error("Pipeline exited", slog.Int("pid", cmd.Process.Pid), slog.String("error", err.Error()))
		return
	}
	r.logger.Info("Pipeline finished", slog.Int("pid", cmd.Process.Pid))
}

// Stop interrupts the running pipeline and waits for it to exit
func (r *ExecRunner) Stop() error {
	r.mu.Lock()
	cmd, cancel, done := r.cmd, r.cancel, r.done
	r.cmd = nil
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}

	cancel()
	<-done
	return nil
}

// Running reports whether a pipeline process is alive
func (r *ExecRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil
}

// logWriter forwards process output to the logger, one record per line
type logWriter struct {
	logger *slog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Warn("Pipeline output", slog.String("line", line))
		}
	}
	return len(p), nil
}
