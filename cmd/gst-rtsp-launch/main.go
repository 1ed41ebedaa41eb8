package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/brentr/gst-rtsp-launch/internal/config"
	"github.com/brentr/gst-rtsp-launch/internal/framework"
	"github.com/brentr/gst-rtsp-launch/internal/launcher"
	"github.com/brentr/gst-rtsp-launch/internal/mainloop"
	"github.com/brentr/gst-rtsp-launch/internal/metrics"
	"github.com/brentr/gst-rtsp-launch/internal/profile"
	"github.com/brentr/gst-rtsp-launch/internal/rtsp"
	"github.com/brentr/gst-rtsp-launch/internal/server"
)

const (
	serviceName = "gst-rtsp-launch"
	banner      = "Launch RTSP Server"

	exampleLaunch = "( videotestsrc ! x264enc ! rtph264pay name=pay0 pt=96 )"

	shutdownTimeout = 10 * time.Second
)

// Process exit statuses
const (
	exitOK             = 0
	exitFailure        = 1
	exitProfiles       = 3
	exitRetransmission = 4
	exitAttach         = 6
	exitUsage          = 255
)

// usageError is an option parsing failure reported by the flag parser
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit status
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, banner)

	cmd := newRootCommand(ctx, stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err != nil {
		report(stderr, err)
	}
	return exitCode(err)
}

// flagValues holds the flags that are not part of config.Options
type flagValues struct {
	configPath string
	logLevel   string
}

func newRootCommand(ctx context.Context, stdout, stderr io.Writer) *cobra.Command {
	opts := config.DefaultOptions()
	var values flagValues

	cmd := &cobra.Command{
		Use:     serviceName + " [OPTIONS] PIPELINE-DESCRIPTION",
		Short:   banner,
		Long:    banner + ": serve a GStreamer launch description over RTSP.",
		Example: fmt.Sprintf("  %s %q", serviceName, exampleLaunch),
		Args:    cobra.ArbitraryArgs,

		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts.Args = args
			opts.ProfilesSet = flags.Changed("rtsp-profiles")
			opts.RetransmissionTimeSet = flags.Changed("retransmission-time")
			return serve(ctx, opts, values, stdout, stderr)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	registerFlags(cmd.Flags(), &opts, &values)
	return cmd
}

func registerFlags(flags *pflag.FlagSet, opts *config.Options, values *flagValues) {
	flags.StringVarP(&opts.Port, "port", "p", config.DefaultPort, "Port to listen on")
	flags.StringVarP(&opts.Endpoint, "endpoint", "e", config.DefaultEndpoint, "Endpoint the stream is mounted at")
	flags.StringVarP(&opts.Profiles, "rtsp-profiles", "r", "",
		"Allowed RTSP profiles, e.g. AVP+SAVPF (default AVP)")
	flags.StringVarP(&opts.RetransmissionTime, "retransmission-time", "t", "",
		"Retransmission time in milliseconds (enables retransmission)")

	if framework.CanToggleRTCP((*rtsp.MediaFactory)(nil)) {
		flags.BoolVar(&opts.DisableRTCP, "disable-rtcp", false, "Disable RTCP")
	}

	flags.StringVarP(&values.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&values.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

// serve validates the options, starts the server and blocks until ctx is
// cancelled or a component fails
func serve(ctx context.Context, opts config.Options, values flagValues, stdout, stderr io.Writer) error {
	cfg, err := config.Build(opts)
	if err != nil {
		return err
	}

	file := config.DefaultFile()
	if values.configPath != "" {
		if file, err = config.LoadFile(values.configPath); err != nil {
			return err
		}
	}
	if values.logLevel != "" {
		file.Logging.Level = values.logLevel
		if err := file.Logging.Validate(); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}

	logger := initLogger(file.Logging, stdout, stderr)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("config_path", values.configPath),
		slog.String("port", cfg.Port),
		slog.String("mount", cfg.MountPath),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)

	loop := mainloop.New(logger)
	backend := rtsp.NewServer(rtsp.Config{
		SessionTimeout: file.Session.GetTimeoutDuration(),
		MaxSessions:    file.Session.MaxSessions,
		PipelineBinary: file.Pipeline.Binary,
	}, appMetrics, logger)
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Error stopping RTSP server", slog.String("error", err.Error()))
		}
	}()

	factory := rtsp.NewMediaFactory()

	l := launcher.New(loop, backend, factory, logger, stdout)
	if err := l.Start(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Run(gctx)
	})

	if file.HTTP.Enabled {
		api := server.NewHTTPServer(file, cfg, backend, appMetrics, reg, logger)
		if err := api.Start(); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return api.Stop(shutdownCtx)
		})
	}

	logger.Info("Service started successfully, waiting for signals...")

	err = g.Wait()

	logger.Info("Starting graceful shutdown...")
	return err
}

// exitCode maps an error from the command to the process exit status
func exitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage), errors.Is(err, config.ErrEmptyPipeline):
		return exitUsage
	case errors.Is(err, profile.ErrUnknownProfiles):
		return exitProfiles
	case errors.Is(err, config.ErrInvalidRetransmission):
		return exitRetransmission
	case errors.Is(err, launcher.ErrAttach):
		return exitAttach
	default:
		return exitFailure
	}
}

// report prints err the way an operator expects to read it
func report(w io.Writer, err error) {
	var usage *usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintf(w, "Error parsing options: %v\n", usage.err)
	case errors.Is(err, config.ErrEmptyPipeline):
		fmt.Fprintln(w, "Error: empty pipeline")
	default:
		msg := err.Error()
		fmt.Fprintln(w, strings.ToUpper(msg[:1])+msg[1:])
	}
}

// initLogger creates the structured logger described by cfg
func initLogger(cfg config.LoggingConfig, stdout, stderr io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	switch cfg.Output {
	case "stderr", "":
		output = stderr
	case "stdout":
		output = stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = stderr
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
