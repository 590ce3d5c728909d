// Package main is the entry point for the urd daemon. It wires all internal
// packages together and runs the mediation loop between clients and the
// Universal Robots controller.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables (.env honoured)
//  2. Build logger
//  3. Initialize the robot controller (primary → dashboard → interpreter)
//  4. Build executor, dispatcher, RTDE monitor, telemetry broker
//  5. Start the dispatcher worker, monitor task, HTTP server, stdin edge
//  6. Block until SIGINT/SIGTERM, then emergency-halt and tear down
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martyn-saronic/urd/internal/api"
	"github.com/martyn-saronic/urd/internal/config"
	"github.com/martyn-saronic/urd/internal/controller"
	"github.com/martyn-saronic/urd/internal/dispatcher"
	"github.com/martyn-saronic/urd/internal/executor"
	"github.com/martyn-saronic/urd/internal/metrics"
	"github.com/martyn-saronic/urd/internal/monitor"
	"github.com/martyn-saronic/urd/internal/rtde"
	"github.com/martyn-saronic/urd/internal/status"
	"github.com/martyn-saronic/urd/internal/telemetry"
	"github.com/martyn-saronic/urd/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// .env is optional; missing file is not an error.
	_ = godotenv.Load()

	cfg := config.Default()
	var stdinEdge bool

	root := &cobra.Command{
		Use:   "urd",
		Short: "urd — Universal Robots mediation daemon",
		Long: `urd mediates between client applications and a Universal Robots arm.
It routes URScript and control verbs into the robot's interpreter-mode
interface, enforces completion ordering and buffer housekeeping, streams
RTDE telemetry over WebSocket, and guarantees that an emergency halt
bypasses every queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, stdinEdge)
		},
	}

	root.AddCommand(newVersionCmd())

	envOr := config.EnvOrDefault
	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Robot.Host, "robot-host", envOr("URD_ROBOT_HOST", ""), "Robot controller address (required)")
	flags.IntVar(&cfg.Robot.Ports.Primary, "primary-port", cfg.Robot.Ports.Primary, "Primary interface port")
	flags.IntVar(&cfg.Robot.Ports.Dashboard, "dashboard-port", cfg.Robot.Ports.Dashboard, "Dashboard server port")
	flags.IntVar(&cfg.Robot.Ports.Interpreter, "interpreter-port", cfg.Robot.Ports.Interpreter, "Interpreter mode port")
	flags.IntVar(&cfg.Robot.Ports.RTDE, "rtde-port", cfg.Robot.Ports.RTDE, "RTDE streaming port")
	flags.Uint32Var(&cfg.Publishing.PubRateHz, "pub-rate-hz", cfg.Publishing.PubRateHz, "Maximum pose publication rate")
	flags.Uint32Var(&cfg.Publishing.DecimalPlaces, "decimal-places", cfg.Publishing.DecimalPlaces, "Decimal places for published values")
	flags.BoolVar(&cfg.Command.MonitorExecution, "monitor-execution", cfg.Command.MonitorExecution, "Enable the RTDE monitor task")
	flags.StringVar(&cfg.Command.StreamRobotState, "stream-robot-state", envOr("URD_STREAM_ROBOT_STATE", cfg.Command.StreamRobotState), "Robot state streaming mode (dynamic = emit on change)")
	flags.Uint32Var(&cfg.Interpreter.ClearBufferLimit, "clear-buffer-limit", cfg.Interpreter.ClearBufferLimit, "URScript submissions between automatic buffer clears")
	flags.Uint64Var(&cfg.Interpreter.InitializationTimeoutSeconds, "init-timeout", cfg.Interpreter.InitializationTimeoutSeconds, "Interpreter connect timeout in seconds")
	flags.StringVar(&cfg.HTTPAddr, "http-addr", envOr("URD_HTTP_ADDR", cfg.HTTPAddr), "HTTP/WebSocket listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", envOr("URD_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")
	flags.BoolVar(&stdinEdge, "stdin", true, "Read commands from stdin and print JSON events to stdout")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("urd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, stdinEdge bool) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting urd",
		zap.String("version", version),
		zap.String("robot_host", cfg.Robot.Host),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Bool("monitor_execution", cfg.Command.MonitorExecution),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown := &atomic.Bool{}

	// --- Status cache + controller ---
	cache := status.NewCache()
	ctrl := controller.New(cfg, cache, logger)
	if err := ctrl.Initialize(ctx); err != nil {
		return fmt.Errorf("robot initialization failed: %w", err)
	}
	defer ctrl.Shutdown()

	// --- Telemetry: WebSocket broker (+ stdout when the stdin edge is on) ---
	broker := websocket.NewBroker(logger)
	defer broker.Shutdown()

	m := metrics.New()
	m.RegisterWSClients(func() float64 { return float64(broker.SessionCount()) })

	sinks := telemetry.Fanout{websocket.NewTelemetry(broker)}
	if stdinEdge {
		sinks = append(sinks, telemetry.NewStdout(logger))
	}
	pub := m.InstrumentPublisher(sinks)

	// --- Executor + dispatcher ---
	exec := executor.New(ctrl, cfg.Interpreter.ClearBufferLimit, shutdown, pub, logger)
	disp := dispatcher.New(exec, shutdown, logger)
	m.RegisterQueueDepth(func() float64 { return float64(disp.QueueState().TotalQueued) })
	go disp.Run(ctx)

	// --- RTDE monitor ---
	if cfg.Command.MonitorExecution {
		rtdeClient := rtde.New(cfg.Robot.Host, cfg.Robot.Ports.RTDE, logger)
		mon := monitor.New(rtdeClient, cache, monitor.Config{
			PubRateHz:     cfg.Publishing.PubRateHz,
			DecimalPlaces: cfg.Publishing.DecimalPlaces,
			DynamicMode:   cfg.DynamicMode(),
		}, shutdown, pub, logger)
		ctrl.SetMonitorProbe(mon.Active)
		go mon.Run(ctx)
	}

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Dispatcher: disp,
		Robot:      ctrl,
		Executor:   exec,
		Broker:     broker,
		Metrics:    m,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Stdin edge ---
	if stdinEdge {
		go stdinLoop(ctx, disp, m, logger)
	}

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Raise the flags first so in-flight waits unwind within one poll
	// interval, then halt motion through the primary bypass.
	shutdown.Store(true)
	ctrl.AbortSignal().Store(true)
	if err := ctrl.EmergencyHalt(); err != nil {
		logger.Warn("emergency halt on shutdown failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("urd stopped")
	return nil
}

// stdinLoop reads newline-delimited commands from standard input, submits
// them through the dispatcher, and prints each result as one JSON line.
// @halt typed on stdin takes the immediate lane like any other emergency.
func stdinLoop(ctx context.Context, disp *dispatcher.Dispatcher, m *metrics.Metrics, logger *zap.Logger) {
	log := logger.Named("stdin")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		class := dispatcher.Classify(line)
		var outcome dispatcher.Outcome
		if class == dispatcher.ClassEmergency {
			outcome = disp.SubmitImmediate(ctx, line)
		} else {
			done, _ := disp.Submit(ctx, line)
			select {
			case outcome = <-done:
			case <-ctx.Done():
				return
			}
		}

		m.ObserveCommand(class.String(), outcome.Err != nil)
		printOutcome(log, outcome)
	}

	if err := scanner.Err(); err != nil {
		log.Warn("stdin read error", zap.Error(err))
	}
}

// printOutcome writes one JSON result line to stdout, keeping the event
// stream machine-readable for a supervising process.
func printOutcome(log *zap.Logger, outcome dispatcher.Outcome) {
	var payload any
	switch {
	case outcome.Err != nil:
		payload = map[string]any{"type": "error", "error": outcome.Err.Error(), "timestamp": telemetry.Now()}
	case outcome.Script != nil:
		payload = map[string]any{"type": "urscript_result", "result": outcome.Script}
	case outcome.Command != nil:
		payload = map[string]any{"type": "command_result", "result": outcome.Command}
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn("failed to marshal result", zap.Error(err))
		return
	}
	fmt.Println(string(data))
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	// The stdin edge owns stdout for its JSON event stream; logs go to
	// stderr either way.
	cfg.OutputPaths = []string{"stderr"}

	return cfg.Build()
}
