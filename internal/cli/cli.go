// ============================================================================
// AUTOMIC CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating the rig
//
// Command Structure:
//   automic                        # Root command
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --addr                    # RigControl address for client commands
//   ├── serve                      # Run session + gRPC, web panel and metrics
//   ├── console [--local]          # Interactive terminal panel
//   ├── status                     # Show session state
//   ├── connect / disconnect / toggle
//   ├── move X Y Z                 # Edit all three axes, then apply
//   ├── calibrate X Y Z            # Report the physical rig position
//   ├── estop                      # Emergency stop
//   ├── reset                      # Zero the target inputs
//   ├── preset [NAME]              # Load a preset, or list them
//   ├── logs [--limit N]           # Operator log, newest first
//   └── motors                     # Motor reachability
//
// serve Command:
//   1. Load config (YAML, .env, AUTOMIC_* environment)
//   2. Create the session against the HTTP controller and fetch its volume
//   3. Start gRPC, web panel and metrics servers
//   4. Wait for SIGINT / SIGTERM and shut everything down
//
//   Examples:
//     ./automic serve
//     ./automic serve -c rig.yaml
//     ./automic move 5 3.5 4 --addr rig-host:50051
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"net"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/automic/internal/config"
	"github.com/ChuLiYu/automic/internal/console"
	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/internal/metrics"
	"github.com/ChuLiYu/automic/internal/server"
	"github.com/ChuLiYu/automic/internal/session"
	"github.com/ChuLiYu/automic/internal/web"
	"github.com/ChuLiYu/automic/pkg/types"
)

const (
	defaultAddr   = "localhost:50051"
	clientTimeout = 30 * time.Second
)

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "automic",
		Short: "AUTOMIC: automated microphone rig control",
		Long: `AUTOMIC positions a stage microphone rig in three axes:
- connection management and health probing
- bounded, clamped moves with calibration
- operator log, presets and emergency stop
- gRPC, web panel and terminal console front ends`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", defaultAddr, "RigControl gRPC address for client commands")

	rootCmd.AddCommand(
		buildServeCommand(),
		buildConsoleCommand(),
		buildStatusCommand(),
		buildConnectCommand(),
		buildDisconnectCommand(),
		buildToggleCommand(),
		buildMoveCommand(),
		buildCalibrateCommand(),
		buildEStopCommand(),
		buildResetCommand(),
		buildPresetCommand(),
		buildLogsCommand(),
		buildMotorsCommand(),
	)

	return rootCmd
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the rig control server",
		Long:  "Run one operator session and expose it over gRPC, the web panel and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var opts []session.Option
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		opts = append(opts, session.WithMetrics(collector))
	}

	sess, err := newSession(cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.GRPCPort, err)
	}
	gs := server.NewGRPCServer(sess, logger)

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gRPC server listening", "port", cfg.Server.GRPCPort)
		errCh <- gs.Serve(lis)
	}()

	gateway := web.NewGateway(sess, logger)
	go func() { errCh <- gateway.Serve(ctx, cfg.Server.HTTPPort) }()

	if collector != nil {
		go func() { errCh <- collector.Serve(ctx, cfg.Metrics.Port) }()
	}

	logger.Info("Rig control server started", "session", sess.ID(), "controller", cfg.Device.APIURL)

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
	case err = <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
		}
	}

	gs.GracefulStop()
	gateway.Close()
	logger.Info("Server stopped")
	return err
}

func newSession(cfg *config.Config, logger *slog.Logger, opts ...session.Option) (*session.Session, error) {
	dev := device.NewHTTPClient(cfg.Device.APIURL, device.WithLogger(logger))
	opts = append([]session.Option{session.WithLogger(logger)}, opts...)
	sess, err := session.New(session.Config{
		Volume:  cfg.Volume,
		Initial: cfg.Session.InitialPosition,
		Timeout: cfg.Device.Timeout,
		Presets: cfg.Presets,
	}, dev, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	logger.Debug("Session bound to controller", "session", sess.ID(), "controller", dev.BaseURL())
	return sess, nil
}

// ============================================================================
// console
// ============================================================================

func buildConsoleCommand() *cobra.Command {
	var local bool
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open the interactive terminal panel",
		Long:  "Drive a remote rig over gRPC, or with --local run a session in-process against the configured controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts := console.Options{Refresh: refresh, Timeout: clientTimeout}

			if !local {
				client, err := server.Dial(serverAddr)
				if err != nil {
					return err
				}
				defer client.Close()
				return console.Run(ctx, client, opts)
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			// The terminal belongs to the console; keep library logs quiet.
			sess, err := newSession(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.Start(ctx); err != nil {
				return err
			}
			return console.Run(ctx, console.LocalPanel{Session: sess}, opts)
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "run the session in-process instead of dialing --addr")
	cmd.Flags().DurationVar(&refresh, "refresh", time.Second, "state refresh interval")
	return cmd
}

// ============================================================================
// Client commands
// ============================================================================

// withClient dials --addr and runs fn under a bounded context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()
	return fn(ctx, client)
}

// stateCommand builds a command that performs one state-returning call and
// prints the result.
func stateCommand(use, short string, call func(c *server.Client, ctx context.Context) (types.SessionState, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				state, err := call(c, ctx)
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

func buildStatusCommand() *cobra.Command {
	cmd := stateCommand("status", "Show session status", (*server.Client).State)
	cmd.Long = "Display connection, motion, position and working volume of the running session"
	return cmd
}

func buildConnectCommand() *cobra.Command {
	return stateCommand("connect", "Connect to the rig controller", (*server.Client).Connect)
}

func buildDisconnectCommand() *cobra.Command {
	return stateCommand("disconnect", "Disconnect from the rig controller", (*server.Client).Disconnect)
}

func buildToggleCommand() *cobra.Command {
	return stateCommand("toggle", "Toggle the controller connection", (*server.Client).ToggleConnection)
}

func buildEStopCommand() *cobra.Command {
	return stateCommand("estop", "Send an emergency stop", (*server.Client).EmergencyStop)
}

func buildResetCommand() *cobra.Command {
	return stateCommand("reset", "Zero the target inputs", (*server.Client).ResetInputs)
}

func buildMoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "move X Y Z",
		Short: "Move the microphone to a position in feet",
		Long:  "Set all three target axes (values outside the working volume are clamped) and apply the move",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				for i, axis := range types.Axes {
					if _, err := c.EditAxis(ctx, axis, args[i]); err != nil {
						return err
					}
				}
				state, err := c.ApplyPosition(ctx)
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

func buildCalibrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate X Y Z",
		Short: "Tell the controller where the rig physically is",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			actual := types.Position{X: parseAxis(args[0]), Y: parseAxis(args[1]), Z: parseAxis(args[2])}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				state, err := c.Calibrate(ctx, actual)
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

// parseAxis returns NaN for anything that is not a number; the server
// rejects it with the calibration input message.
func parseAxis(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func buildPresetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preset [NAME]",
		Short: "Load a preset position, or list presets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if len(args) == 0 {
					presets, err := c.Presets(ctx)
					if err != nil {
						return err
					}
					printPresets(out, presets)
					return nil
				}
				state, err := c.LoadPreset(ctx, args[0])
				if err != nil {
					return err
				}
				printState(out, state)
				return nil
			})
		},
	}
}

func buildLogsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the operator log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				entries, err := c.Logs(ctx, limit)
				if err != nil {
					return err
				}
				printLogs(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries (0 for all)")
	return cmd
}

func buildMotorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "motors",
		Short: "Check motor reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				report, err := c.CheckMotors(ctx)
				if err != nil {
					return err
				}
				printMotors(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

// ============================================================================
// Output
// ============================================================================

func printState(w io.Writer, s types.SessionState) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           AUTOMIC Rig Status                              ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "  ├─ Session:     %s\n", s.SessionID)
	fmt.Fprintf(w, "  ├─ Connection:  %s\n", s.Connection)
	fmt.Fprintf(w, "  ├─ Motion:      %s\n", s.Motion)
	fmt.Fprintf(w, "  ├─ Position:    %s\n", s.Confirmed)
	fmt.Fprintf(w, "  ├─ Target:      %s\n", formatPending(s.Pending))
	fmt.Fprintf(w, "  └─ Volume:      %.2f x %.2f x %.2f ft\n", s.Volume.XMax, s.Volume.YMax, s.Volume.ZMax)
}

func formatPending(p types.Position) string {
	parts := make([]string, len(types.Axes))
	for i, a := range types.Axes {
		v := "-"
		if f := p.Get(a); !math.IsNaN(f) {
			v = strconv.FormatFloat(f, 'f', -1, 64)
		}
		parts[i] = strings.ToUpper(string(a)) + ":" + v
	}
	return strings.Join(parts, ", ")
}

func printPresets(w io.Writer, presets []types.Preset) {
	if len(presets) == 0 {
		fmt.Fprintln(w, "No presets configured")
		return
	}
	for _, p := range presets {
		fmt.Fprintf(w, "  %-18s %s  %s\n", p.Name, p.Position, p.Description)
	}
}

func printLogs(w io.Writer, entries []types.LogEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s [%-7s] %s\n", e.Time.Local().Format("15:04:05"), strings.ToUpper(string(e.Level)), e.Message)
	}
}

func printMotors(w io.Writer, r types.MotorReport) {
	for _, name := range slices.Sorted(maps.Keys(r.Motors)) {
		fmt.Fprintf(w, "  %-10s %s\n", name, r.Motors[name])
	}
	if r.AllConnected {
		fmt.Fprintln(w, session.MsgAllMotorsOK)
	}
}
