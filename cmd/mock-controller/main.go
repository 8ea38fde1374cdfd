// mock-controller serves a simulated rig controller over the same REST API
// as the real motion-control backend, for running automic without hardware.
//
// Usage:
//
//	mock-controller [--port 8000] [--move-delay 500ms] [--fail move=motor1 stalled]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/automic/internal/device"
	"github.com/ChuLiYu/automic/pkg/types"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		port      int
		moveDelay time.Duration
		volume    = types.DefaultVolume
		failures  []string
		unhealthy bool
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:          "mock-controller",
		Short:        "Simulated microphone rig controller",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			sim := device.NewSimulator(volume)
			sim.SetMoveDelay(moveDelay)
			sim.SetHealthy(!unhealthy)
			for _, f := range failures {
				op, reason, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("--fail %q: want op=reason", f)
				}
				sim.Fail(op, reason)
			}

			logger.Info("Simulated rig ready",
				"volume", fmt.Sprintf("%gx%gx%g", volume.XMax, volume.YMax, volume.ZMax),
				"motors", strings.Join(sim.MotorNames(), ","))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, port, device.NewSimServer(sim, logger), logger)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8000, "listen port")
	cmd.Flags().DurationVar(&moveDelay, "move-delay", 500*time.Millisecond, "simulated travel time per move")
	cmd.Flags().Float64Var(&volume.XMax, "width", volume.XMax, "stage width in feet")
	cmd.Flags().Float64Var(&volume.YMax, "depth", volume.YMax, "stage depth in feet")
	cmd.Flags().Float64Var(&volume.ZMax, "height", volume.ZMax, "maximum microphone height in feet")
	cmd.Flags().StringArrayVar(&failures, "fail", nil, "make an operation fail, as op=reason (repeatable)")
	cmd.Flags().BoolVar(&unhealthy, "unhealthy", false, "report unhealthy on /health")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every request")
	return cmd
}

func serve(ctx context.Context, port int, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Mock controller listening", "port", port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
