package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"example.com/stepcount/internal/device"
	"example.com/stepcount/internal/motion"
)

func newTrackCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "track",
		Short: "Track steps until interrupted",
		Long: `Start the configured sensor source and count steps until SIGINT or SIGTERM.
With the motion source, accelerometer readings are read from stdin, one "x y z"
line per reading ("geo lat lon" lines carry position fixes).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(cmd, opts)
		},
	}
}

func runTrack(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.device()
	if err != nil {
		return err
	}

	queue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	primary, fallback, bridge, err := device.Sources(cfg)
	if err != nil {
		return fmt.Errorf("resolving step source: %w", err)
	}

	logger := log.New(cmd.ErrOrStderr(), "stepctl ", log.LstdFlags)
	rt, err := device.New(cfg, device.Deps{
		Store:    apiClient(cfg),
		Queue:    queue,
		Source:   primary,
		Fallback: fallback,
	}, device.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	if bridge != nil {
		if interactive(cmd.InOrStdin()) {
			fmt.Fprintln(cmd.ErrOrStderr(), `Reading motion samples from the terminal: enter "x y z" or "geo lat lon", Ctrl-C to stop.`)
		}
		go func() {
			stats, err := motion.FeedLines(ctx, cmd.InOrStdin(), bridge, nil)
			if stats.Skipped > 0 {
				logger.Printf("motion input skipped %d malformed lines, first at line %d", stats.Skipped, stats.FirstBadLine)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("motion input stopped after %d samples: %v", stats.Emitted, err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopErr := rt.Stop(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	fmt.Fprintf(cmd.OutOrStdout(), "Stopped with %d steps today\n", rt.Tracker().StepCount())
	return stopErr
}

func interactive(in any) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
