package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/muxsched/internal/bench"
	"github.com/sheerbytes/muxsched/internal/cli/receiver"
	"github.com/sheerbytes/muxsched/internal/cli/sender"
	"github.com/sheerbytes/muxsched/internal/config"
	"github.com/sheerbytes/muxsched/internal/logging"
)

func main() {
	cfg, err := config.ParseBenchConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("muxbench", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger, os.Stdout)
	stop()
	if err != nil {
		logger.Error("bench failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.BenchConfig, logger *slog.Logger, stdout io.Writer) error {
	if err := sender.Validate(cfg); err != nil {
		return err
	}

	set := metrics.NewSet()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMetricsRouter(set),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	lnk, err := openLink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var closeOnce sync.Once
	closeLink := func() {
		closeOnce.Do(func() {
			if err := lnk.close(); err != nil {
				logger.Debug("link close", "error", err)
			}
		})
	}
	defer closeLink()

	logger.Info("bench starting",
		"transport", cfg.Transport,
		"streams", len(cfg.Streams),
		"bytes_per_stream", cfg.Bytes,
		"window", cfg.Window,
	)

	var summary bench.Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := lnk.accept(gctx)
		if err == nil {
			summary, err = receiver.Run(r, cfg.MaxFrameSize, logger.With("side", "receiver"))
		}
		if err != nil {
			// Unblock a sender stuck writing to a reader that is gone.
			closeLink()
		}
		return err
	})
	g.Go(func() error {
		_, err := sender.Run(gctx, lnk.out, cfg, set, logger.With("side", "sender"))
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	summary.Write(stdout)
	return nil
}
