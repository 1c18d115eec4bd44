// ABOUTME: Entry point for the dnssd-browse command
// ABOUTME: Parses CLI flags and runs one discovery session until interrupted
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Resonate-Protocol/dnssd-browse/internal/feed"
	"github.com/Resonate-Protocol/dnssd-browse/internal/metrics"
	"github.com/Resonate-Protocol/dnssd-browse/internal/ui"
	"github.com/Resonate-Protocol/dnssd-browse/internal/version"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/discover"
	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const (
	exitOK         = 0
	exitConnection = 1
	exitUsage      = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := LoadConfig(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if cfg.Version {
		fmt.Fprintln(stdout, version.String())
		return exitOK
	}

	// Set up logging
	logOut := stderr
	if cfg.TUI {
		// TUI mode: log only to file
		f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "error opening log file: %v\n", err)
			return exitUsage
		}
		defer func() { _ = f.Close() }()
		logOut = f
	}
	filter, _ := levelFilter(cfg.LogLevel)
	logger := log.NewLogfmtLogger(log.NewSyncWriter(logOut))
	logger = level.NewFilter(logger, filter)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	opts, err := cfg.options()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	opts = append(opts, discover.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		handlers dnssd.MultiHandler
		m        *discover.Manager
		tui      *ui.TUI
		httpSrv  *http.Server
		events   *feed.Feed
	)
	if cfg.TUI {
		tui = ui.New(cfg.ServiceType, func(key dnssd.ServiceKey) bool {
			return m.Resolve(key, nil)
		})
		handlers = append(handlers, tui)
	} else {
		handlers = append(handlers, printer{w: stdout})
	}
	if cfg.Listen != "" {
		events = feed.New(feed.WithLogger(logger))
		stats := metrics.New()
		handlers = append(handlers, events, stats)

		mux := http.NewServeMux()
		mux.Handle("/events", events)
		mux.Handle("/metrics", stats.Handler())
		httpSrv = &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	m, err = discover.New(handlers, opts...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	if httpSrv != nil {
		go func() {
			level.Info(logger).Log("msg", "http listening", "addr", cfg.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "http server failed", "err", err)
				m.Stop()
			}
		}()
	}

	if tui != nil {
		go func() {
			if err := tui.Run(); err != nil {
				level.Error(logger).Log("msg", "tui failed", "err", err)
			}
			m.Stop()
		}()
	}

	err = m.Discover(ctx, cfg.ServiceType, cfg.Domain)

	if tui != nil {
		tui.Quit()
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
			level.Warn(logger).Log("msg", "http shutdown", "err", serr)
		}
		cancel()
		events.Close()
	}

	code := exitCode(err)
	if code != exitOK {
		level.Error(logger).Log("msg", "discovery ended", "err", err)
		if cfg.TUI {
			fmt.Fprintln(stderr, err)
		}
	}
	return code
}

func exitCode(err error) int {
	var berr *dnssd.BrowseError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.As(err, &berr):
		return exitUsage
	default:
		return exitConnection
	}
}
