package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/planrunner/pkg/blobstore"
	"github.com/odvcencio/planrunner/pkg/browser"
	"github.com/odvcencio/planrunner/pkg/browser/adapters/playwright"
	"github.com/odvcencio/planrunner/pkg/browser/adapters/rod"
	"github.com/odvcencio/planrunner/pkg/config"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/storage"
	"github.com/odvcencio/planrunner/pkg/telemetry"
)

// appRuntime holds the process-wide dependencies shared by every plan.
type appRuntime struct {
	cfg      *config.Config
	logger   *logging.Logger
	hub      *telemetry.Hub
	ledger   *storage.Store
	blobs    *blobstore.Client
	browsers *browser.Manager
	metrics  *browser.Metrics
	journal  *logging.Journal
}

// newTransportFn allows tests to run plans without a real browser.
var newTransportFn = newTransport

func newTransport(cfg *config.Config) (browser.Transport, error) {
	switch cfg.Browser.Transport {
	case config.TransportRod:
		return rod.New(rod.Config{
			Headless:      cfg.Browser.Rod.Headless,
			DebuggerURL:   cfg.Browser.Rod.DebuggerURL,
			Viewport:      cfg.Browser.Rod.Viewport,
			ActionTimeout: cfg.Browser.Rod.ActionTimeout,
		}), nil
	case config.TransportMCP, "":
		return playwright.New(cfg.Browser.MCP), nil
	default:
		return nil, fmt.Errorf("unknown browser transport %q", cfg.Browser.Transport)
	}
}

type runtimeOptions struct {
	runID   string
	ledger  bool
	blobs   bool
	browser bool
	journal bool
}

func newRuntime(cfg *config.Config, opts runtimeOptions) (*appRuntime, error) {
	rt := &appRuntime{
		cfg: cfg,
		hub: telemetry.NewHub(),
	}

	logger := newLogger(cfg, opts.runID)
	rt.logger = logger

	if opts.ledger && strings.TrimSpace(cfg.Storage.LedgerPath) != "" {
		ledger, err := storage.New(cfg.Storage.LedgerPath)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		rt.ledger = ledger
	}

	if opts.blobs && cfg.BlobStoreEnabled() {
		client, err := blobstore.NewClient(cfg.BlobStore, blobstore.WithLogger(logger))
		if err != nil {
			rt.Close()
			return nil, withExitCode(err, exitUsage)
		}
		rt.blobs = client
	}

	if opts.journal && strings.TrimSpace(cfg.Logging.Dir) != "" {
		journal, err := logging.NewJournal(cfg.Logging.Dir)
		if err != nil {
			fmt.Fprintf(stderr, "Warning: %v; run journal disabled\n", err)
		} else {
			rt.journal = journal
		}
	}

	if opts.browser {
		factory := func(_ context.Context) (browser.Transport, error) {
			return newTransportFn(cfg)
		}
		rt.metrics = browser.NewMetrics()
		rt.metrics.EnableTelemetry(rt.hub, opts.runID)
		rt.browsers = browser.NewManager(factory, rt.metrics, logger)
	}
	return rt, nil
}

// newLogger writes JSONL under the configured log directory, falling back to
// stderr when the directory is unusable or unset.
func newLogger(cfg *config.Config, runID string) *logging.Logger {
	var logger *logging.Logger
	if dir := strings.TrimSpace(cfg.Logging.Dir); dir != "" {
		l, err := logging.NewLogger(dir, runID)
		if err != nil {
			fmt.Fprintf(stderr, "Warning: %v; logging to stderr\n", err)
		} else {
			logger = l
		}
	}
	if logger == nil {
		logger = logging.NewWriterLogger(stderr, runID)
	}
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))
	return logger
}

func (rt *appRuntime) Close() {
	if rt == nil {
		return
	}
	if rt.browsers != nil {
		_ = rt.browsers.Close(context.Background())
		stats := rt.metrics.Snapshot()
		if stats.SessionsStarted > 0 {
			_ = rt.logger.Info(logging.CategoryBrowser, "browser.metrics", "browser usage for run", map[string]any{
				"metrics": stats,
			})
		}
	}
	if rt.ledger != nil {
		_ = rt.ledger.Close()
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	_ = rt.journal.Close()
	if rt.logger != nil {
		_ = rt.logger.Close()
	}
}
