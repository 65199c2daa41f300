package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/planrunner/pkg/api"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/session"
)

type apiServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// serveNewServerFn allows tests to stub the listener.
var serveNewServerFn = func(cfg api.ServerConfig) apiServer {
	return api.NewServer(cfg)
}

func runServeCommand(args []string) error {
	fs, configPath := newFlagSet("serve")
	bind := fs.String("bind", "", "address to listen on (default: server.bind)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	address := cfg.Server.Bind
	if *bind != "" {
		address = *bind
	}

	rt, err := newRuntime(cfg, runtimeOptions{runID: session.GenerateSessionID("serve"), ledger: true, blobs: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	serverCfg := api.ServerConfig{
		Address: address,
		Hub:     rt.hub,
		Logger:  rt.logger,
	}
	if rt.ledger != nil {
		serverCfg.Ledger = rt.ledger
	}
	if rt.blobs != nil {
		serverCfg.Blobs = rt.blobs
	}
	server := serveNewServerFn(serverCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	fmt.Fprintf(stderr, "planrunner listening on http://%s\n", address)
	_ = rt.logger.Info(logging.CategoryNetwork, "server.started", address, nil)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	_ = rt.logger.Info(logging.CategoryNetwork, "server.stopped", address, nil)
	return nil
}
