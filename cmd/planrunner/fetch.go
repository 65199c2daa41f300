package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/planrunner/pkg/session"
)

func runFetchCommand(args []string) error {
	fs, configPath := newFlagSet("fetch")
	raw := fs.Bool("raw", false, "print the body exactly as stored")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if fs.NArg() != 1 {
		return withExitCode(errors.New("usage: planrunner fetch [flags] <blobId>"), exitUsage)
	}
	blobID := fs.Arg(0)

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if !cfg.BlobStoreEnabled() {
		return withExitCode(errors.New("blob store is not configured (set blob_store.publisher_url and blob_store.aggregator_url)"), exitUsage)
	}

	rt, err := newRuntime(cfg, runtimeOptions{runID: session.GenerateSessionID("fetch"), blobs: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.BlobStore.RequestTimeout*time.Duration(cfg.BlobStore.MaxRetries+1))
	defer cancel()

	res, err := rt.blobs.Retrieve(ctx, blobID)
	if err != nil {
		return err
	}
	if *raw || !res.IsJSON {
		_, err := stdout.Write(res.Raw)
		return err
	}
	out, err := json.MarshalIndent(res.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode blob: %w", err)
	}
	_, err = fmt.Fprintln(stdout, string(out))
	return err
}
