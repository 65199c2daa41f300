package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/odvcencio/planrunner/pkg/session"
	"github.com/odvcencio/planrunner/pkg/storage"
)

func runHistoryCommand(args []string) error {
	fs, configPath := newFlagSet("history")
	limit := fs.Int("limit", 20, "maximum number of entries")
	taskID := fs.String("task", "", "only show blobs for this task id")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if *limit <= 0 {
		return withExitCode(errors.New("-limit must be positive"), exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(cfg.Storage.LedgerPath) == "" {
		return withExitCode(errors.New("ledger is disabled (storage.ledger_path is empty)"), exitUsage)
	}

	rt, err := newRuntime(cfg, runtimeOptions{runID: session.GenerateSessionID("history"), ledger: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	var records []storage.BlobRecord
	if *taskID != "" {
		records, err = rt.ledger.BlobsForTask(ctx, *taskID)
	} else {
		records, err = rt.ledger.ListBlobs(ctx, *limit)
	}
	if err != nil {
		return err
	}
	if len(records) > *limit {
		records = records[:*limit]
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "No stored blobs.")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORED\tTASK\tKIND\tBLOB")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.StoredAt.Local().Format(time.DateTime), rec.TaskID, rec.Kind, rec.BlobID)
	}
	return tw.Flush()
}
