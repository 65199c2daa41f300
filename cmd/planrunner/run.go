package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/planrunner/pkg/browser"
	"github.com/odvcencio/planrunner/pkg/executor"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/observability"
	"github.com/odvcencio/planrunner/pkg/plan"
	"github.com/odvcencio/planrunner/pkg/session"
	"github.com/odvcencio/planrunner/pkg/trace"
)

// planOutcome is the JSON written to stdout for each plan.
type planOutcome struct {
	Plan      string               `json:"plan"`
	Goal      string               `json:"goal"`
	TaskID    string               `json:"taskId"`
	SessionID string               `json:"sessionId,omitempty"`
	State     trace.State          `json:"state,omitempty"`
	Report    *executor.Report     `json:"report,omitempty"`
	Storage   *trace.StorageRecord `json:"storage,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func (o planOutcome) failed() bool {
	return o.Error != "" || o.Report == nil || !o.Report.Completed
}

func runRunCommand(args []string) error {
	fs, configPath := newFlagSet("run")
	goal := fs.String("goal", "", "goal recorded in the trace (default: the plan's goal)")
	taskID := fs.String("task-id", "", "task id for stored blobs (default: random)")
	parallel := fs.Int("parallel", 4, "maximum number of plans executed at once")
	traceOut := fs.String("trace-out", "", "write OpenTelemetry spans as JSON to this file")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	paths := fs.Args()
	if len(paths) == 0 {
		return withExitCode(fmt.Errorf("usage: planrunner run [flags] <plan.yaml>..."), exitUsage)
	}

	cfg, err := loadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	if *traceOut != "" {
		f, err := os.Create(*traceOut)
		if err != nil {
			return fmt.Errorf("open trace output: %w", err)
		}
		defer f.Close()
		tp, err := observability.NewTracerProvider("planrunner", version, f)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	runID := session.GenerateSessionID("run")
	rt, err := newRuntime(cfg, runtimeOptions{runID: runID, ledger: true, blobs: true, browser: true, journal: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes := make([]planOutcome, len(paths))
	var g errgroup.Group
	if *parallel > 0 {
		g.SetLimit(*parallel)
	}
	for i, path := range paths {
		requested := *taskID
		if requested != "" && len(paths) > 1 {
			requested = fmt.Sprintf("%s-%d", requested, i+1)
		}
		i, path := i, path
		g.Go(func() error {
			outcomes[i] = rt.runPlanFile(ctx, path, *goal, session.TaskIDFor(requested))
			return nil
		})
	}
	_ = g.Wait()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcomes); err != nil {
		return err
	}

	failed := 0
	for _, o := range outcomes {
		if o.failed() {
			failed++
		}
	}
	if failed > 0 {
		return withExitCode(fmt.Errorf("%d of %d plans failed", failed, len(outcomes)), exitPlanFailed)
	}
	return nil
}

// runPlanFile executes one plan on its own session. Problems are reported in
// the outcome so sibling plans keep running.
func (rt *appRuntime) runPlanFile(ctx context.Context, path, goalOverride, taskID string) planOutcome {
	outcome := planOutcome{Plan: path, TaskID: taskID}

	p, err := plan.Load(path)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	goal := strings.TrimSpace(goalOverride)
	if goal == "" {
		goal = p.Goal
	}
	if goal == "" {
		goal = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	outcome.Goal = goal

	mem := trace.NewMemoryRecorder(goal)
	outcome.SessionID = mem.SessionID()
	var (
		recorder   trace.Recorder = mem
		persisting *trace.PersistingRecorder
	)
	if rt.blobs != nil {
		opts := trace.PersistOptions{
			AutoStore:           rt.cfg.Trace.AutoStore,
			GracefulDegradation: rt.cfg.Trace.GracefulDegradation,
			StoreTimeout:        rt.cfg.Trace.StoreTimeout,
			Logger:              rt.logger,
			Hub:                 rt.hub,
		}
		if rt.ledger != nil {
			opts.Ledger = rt.ledger
		}
		persisting = trace.NewPersistingRecorder(mem, rt.blobs, opts)
		recorder = persisting
		if _, err := persisting.StoreTask(ctx, taskID, goal, map[string]any{
			"plan":  path,
			"steps": len(p.Steps),
		}); err != nil {
			outcome.Error = err.Error()
			return outcome
		}
	}

	var sess *browser.Session
	if needsBrowser(p.Steps) {
		sess, err = rt.browsers.CreateSession(ctx, mem.SessionID())
		if err != nil {
			outcome.Error = err.Error()
			_ = recorder.LogError(err, map[string]any{"plan": path})
			outcome.State = recorder.State()
			outcome.Storage = storageRecord(persisting)
			return outcome
		}
		defer func() { _ = rt.browsers.CloseSession(context.Background(), sess.ID()) }()
	}

	exec := executor.New(sess,
		executor.WithRecorder(recorder),
		executor.WithLogger(rt.logger),
		executor.WithHub(rt.hub),
		executor.WithMaxRetries(rt.cfg.Executor.MaxRetries),
		executor.WithBaseDelay(rt.cfg.Executor.RetryBaseDelay),
		executor.WithDefaultWait(rt.cfg.Executor.DefaultWait),
		executor.WithNavigateTimeout(rt.cfg.Executor.NavigateTimeout),
	)

	report, err := exec.RunPlan(ctx, goal, p.Steps)
	outcome.Report = &report
	outcome.State = recorder.State()
	outcome.Storage = storageRecord(persisting)
	if err != nil {
		outcome.Error = err.Error()
	}

	_ = rt.journal.Record(logging.JournalEntry{
		TaskID:     taskID,
		SessionID:  outcome.SessionID,
		Plan:       path,
		Goal:       goal,
		State:      string(outcome.State),
		Successful: report.Successful,
		Failed:     report.Failed,
		Error:      outcome.Error,
	})
	_ = rt.logger.Info(logging.CategoryExecutor, "plan.finished", goal, map[string]any{
		"plan":       path,
		"task_id":    taskID,
		"session_id": outcome.SessionID,
		"state":      string(outcome.State),
		"successful": report.Successful,
		"failed":     report.Failed,
	})
	return outcome
}

// needsBrowser reports whether any step talks to the page. Plans made only of
// waits run without launching a browser.
func needsBrowser(steps []plan.Step) bool {
	for _, step := range steps {
		if step.Kind != plan.KindWait {
			return true
		}
	}
	return false
}

func storageRecord(p *trace.PersistingRecorder) *trace.StorageRecord {
	if p == nil {
		return nil
	}
	rec := p.Record()
	return &rec
}
