package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/planrunner/pkg/api"
	"github.com/odvcencio/planrunner/pkg/browser"
	"github.com/odvcencio/planrunner/pkg/config"
	"github.com/odvcencio/planrunner/pkg/storage"
	"github.com/odvcencio/planrunner/pkg/trace"
)

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = oldOut, oldErr })
	return &out, &errOut
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Dir = ""
	cfg.Storage.LedgerPath = ""
	cfg.Executor.MaxRetries = 1
	cfg.Executor.RetryBaseDelay = 0
	return cfg
}

func stubConfig(t *testing.T, cfg *config.Config) {
	t.Helper()
	old := loadConfigFn
	loadConfigFn = func(string) (*config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfigFn = old })
}

type fakeTransport struct {
	mu       sync.Mutex
	elements []browser.Element
	actions  []browser.Action
	closed   bool
}

func (f *fakeTransport) Open(context.Context) error { return nil }

func (f *fakeTransport) Navigate(_ context.Context, url string, _ time.Duration) (string, error) {
	return "page-1", nil
}

func (f *fakeTransport) Snapshot(context.Context, string, browser.SnapshotOptions) (*browser.Snapshot, error) {
	return browser.NewSnapshot("https://shop.example/login", f.elements), nil
}

func (f *fakeTransport) Act(_ context.Context, _ string, action browser.Action) (*browser.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return &browser.ActionResult{Kind: action.Kind, Ref: action.Ref}, nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func stubTransport(t *testing.T, ft *fakeTransport) {
	t.Helper()
	old := newTransportFn
	newTransportFn = func(*config.Config) (browser.Transport, error) { return ft, nil }
	t.Cleanup(func() { newTransportFn = old })
}

func writePlan(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func decodeOutcomes(t *testing.T, out *bytes.Buffer) []planOutcome {
	t.Helper()
	var outcomes []planOutcome
	if err := json.Unmarshal(out.Bytes(), &outcomes); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	return outcomes
}

const loginPlan = `
goal: sign in
steps:
  - id: open
    type: navigate
    params: {url: "https://shop.example/login"}
  - id: login
    type: click
    params: {selector: "Sign in"}
`

func TestDispatchSubcommand(t *testing.T) {
	out, errOut := captureOutput(t)

	if handled, _ := dispatchSubcommand(nil); handled {
		t.Fatal("no args should not be handled")
	}

	handled, code := dispatchSubcommand([]string{"version"})
	if !handled || code != exitOK {
		t.Fatalf("version: handled=%v code=%d", handled, code)
	}
	if !strings.Contains(out.String(), "planrunner "+version) {
		t.Fatalf("unexpected version output %q", out.String())
	}

	handled, code = dispatchSubcommand([]string{"explode"})
	if !handled || code != exitUsage {
		t.Fatalf("unknown: handled=%v code=%d", handled, code)
	}
	if !strings.Contains(errOut.String(), `unknown command "explode"`) {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestExitCodeForError(t *testing.T) {
	if got := exitCodeForError(nil); got != exitOK {
		t.Fatalf("nil error code=%d", got)
	}
	if got := exitCodeForError(errors.New("boom")); got != exitFailure {
		t.Fatalf("plain error code=%d", got)
	}
	wrapped := fmt.Errorf("context: %w", withExitCode(errors.New("bad flag"), exitUsage))
	if got := exitCodeForError(wrapped); got != exitUsage {
		t.Fatalf("wrapped exit error code=%d", got)
	}
	if withExitCode(nil, exitUsage) != nil {
		t.Fatal("withExitCode(nil) should stay nil")
	}
}

func TestRunRequiresPlan(t *testing.T) {
	captureOutput(t)
	if code := runCommand(runRunCommand, nil); code != exitUsage {
		t.Fatalf("expected usage exit, got %d", code)
	}
}

func TestRunWaitOnlyPlanSkipsBrowser(t *testing.T) {
	out, _ := captureOutput(t)
	stubConfig(t, testConfig())
	old := newTransportFn
	newTransportFn = func(*config.Config) (browser.Transport, error) {
		t.Fatal("wait-only plans must not open a browser")
		return nil, nil
	}
	t.Cleanup(func() { newTransportFn = old })

	path := writePlan(t, "pause.yaml", `
goal: pause
steps:
  - {id: w1, type: wait, params: {duration: 1}}
  - {id: w2, type: wait, params: {duration: 1}}
`)
	if code := runCommand(runRunCommand, []string{path}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}

	outcomes := decodeOutcomes(t, out)
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	o := outcomes[0]
	if o.State != trace.StateCompleted || o.Report == nil || o.Report.Successful != 2 {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if o.Storage != nil {
		t.Fatalf("no blob store configured, storage should be omitted: %+v", o.Storage)
	}
}

func TestRunBrowserPlan(t *testing.T) {
	out, errOut := captureOutput(t)
	stubConfig(t, testConfig())
	ft := &fakeTransport{elements: []browser.Element{
		{Ref: "e1", Descriptor: browser.Descriptor{Role: "button", Name: "Sign in"}},
	}}
	stubTransport(t, ft)

	path := writePlan(t, "login.yaml", loginPlan)
	if code := runCommand(runRunCommand, []string{"-goal", "log the user in", "-task-id", "task-7", path}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}

	o := decodeOutcomes(t, out)[0]
	if o.Goal != "log the user in" || o.TaskID != "task-7" {
		t.Fatalf("flags not applied: %+v", o)
	}
	if o.State != trace.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", o.State, o.Error)
	}
	if len(ft.actions) != 1 || ft.actions[0].Ref != "e1" {
		t.Fatalf("unexpected actions %+v", ft.actions)
	}
	if !ft.closed {
		t.Fatal("session transport should be closed after the plan")
	}
	logs := errOut.String()
	if !strings.Contains(logs, `"browser.metrics"`) || !strings.Contains(logs, `"action_count":1`) {
		t.Fatalf("expected browser usage summary in logs, got %s", logs)
	}
}

func TestRunWaitOnlyPlanLogsNoBrowserUsage(t *testing.T) {
	_, errOut := captureOutput(t)
	stubConfig(t, testConfig())

	path := writePlan(t, "pause.yaml", "goal: pause\nsteps:\n  - {id: w, type: wait, params: {duration: 1}}\n")
	if code := runCommand(runRunCommand, []string{path}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}
	if strings.Contains(errOut.String(), "browser.metrics") {
		t.Fatalf("no browser was started, got %s", errOut.String())
	}
}

func TestRunFailedPlanExitCode(t *testing.T) {
	out, errOut := captureOutput(t)
	stubConfig(t, testConfig())
	stubTransport(t, &fakeTransport{})

	path := writePlan(t, "login.yaml", loginPlan)
	if code := runCommand(runRunCommand, []string{path}); code != exitPlanFailed {
		t.Fatalf("expected plan failure exit, got %d", code)
	}
	if !strings.Contains(errOut.String(), "1 of 1 plans failed") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}

	o := decodeOutcomes(t, out)[0]
	if o.State != trace.StateFailed || o.Report.Failed != 1 || o.Report.Completed {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestRunInvalidPlanFileReportsError(t *testing.T) {
	out, _ := captureOutput(t)
	stubConfig(t, testConfig())

	path := writePlan(t, "dup.yaml", `
steps:
  - {id: a, type: wait}
  - {id: a, type: wait}
`)
	if code := runCommand(runRunCommand, []string{path}); code != exitPlanFailed {
		t.Fatalf("expected plan failure exit, got %d", code)
	}
	o := decodeOutcomes(t, out)[0]
	if !strings.Contains(o.Error, "duplicate step id") {
		t.Fatalf("unexpected error %q", o.Error)
	}
}

func newFakeBlobStore(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var stored atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			n := stored.Add(1)
			fmt.Fprintf(w, `{"newlyCreated":{"blobObject":{"blobId":"blob-%d","size":10}}}`, n)
		case http.MethodGet:
			if strings.HasSuffix(r.URL.Path, "/blob-raw") {
				fmt.Fprint(w, "plain text")
				return
			}
			fmt.Fprint(w, `{"type":"trace","taskId":"task-1"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &stored
}

func TestRunPersistsTaskAndTrace(t *testing.T) {
	out, _ := captureOutput(t)
	srv, stored := newFakeBlobStore(t)

	cfg := testConfig()
	cfg.BlobStore.PublisherURL = srv.URL
	cfg.BlobStore.AggregatorURL = srv.URL
	cfg.Storage.LedgerPath = filepath.Join(t.TempDir(), "ledger.db")
	stubConfig(t, cfg)

	path := writePlan(t, "pause.yaml", "goal: pause\nsteps:\n  - {id: w, type: wait, params: {duration: 1}}\n")
	if code := runCommand(runRunCommand, []string{"-task-id", "task-1", path}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}

	o := decodeOutcomes(t, out)[0]
	if o.Storage == nil || o.Storage.TaskBlobID != "blob-1" || o.Storage.TraceBlobID != "blob-2" {
		t.Fatalf("unexpected storage record %+v", o.Storage)
	}
	if got := stored.Load(); got != 2 {
		t.Fatalf("expected task and trace stores, got %d", got)
	}

	ledger, err := storage.New(cfg.Storage.LedgerPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()
	blobs, err := ledger.BlobsForTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("ledger query: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("expected two ledger rows, got %+v", blobs)
	}
}

func TestFetchCommand(t *testing.T) {
	srv, _ := newFakeBlobStore(t)
	cfg := testConfig()
	cfg.BlobStore.PublisherURL = srv.URL
	cfg.BlobStore.AggregatorURL = srv.URL
	stubConfig(t, cfg)

	out, _ := captureOutput(t)
	if code := runCommand(runFetchCommand, []string{"blob-2"}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}
	if !strings.Contains(out.String(), `"taskId": "task-1"`) {
		t.Fatalf("expected indented JSON, got %q", out.String())
	}

	out.Reset()
	if code := runCommand(runFetchCommand, []string{"blob-raw"}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}
	if out.String() != "plain text" {
		t.Fatalf("expected raw body, got %q", out.String())
	}
}

func TestFetchRequiresBlobStore(t *testing.T) {
	_, errOut := captureOutput(t)
	stubConfig(t, testConfig())

	if code := runCommand(runFetchCommand, []string{"blob-1"}); code != exitUsage {
		t.Fatalf("expected usage exit, got %d", code)
	}
	if !strings.Contains(errOut.String(), "blob store is not configured") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
	if code := runCommand(runFetchCommand, nil); code != exitUsage {
		t.Fatalf("missing blob id should be a usage error, got %d", code)
	}
}

func TestHistoryCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.LedgerPath = filepath.Join(t.TempDir(), "ledger.db")
	stubConfig(t, cfg)

	ledger, err := storage.New(cfg.Storage.LedgerPath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	_ = ledger.RecordBlob(ctx, "task-1", storage.KindTask, "blob-a", base)
	_ = ledger.RecordBlob(ctx, "task-1", storage.KindTrace, "blob-b", base.Add(time.Minute))
	_ = ledger.RecordBlob(ctx, "task-2", storage.KindTask, "blob-c", base.Add(2*time.Minute))
	_ = ledger.Close()

	out, _ := captureOutput(t)
	if code := runCommand(runHistoryCommand, []string{"-task", "task-1"}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}
	text := out.String()
	if !strings.Contains(text, "blob-a") || !strings.Contains(text, "blob-b") || strings.Contains(text, "blob-c") {
		t.Fatalf("unexpected history output:\n%s", text)
	}

	out.Reset()
	if code := runCommand(runHistoryCommand, []string{"-limit", "1"}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}
	if lines := strings.Split(strings.TrimSpace(out.String()), "\n"); len(lines) != 2 {
		t.Fatalf("expected header plus one row, got:\n%s", out.String())
	}
}

func TestHistoryRequiresLedger(t *testing.T) {
	captureOutput(t)
	stubConfig(t, testConfig())
	if code := runCommand(runHistoryCommand, nil); code != exitUsage {
		t.Fatalf("expected usage exit, got %d", code)
	}
	if code := runCommand(runHistoryCommand, []string{"-limit", "0"}); code != exitUsage {
		t.Fatalf("expected usage exit for bad limit, got %d", code)
	}
}

type stubServer struct {
	cfg api.ServerConfig
}

func (s *stubServer) Start() error                   { return http.ErrServerClosed }
func (s *stubServer) Shutdown(context.Context) error { return nil }

func TestServeCommandWiresDependencies(t *testing.T) {
	_, errOut := captureOutput(t)
	cfg := testConfig()
	cfg.Storage.LedgerPath = filepath.Join(t.TempDir(), "ledger.db")
	stubConfig(t, cfg)

	var got *stubServer
	old := serveNewServerFn
	serveNewServerFn = func(c api.ServerConfig) apiServer {
		got = &stubServer{cfg: c}
		return got
	}
	t.Cleanup(func() { serveNewServerFn = old })

	if code := runCommand(runServeCommand, []string{"-bind", "127.0.0.1:9999"}); code != exitOK {
		t.Fatalf("expected clean exit, got %d", code)
	}
	if got == nil {
		t.Fatal("server was not built")
	}
	if got.cfg.Address != "127.0.0.1:9999" {
		t.Fatalf("bind flag not applied: %s", got.cfg.Address)
	}
	if got.cfg.Ledger == nil || got.cfg.Hub == nil {
		t.Fatalf("ledger and hub should be wired: %+v", got.cfg)
	}
	if got.cfg.Blobs != nil {
		t.Fatal("blob fetcher should be unset without endpoints")
	}
	if !strings.Contains(errOut.String(), "listening on http://127.0.0.1:9999") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestRunWritesJournal(t *testing.T) {
	captureOutput(t)
	cfg := testConfig()
	cfg.Logging.Dir = t.TempDir()
	stubConfig(t, cfg)

	path := writePlan(t, "pause.yaml", "goal: pause\nsteps:\n  - {id: w, type: wait, params: {duration: 1}}\n")
	if code := runCommand(runRunCommand, []string{"-task-id", "task-j", path}); code != exitOK {
		t.Fatalf("expected success, got %d", code)
	}

	files, _ := filepath.Glob(filepath.Join(cfg.Logging.Dir, "runs-*.log"))
	if len(files) != 1 {
		t.Fatalf("expected one journal file, got %v", files)
	}
	content, _ := os.ReadFile(files[0])
	if !strings.Contains(string(content), "COMPLETED task=task-j") {
		t.Fatalf("unexpected journal: %s", content)
	}
	if sessions, _ := filepath.Glob(filepath.Join(cfg.Logging.Dir, "sessions", "run-*.jsonl")); len(sessions) != 1 {
		t.Fatalf("expected a session log, got %v", sessions)
	}
}
