package trace

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/planrunner/pkg/blobstore"
	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/plan"
	"github.com/odvcencio/planrunner/pkg/telemetry"
)

// BlobStore is the write side of the blob store.
type BlobStore interface {
	Store(ctx context.Context, data any) (*blobstore.StoreResult, error)
}

// Ledger records successful stores for later lookup.
type Ledger interface {
	RecordBlob(ctx context.Context, taskID, kind, blobID string, storedAt time.Time) error
}

// StorageError is one degraded storage failure.
type StorageError struct {
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StorageRecord tracks what has been persisted. It is independent of the
// trace and survives Reset.
type StorageRecord struct {
	TaskID      string         `json:"taskId"`
	TaskBlobID  string         `json:"taskBlobId,omitempty"`
	TraceBlobID string         `json:"traceBlobId,omitempty"`
	StoredAt    *time.Time     `json:"storedAt,omitempty"`
	Errors      []StorageError `json:"errors"`
}

// StoreResult reports the outcome of StoreTask or StoreTrace.
type StoreResult struct {
	Success bool   `json:"success"`
	BlobID  string `json:"blobId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PersistedTrace is a trace together with its storage record.
type PersistedTrace struct {
	Trace   Trace         `json:"trace"`
	Storage StorageRecord `json:"storage"`
}

// PersistOptions tunes a PersistingRecorder.
type PersistOptions struct {
	AutoStore           bool
	GracefulDegradation bool
	// StoreTimeout bounds implicit stores triggered by state changes.
	StoreTimeout time.Duration
	Ledger       Ledger
	Logger       *logging.Logger
	Hub          *telemetry.Hub
}

// PersistingRecorder decorates a Recorder with durable storage.
//
// With AutoStore, entering COMPLETED or FAILED through SetState, and any
// LogError call, attempt a StoreTrace before returning. The attempt is not a
// guarantee of durability.
type PersistingRecorder struct {
	inner Recorder
	store BlobStore
	opts  PersistOptions

	mu     sync.Mutex
	record StorageRecord
	now    func() time.Time
}

var _ Recorder = (*PersistingRecorder)(nil)

// NewPersistingRecorder wraps inner. store may be nil, in which case every
// store attempt fails with a storage error.
func NewPersistingRecorder(inner Recorder, store BlobStore, opts PersistOptions) *PersistingRecorder {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Minute
	}
	return &PersistingRecorder{
		inner:  inner,
		store:  store,
		opts:   opts,
		record: StorageRecord{Errors: []StorageError{}},
		now:    time.Now,
	}
}

// Inner returns the wrapped recorder.
func (p *PersistingRecorder) Inner() Recorder { return p.inner }

func (p *PersistingRecorder) SessionID() string { return p.inner.SessionID() }

func (p *PersistingRecorder) SetGoal(goal string) { p.inner.SetGoal(goal) }

func (p *PersistingRecorder) State() State { return p.inner.State() }

func (p *PersistingRecorder) SetFinalResult(result any) { p.inner.SetFinalResult(result) }

func (p *PersistingRecorder) Reset() { p.inner.Reset() }

func (p *PersistingRecorder) Summary() Summary { return p.inner.Summary() }

func (p *PersistingRecorder) Export() Trace { return p.inner.Export() }

func (p *PersistingRecorder) LogStep(step plan.Step, result *plan.Result, status plan.Status, output map[string]any) {
	p.inner.LogStep(step, result, status, output)
}

// SetState delegates and, for terminal states, triggers an automatic store.
func (p *PersistingRecorder) SetState(state State) error {
	if err := p.inner.SetState(state); err != nil {
		return err
	}
	if p.opts.AutoStore && state.Terminal() {
		return p.autoStore("state:" + string(state))
	}
	return nil
}

// LogError delegates and triggers an automatic store.
func (p *PersistingRecorder) LogError(err error, context map[string]any) error {
	if innerErr := p.inner.LogError(err, context); innerErr != nil {
		return innerErr
	}
	if p.opts.AutoStore {
		return p.autoStore("error")
	}
	return nil
}

func (p *PersistingRecorder) autoStore(trigger string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StoreTimeout)
	defer cancel()
	_, err := p.StoreTrace(ctx, map[string]any{"trigger": trigger})
	return err
}

// SetTaskID sets the task id used by StoreTrace before any StoreTask.
func (p *PersistingRecorder) SetTaskID(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record.TaskID = taskID
}

// StoreTask persists the task description.
func (p *PersistingRecorder) StoreTask(ctx context.Context, taskID, goal string, metadata map[string]any) (StoreResult, error) {
	p.mu.Lock()
	p.record.TaskID = taskID
	p.mu.Unlock()

	payload := map[string]any{
		"type":      "task",
		"taskId":    taskID,
		"goal":      goal,
		"sessionId": p.inner.SessionID(),
		"metadata":  metadata,
		"createdAt": p.now().UTC(),
	}
	return p.persist(ctx, "task", taskID, payload)
}

// StoreTrace persists the current trace and its summary.
func (p *PersistingRecorder) StoreTrace(ctx context.Context, metadata map[string]any) (StoreResult, error) {
	p.mu.Lock()
	taskID := p.record.TaskID
	p.mu.Unlock()

	payload := map[string]any{
		"type":     "trace",
		"taskId":   taskID,
		"trace":    p.inner.Export(),
		"summary":  p.inner.Summary(),
		"metadata": metadata,
		"storedAt": p.now().UTC(),
	}
	return p.persist(ctx, "trace", taskID, payload)
}

func (p *PersistingRecorder) persist(ctx context.Context, kind, taskID string, payload map[string]any) (StoreResult, error) {
	var (
		res *blobstore.StoreResult
		err error
	)
	if p.store == nil {
		err = apperrors.New(apperrors.ErrCodeStorage, "no blob store configured")
	} else {
		res, err = p.store.Store(ctx, payload)
	}

	if err != nil {
		return p.fail(kind, taskID, err)
	}

	storedAt := p.now()
	p.mu.Lock()
	switch kind {
	case "task":
		p.record.TaskBlobID = res.BlobID
	case "trace":
		p.record.TraceBlobID = res.BlobID
	}
	p.record.StoredAt = &storedAt
	p.mu.Unlock()

	if p.opts.Ledger != nil {
		if lerr := p.opts.Ledger.RecordBlob(ctx, taskID, kind, res.BlobID, storedAt); lerr != nil {
			_ = p.opts.Logger.Warn(logging.CategoryStorage, "ledger.write_failed", lerr.Error(), map[string]any{
				"blob_id": res.BlobID,
			})
		}
	}
	_ = p.opts.Logger.Info(logging.CategoryTrace, kind+".stored", res.BlobID, map[string]any{
		"task_id": taskID,
		"status":  res.Status,
	})
	p.opts.Hub.Publish(telemetry.Event{
		Type:      telemetry.EventTraceStored,
		SessionID: p.inner.SessionID(),
		TaskID:    taskID,
		Data:      map[string]any{"kind": kind, "blob_id": res.BlobID, "status": res.Status},
	})
	return StoreResult{Success: true, BlobID: res.BlobID}, nil
}

func (p *PersistingRecorder) fail(kind, taskID string, err error) (StoreResult, error) {
	p.opts.Hub.Publish(telemetry.Event{
		Type:      telemetry.EventTraceStoreFailed,
		SessionID: p.inner.SessionID(),
		TaskID:    taskID,
		Data:      map[string]any{"kind": kind, "error": err.Error()},
	})

	if !p.opts.GracefulDegradation {
		_ = p.opts.Logger.Error(logging.CategoryStorage, kind+".store_failed", err.Error(), map[string]any{"task_id": taskID})
		return StoreResult{Success: false, Error: err.Error()},
			apperrors.Wrap(err, apperrors.ErrCodeStorage, "store "+kind).WithContext("task_id", taskID)
	}

	p.mu.Lock()
	p.record.Errors = append(p.record.Errors, StorageError{
		Operation: "store_" + kind,
		Message:   err.Error(),
		Timestamp: p.now(),
	})
	p.mu.Unlock()
	_ = p.opts.Logger.Warn(logging.CategoryStorage, kind+".store_degraded", err.Error(), map[string]any{"task_id": taskID})
	return StoreResult{Success: false, Error: err.Error()}, nil
}

// IsPersisted reports whether a trace blob id has been recorded.
func (p *PersistingRecorder) IsPersisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.TraceBlobID != ""
}

// Record returns a copy of the storage record.
func (p *PersistingRecorder) Record() StorageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.record
	out.Errors = append([]StorageError(nil), p.record.Errors...)
	if out.Errors == nil {
		out.Errors = []StorageError{}
	}
	if p.record.StoredAt != nil {
		at := *p.record.StoredAt
		out.StoredAt = &at
	}
	return out
}

// Trace returns the wrapped trace with the current storage record.
func (p *PersistingRecorder) Trace() PersistedTrace {
	return PersistedTrace{Trace: p.inner.Export(), Storage: p.Record()}
}
