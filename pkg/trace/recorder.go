// Package trace records the execution trace of a plan and optionally persists
// it to a blob store.
package trace

import (
	"strings"
	"sync"
	"time"

	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/plan"
	"github.com/odvcencio/planrunner/pkg/session"
)

// State is the lifecycle state of an execution trace.
type State string

const (
	StatePlanning  State = "PLANNING"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Valid reports whether s is one of the recognized states.
func (s State) Valid() bool {
	switch s {
	case StatePlanning, StateExecuting, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StepEntry is one append-only record in a trace.
type StepEntry struct {
	Index     int            `json:"index"`
	StepID    string         `json:"stepId,omitempty"`
	Name      string         `json:"name"`
	Kind      string         `json:"type"`
	Status    plan.Status    `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Result    *plan.Result   `json:"result,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

// ErrorInfo is the error stamped by LogError.
type ErrorInfo struct {
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Trace is the serializable execution trace.
type Trace struct {
	SessionID   string      `json:"sessionId"`
	Goal        string      `json:"goal"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     *time.Time  `json:"endTime"`
	Steps       []StepEntry `json:"steps"`
	FinalResult any         `json:"finalResult"`
	Error       *ErrorInfo  `json:"error"`
	State       State       `json:"state"`
}

// Summary is derived from the trace contents on every call.
type Summary struct {
	SessionID  string `json:"sessionId"`
	Goal       string `json:"goal"`
	State      State  `json:"state"`
	TotalSteps int    `json:"totalSteps"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	Completed  bool   `json:"completed"`
	HasFailed  bool   `json:"executionFailed"`
	DurationMs int64  `json:"durationMs"`
}

// Recorder is the trace capability consumed by the executor and runners.
type Recorder interface {
	SessionID() string
	SetGoal(goal string)
	State() State
	SetState(state State) error
	LogStep(step plan.Step, result *plan.Result, status plan.Status, output map[string]any)
	LogError(err error, context map[string]any) error
	SetFinalResult(result any)
	Reset()
	Summary() Summary
	Export() Trace
}

// MemoryRecorder holds one execution's trace in memory.
//
// SetState only checks that the state is recognized; any state may follow
// any other. LogError relies on this to force FAILED.
type MemoryRecorder struct {
	mu    sync.RWMutex
	trace Trace
	now   func() time.Time
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder creates a recorder in PLANNING with a fresh session id.
func NewMemoryRecorder(goal string) *MemoryRecorder {
	r := &MemoryRecorder{now: time.Now}
	r.trace = Trace{
		SessionID: session.GenerateSessionID("trace"),
		Goal:      goal,
		StartTime: r.now(),
		Steps:     []StepEntry{},
		State:     StatePlanning,
	}
	return r
}

// SessionID returns the immutable session id.
func (r *MemoryRecorder) SessionID() string {
	return r.trace.SessionID
}

// SetGoal replaces the goal.
func (r *MemoryRecorder) SetGoal(goal string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.Goal = goal
}

// State returns the current state.
func (r *MemoryRecorder) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trace.State
}

// SetState overwrites the state. Terminal states stamp EndTime once.
func (r *MemoryRecorder) SetState(state State) error {
	if !state.Valid() {
		return apperrors.Newf(apperrors.ErrCodeInvalidState, "invalid trace state %q", state).
			WithContext("state", string(state))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(state)
	return nil
}

func (r *MemoryRecorder) setStateLocked(state State) {
	r.trace.State = state
	if state.Terminal() && r.trace.EndTime == nil {
		end := r.now()
		r.trace.EndTime = &end
	}
}

// LogStep appends one entry whose index is the prior step count.
func (r *MemoryRecorder) LogStep(step plan.Step, result *plan.Result, status plan.Status, output map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status == "" {
		status = plan.StatusSuccess
		if result != nil && !result.Success {
			status = plan.StatusError
		}
	}
	kind := strings.ToLower(strings.TrimSpace(string(step.Kind)))
	if kind == "" {
		kind = "unknown"
	}

	r.trace.Steps = append(r.trace.Steps, StepEntry{
		Index:     len(r.trace.Steps),
		StepID:    step.ID,
		Name:      step.DisplayName(),
		Kind:      kind,
		Status:    status,
		Timestamp: r.now(),
		Result:    result,
		Output:    output,
	})
}

// LogError stamps the error and forces FAILED regardless of the prior state.
func (r *MemoryRecorder) LogError(err error, context map[string]any) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.Error = &ErrorInfo{Message: msg, Context: context, Timestamp: r.now()}
	r.setStateLocked(StateFailed)
	return nil
}

// SetFinalResult records the execution's final result.
func (r *MemoryRecorder) SetFinalResult(result any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.FinalResult = result
}

// Reset clears steps, error, result and timestamps and returns to PLANNING.
// The session id is kept.
func (r *MemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.Steps = []StepEntry{}
	r.trace.Error = nil
	r.trace.FinalResult = nil
	r.trace.EndTime = nil
	r.trace.StartTime = r.now()
	r.trace.State = StatePlanning
}

// Summary counts step outcomes from the current contents.
func (r *MemoryRecorder) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		SessionID:  r.trace.SessionID,
		Goal:       r.trace.Goal,
		State:      r.trace.State,
		TotalSteps: len(r.trace.Steps),
		Completed:  r.trace.State == StateCompleted,
		HasFailed:  r.trace.State == StateFailed,
	}
	for _, entry := range r.trace.Steps {
		switch entry.Status {
		case plan.StatusSuccess:
			s.Successful++
		case plan.StatusError:
			s.Failed++
		}
	}
	end := r.now()
	if r.trace.EndTime != nil {
		end = *r.trace.EndTime
	}
	s.DurationMs = end.Sub(r.trace.StartTime).Milliseconds()
	return s
}

// Export returns a copy of the trace that later mutations do not affect.
// Maps and slices of JSON-shaped values are copied recursively; any other
// value stored in an output is shared.
func (r *MemoryRecorder) Export() Trace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.trace
	out.Steps = make([]StepEntry, len(r.trace.Steps))
	for i, entry := range r.trace.Steps {
		entry.Output = cloneMap(entry.Output)
		if entry.Result != nil {
			res := *entry.Result
			res.Output = cloneMap(res.Output)
			res.Step.Params = cloneMap(res.Step.Params)
			entry.Result = &res
		}
		out.Steps[i] = entry
	}
	out.FinalResult = cloneValue(r.trace.FinalResult)
	if r.trace.EndTime != nil {
		end := *r.trace.EndTime
		out.EndTime = &end
	}
	if r.trace.Error != nil {
		errCopy := *r.trace.Error
		errCopy.Context = cloneMap(errCopy.Context)
		out.Error = &errCopy
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = cloneMap(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
