// Package executor runs plan steps against a browser session and records
// each outcome in a trace.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/odvcencio/planrunner/pkg/browser"
	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/observability"
	"github.com/odvcencio/planrunner/pkg/plan"
	"github.com/odvcencio/planrunner/pkg/telemetry"
	"github.com/odvcencio/planrunner/pkg/trace"
)

const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	DefaultNavigateTimeout = 30 * time.Second
)

// Report aggregates the results of ExecuteSteps. Results[i] belongs to
// steps[i]; Completed is false when execution stopped early.
type Report struct {
	TotalSteps int           `json:"totalSteps"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Completed  bool          `json:"completed"`
	Results    []plan.Result `json:"results"`
}

// FirstFailure returns the first failed result, if any.
func (r Report) FirstFailure() (plan.Result, bool) {
	for _, res := range r.Results {
		if !res.Success {
			return res, true
		}
	}
	return plan.Result{}, false
}

//go:generate mockgen -package=executor -destination=mock_transport_test.go github.com/odvcencio/planrunner/pkg/browser Transport

type handler func(ctx context.Context, step plan.Step) (map[string]any, error)

// Executor dispatches steps to a session. One executor drives one session;
// it is not meant to be shared by concurrent plans.
type Executor struct {
	session         *browser.Session
	recorder        trace.Recorder
	logger          *logging.Logger
	hub             *telemetry.Hub
	maxRetries      int
	baseDelay       time.Duration
	defaultWait     time.Duration
	navigateTimeout time.Duration
	sleep           func(ctx context.Context, d time.Duration) error

	handlers map[plan.Kind]handler

	mu      sync.Mutex
	context map[string]any
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder attaches the trace recorder that receives every step.
func WithRecorder(r trace.Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithHub publishes step events to hub.
func WithHub(hub *telemetry.Hub) Option {
	return func(e *Executor) { e.hub = hub }
}

// WithMaxRetries sets the attempts made for element actions.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithBaseDelay sets the linear backoff unit between element attempts.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.baseDelay = d
		}
	}
}

// WithDefaultWait sets the duration of wait steps without one.
func WithDefaultWait(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultWait = d
		}
	}
}

// WithNavigateTimeout sets the timeout of navigate steps without one.
func WithNavigateTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.navigateTimeout = d
		}
	}
}

// WithSleep replaces the timer used for waits and backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// New creates an executor for session. session may be nil for plans made
// only of wait steps.
func New(session *browser.Session, opts ...Option) *Executor {
	e := &Executor{
		session:         session,
		maxRetries:      DefaultMaxRetries,
		baseDelay:       DefaultBaseDelay,
		defaultWait:     plan.DefaultWaitMs * time.Millisecond,
		navigateTimeout: DefaultNavigateTimeout,
		sleep:           sleepContext,
		context:         make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = e.handlerTable()
	return e
}

// ExecuteStep runs one step. Failures never escape as errors: they are
// reported in the returned result, and the result is logged to the recorder
// exactly once.
func (e *Executor) ExecuteStep(ctx context.Context, step plan.Step) plan.Result {
	return e.executeStep(ctx, step, -1)
}

func (e *Executor) executeStep(ctx context.Context, step plan.Step, index int) plan.Result {
	ctx, span := observability.StartSpan(ctx, "step."+string(step.Kind))
	defer span.End()
	span.SetAttributes(
		observability.AttrStepID.String(step.ID),
		observability.AttrStepKind.String(string(step.Kind)),
	)
	if index >= 0 {
		span.SetAttributes(observability.AttrStepIndex.Int(index))
	}

	e.publish(telemetry.EventStepStarted, step, withIndex(index, nil))

	start := time.Now()
	output, err := e.dispatch(ctx, step)
	duration := time.Since(start)

	result := plan.Result{
		DurationMs: duration.Milliseconds(),
		Step:       step,
	}
	if err != nil {
		result.Status = plan.StatusError
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, result.Error)
		_ = e.logger.Warn(logging.CategoryExecutor, "step.failed", result.Error, map[string]any{
			"step_id": step.ID,
			"kind":    string(step.Kind),
		})
		e.publish(telemetry.EventStepFailed, step, withIndex(index, map[string]any{
			"error":       result.Error,
			"duration_ms": result.DurationMs,
		}))
	} else {
		result.Success = true
		result.Status = plan.StatusSuccess
		result.Output = output
		_ = e.logger.Info(logging.CategoryExecutor, "step.completed", step.DisplayName(), map[string]any{
			"step_id":     step.ID,
			"kind":        string(step.Kind),
			"duration_ms": result.DurationMs,
		})
		e.publish(telemetry.EventStepCompleted, step, withIndex(index, map[string]any{
			"duration_ms": result.DurationMs,
		}))
	}
	span.SetAttributes(observability.AttrStatus.String(string(result.Status)))
	recordStep(string(step.Kind), string(result.Status), duration)

	if e.recorder != nil {
		logged := result
		e.recorder.LogStep(step, &logged, result.Status, result.Output)
	}
	return result
}

// withIndex adds the plan position to event data. Steps run on their own
// have no position.
func withIndex(index int, data map[string]any) map[string]any {
	if data == nil {
		data = make(map[string]any, 1)
	}
	if index >= 0 {
		data["index"] = index
	}
	return data
}

func (e *Executor) dispatch(ctx context.Context, step plan.Step) (map[string]any, error) {
	h, ok := e.handlers[step.Kind]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "unknown step type %q", step.Kind)
	}
	return h(ctx, step)
}

// ExecuteSteps runs steps in order. A failed step without ContinueOnError
// stops execution; so does a cancelled ctx.
func (e *Executor) ExecuteSteps(ctx context.Context, steps []plan.Step) Report {
	report := Report{
		TotalSteps: len(steps),
		Completed:  true,
		Results:    make([]plan.Result, 0, len(steps)),
	}
	for i, step := range steps {
		if ctx.Err() != nil {
			report.Completed = false
			break
		}
		result := e.executeStep(ctx, step, i)
		report.Results = append(report.Results, result)
		if result.Success {
			report.Successful++
			continue
		}
		report.Failed++
		if !step.ContinueOnError {
			report.Completed = false
			break
		}
	}
	return report
}

// RunPlan executes steps under the attached recorder's state machine:
// EXECUTING while running, then COMPLETED or FAILED. The returned error
// comes from the recorder (for example a storage failure without graceful
// degradation); step failures are only reported in the Report.
func (e *Executor) RunPlan(ctx context.Context, goal string, steps []plan.Step) (Report, error) {
	if e.recorder == nil {
		return e.ExecuteSteps(ctx, steps), nil
	}

	e.recorder.SetGoal(goal)
	if err := e.setState(trace.StateExecuting); err != nil {
		return Report{}, err
	}

	report := e.ExecuteSteps(ctx, steps)
	e.recorder.SetFinalResult(map[string]any{
		"totalSteps": report.TotalSteps,
		"successful": report.Successful,
		"failed":     report.Failed,
		"completed":  report.Completed,
		"context":    e.Context(),
	})

	if report.Completed {
		return report, e.setState(trace.StateCompleted)
	}

	cause := ctx.Err()
	details := map[string]any{}
	if failed, ok := report.FirstFailure(); ok {
		cause = errors.New(failed.Error)
		details["step_id"] = failed.Step.ID
		details["step_type"] = string(failed.Step.Kind)
	}
	if cause == nil {
		cause = errors.New("execution stopped")
	}
	e.publishState(trace.StateFailed)
	return report, e.recorder.LogError(fmt.Errorf("plan %q stopped: %w", goal, cause), details)
}

func (e *Executor) setState(state trace.State) error {
	if err := e.recorder.SetState(state); err != nil {
		return err
	}
	e.publishState(state)
	return nil
}

func (e *Executor) publishState(state trace.State) {
	e.hub.Publish(telemetry.Event{
		Type:      telemetry.EventTraceStateChanged,
		SessionID: e.recorder.SessionID(),
		Data:      map[string]any{"state": string(state)},
	})
}

// Context returns a copy of the values gathered by extract and snapshot
// steps.
func (e *Executor) Context() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.context))
	for k, v := range e.context {
		out[k] = v
	}
	return out
}

// SetContext merges values into the context.
func (e *Executor) SetContext(values map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range values {
		e.context[k] = v
	}
}

// ClearContext drops every context value.
func (e *Executor) ClearContext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.context = make(map[string]any)
}

func (e *Executor) publish(typ telemetry.EventType, step plan.Step, data map[string]any) {
	if e.hub == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["step_id"] = step.ID
	data["kind"] = string(step.Kind)
	e.hub.Publish(telemetry.Event{
		Type:      typ,
		SessionID: e.sessionID(),
		Data:      data,
	})
}

func (e *Executor) sessionID() string {
	if e.session == nil {
		return ""
	}
	return e.session.ID()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
