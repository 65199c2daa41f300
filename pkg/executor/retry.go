package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/planrunner/pkg/browser"
	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/observability"
	"github.com/odvcencio/planrunner/pkg/telemetry"
)

// actOnElement resolves target against a fresh snapshot and performs kind on
// it, retrying up to maxRetries times with baseDelay*attempt between tries.
// It returns the ref that was acted on.
func (e *Executor) actOnElement(ctx context.Context, target string, kind browser.ActionKind, payload browser.ActionPayload) (string, error) {
	session, err := e.requireSession()
	if err != nil {
		return "", err
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		attempts = attempt
		ref, err := e.attempt(ctx, session, target, kind, payload)
		recordAttempt(string(kind), err == nil)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		observability.AddEvent(ctx, "attempt.failed",
			observability.AttrTarget.String(target),
			observability.AttrAttempt.Int(attempt),
		)

		if !browser.IsRetryableError(err) || ctx.Err() != nil || attempt == e.maxRetries {
			break
		}

		delay := e.baseDelay * time.Duration(attempt)
		_ = e.logger.Debug(logging.CategoryRetry, "element.retry", err.Error(), map[string]any{
			"target":  target,
			"attempt": attempt,
			"delay":   delay.String(),
		})
		e.hub.Publish(telemetry.Event{
			Type:      telemetry.EventStepRetry,
			SessionID: session.ID(),
			Data:      map[string]any{"target": target, "action": string(kind), "attempt": attempt, "error": err.Error()},
		})
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	code := apperrors.ErrCodeTransport
	switch {
	case apperrors.IsCode(lastErr, apperrors.ErrCodeResolution):
		code = apperrors.ErrCodeResolution
	case browser.IsTimeout(lastErr):
		code = apperrors.ErrCodeTimeout
	}
	return "", apperrors.Wrap(lastErr, code, fmt.Sprintf("%s %q failed after %d attempts", kind, target, attempts)).
		WithContext("attempts", attempts)
}

func (e *Executor) attempt(ctx context.Context, session *browser.Session, target string, kind browser.ActionKind, payload browser.ActionPayload) (string, error) {
	snap, err := session.Snapshot(ctx, browser.SnapshotOptions{})
	if err != nil {
		return "", err
	}
	ref, ok := browser.Resolve(target, snap)
	if !ok {
		return "", apperrors.Newf(apperrors.ErrCodeResolution, "element not found: %q", target)
	}
	if _, err := session.PerformAction(ctx, kind, ref, payload); err != nil {
		return "", err
	}
	return ref, nil
}
