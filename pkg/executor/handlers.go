package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odvcencio/planrunner/pkg/browser"
	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/plan"
)

// LastSnapshotKey is the context entry written by snapshot steps.
const LastSnapshotKey = "lastSnapshot"

func (e *Executor) handlerTable() map[plan.Kind]handler {
	return map[plan.Kind]handler{
		plan.KindNavigate: e.navigate,
		plan.KindClick:    e.click,
		plan.KindType:     e.typeText,
		plan.KindFillForm: e.fillForm,
		plan.KindWait:     e.wait,
		plan.KindExtract:  e.extract,
		plan.KindSnapshot: e.snapshot,
		plan.KindSubmit:   e.submit,
		plan.KindSelect:   e.selectOption,
	}
}

func invalid(format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrCodeValidation, format, args...)
}

func decode[T any](step plan.Step) (T, error) {
	params, err := plan.DecodeParams[T](step)
	if err != nil {
		return params, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid params")
	}
	return params, nil
}

func (e *Executor) requireSession() (*browser.Session, error) {
	if e.session == nil {
		return nil, browser.ErrNotStarted
	}
	return e.session, nil
}

func (e *Executor) navigate(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.NavigateParams](step)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.URL) == "" {
		return nil, invalid("navigate step requires url")
	}
	session, err := e.requireSession()
	if err != nil {
		return nil, err
	}

	timeout := e.navigateTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}
	if err := session.Navigate(ctx, params.URL, timeout); err != nil {
		if browser.IsTimeout(err) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeTimeout, "navigate timed out").
				WithContext("url", params.URL).
				WithContext("timeout", timeout.String())
		}
		return nil, err
	}
	return map[string]any{
		"action":  string(plan.KindNavigate),
		"url":     params.URL,
		"target":  session.Target(),
		"summary": "navigated to " + params.URL,
	}, nil
}

func (e *Executor) click(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.ClickParams](step)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Selector) == "" {
		return nil, invalid("click step requires selector")
	}
	ref, err := e.actOnElement(ctx, params.Selector, browser.ActionClick, browser.ActionPayload{})
	if err != nil {
		return nil, err
	}
	return actionOutput(plan.KindClick, params.Selector, ref, fmt.Sprintf("clicked %q", params.Selector)), nil
}

func (e *Executor) typeText(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.TypeParams](step)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Selector) == "" {
		return nil, invalid("type step requires selector")
	}
	if _, ok := step.Params["text"]; !ok {
		return nil, invalid("type step requires text")
	}
	payload := browser.ActionPayload{Text: params.Text, Submit: params.Submit}
	ref, err := e.actOnElement(ctx, params.Selector, browser.ActionType, payload)
	if err != nil {
		return nil, err
	}
	out := actionOutput(plan.KindType, params.Selector, ref, fmt.Sprintf("typed %d characters into %q", len(params.Text), params.Selector))
	out["submitted"] = params.Submit
	return out, nil
}

func (e *Executor) selectOption(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.SelectParams](step)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Selector) == "" {
		return nil, invalid("select step requires selector")
	}
	values := params.Options()
	if len(values) == 0 {
		return nil, invalid("select step requires value or values")
	}
	ref, err := e.actOnElement(ctx, params.Selector, browser.ActionSelect, browser.ActionPayload{Values: values})
	if err != nil {
		return nil, err
	}
	out := actionOutput(plan.KindSelect, params.Selector, ref, fmt.Sprintf("selected %s in %q", strings.Join(values, ", "), params.Selector))
	out["values"] = values
	return out, nil
}

func (e *Executor) fillForm(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.FillFormParams](step)
	if err != nil {
		return nil, err
	}
	if len(params.Fields) == 0 {
		return nil, invalid("fill_form step requires fields")
	}

	keys := make([]string, 0, len(params.Fields))
	for k := range params.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filled := make([]string, 0, len(keys))
	for _, selector := range keys {
		payload := browser.ActionPayload{Text: params.Fields[selector]}
		if _, err := e.actOnElement(ctx, selector, browser.ActionType, payload); err != nil {
			return nil, apperrors.Wrap(err, apperrors.GetCode(err), fmt.Sprintf("fill field %q", selector)).
				WithContext("filled", len(filled))
		}
		filled = append(filled, selector)
	}
	return map[string]any{
		"action":  string(plan.KindFillForm),
		"filled":  filled,
		"summary": fmt.Sprintf("filled %d fields", len(filled)),
	}, nil
}

func (e *Executor) wait(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.WaitParams](step)
	if err != nil {
		return nil, err
	}
	if params.Duration < 0 {
		return nil, invalid("wait duration must not be negative")
	}
	d := e.defaultWait
	if params.Duration > 0 {
		d = time.Duration(params.Duration) * time.Millisecond
	}
	if err := e.sleep(ctx, d); err != nil {
		return nil, err
	}
	return map[string]any{
		"action":   string(plan.KindWait),
		"duration": d.Milliseconds(),
		"summary":  fmt.Sprintf("waited %s", d),
	}, nil
}

func (e *Executor) snapshot(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.SnapshotParams](step)
	if err != nil {
		return nil, err
	}
	session, err := e.requireSession()
	if err != nil {
		return nil, err
	}
	snap, err := session.Snapshot(ctx, browser.SnapshotOptions{IncludeHidden: params.IncludeHidden})
	if err != nil {
		return nil, err
	}
	e.SetContext(map[string]any{LastSnapshotKey: snap})
	return map[string]any{
		"action":       string(plan.KindSnapshot),
		"url":          snap.URL,
		"title":        snap.Title,
		"elementCount": snap.Len(),
		"summary":      fmt.Sprintf("captured %d elements", snap.Len()),
	}, nil
}

func (e *Executor) submit(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.SubmitParams](step)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Selector) != "" {
		ref, err := e.actOnElement(ctx, params.Selector, browser.ActionClick, browser.ActionPayload{})
		if err != nil {
			return nil, err
		}
		return actionOutput(plan.KindSubmit, params.Selector, ref, fmt.Sprintf("submitted via %q", params.Selector)), nil
	}

	session, err := e.requireSession()
	if err != nil {
		return nil, err
	}
	_, err = session.PerformAction(ctx, browser.ActionPressKey, "", browser.ActionPayload{Key: "Enter"})
	recordAttempt(string(browser.ActionPressKey), err == nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"action":  string(plan.KindSubmit),
		"summary": "pressed Enter",
	}, nil
}

func (e *Executor) extract(ctx context.Context, step plan.Step) (map[string]any, error) {
	params, err := decode[plan.ExtractParams](step)
	if err != nil {
		return nil, err
	}
	selectors := params.Selectors
	if len(selectors) == 0 && strings.TrimSpace(params.Selector) != "" {
		selectors = []string{params.Selector}
	}
	if len(selectors) == 0 {
		return nil, invalid("extract step requires selector or selectors")
	}
	session, err := e.requireSession()
	if err != nil {
		return nil, err
	}
	snap, err := session.Snapshot(ctx, browser.SnapshotOptions{})
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(selectors))
	for _, selector := range selectors {
		values[selector] = nil
		ref, ok := browser.Resolve(selector, snap)
		if !ok {
			continue
		}
		desc, _ := snap.Lookup(ref)
		values[selector] = readValue(desc, params.Attribute)
	}

	// A single selector may be stored under an explicit key.
	if len(params.Selectors) == 0 && params.Key != "" {
		values = map[string]any{params.Key: values[params.Selector]}
	}
	e.SetContext(values)

	return map[string]any{
		"action":    string(plan.KindExtract),
		"extracted": values,
		"summary":   fmt.Sprintf("extracted %d values", len(values)),
	}, nil
}

// readValue picks attribute, then value, then text, then name.
func readValue(desc browser.Descriptor, attribute string) string {
	if attribute != "" {
		if v := desc.Attributes[attribute]; v != "" {
			return v
		}
	}
	for _, v := range []string{desc.Value, desc.Text, desc.Name} {
		if v != "" {
			return v
		}
	}
	return ""
}

func actionOutput(kind plan.Kind, selector, ref, summary string) map[string]any {
	return map[string]any{
		"action":  string(kind),
		"target":  selector,
		"ref":     ref,
		"summary": summary,
	}
}
