// Package rod drives a local or remote Chromium through the DevTools
// protocol. Snapshot refs are attributes stamped into the live DOM.
package rod

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gorod "github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/planrunner/pkg/browser"
)

// Config controls how Chromium is reached.
type Config struct {
	Headless      bool
	DebuggerURL   string
	Viewport      browser.Viewport
	ActionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Viewport.Width <= 0 {
		c.Viewport.Width = 1280
	}
	if c.Viewport.Height <= 0 {
		c.Viewport.Height = 720
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	return c
}

var _ browser.Transport = (*Transport)(nil)

// Transport implements browser.Transport with go-rod.
type Transport struct {
	cfg      Config
	launcher *launcher.Launcher
	browser  *gorod.Browser
	page     *gorod.Page
}

// New creates an unopened transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg.withDefaults()}
}

// Open launches Chromium (unless a debugger URL is configured) and opens a
// blank page.
func (t *Transport) Open(ctx context.Context) error {
	if t.browser != nil {
		return nil
	}

	controlURL := t.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Leakless(true).Headless(t.cfg.Headless)
		u, err := l.Launch()
		if err != nil {
			return browser.WrapTransportError("start", browser.CodeUnavailable, "launch chromium", err)
		}
		t.launcher = l
		controlURL = u
	}

	b := gorod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		t.cleanupLauncher()
		return browser.WrapTransportError("start", browser.CodeUnavailable, "connect to chromium", err)
	}
	// Detach from the start context so later calls are not bound to it.
	b = b.Context(context.Background())

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		t.cleanupLauncher()
		return browser.WrapTransportError("start", browser.CodeUnavailable, "open page", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             t.cfg.Viewport.Width,
		Height:            t.cfg.Viewport.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = b.Close()
		t.cleanupLauncher()
		return browser.WrapTransportError("start", browser.CodeRemote, "set viewport", err)
	}

	t.browser = b
	t.page = page
	return nil
}

// Navigate loads url and waits for the load event. The target is the page's
// DevTools target id.
func (t *Transport) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if t.page == nil {
		return "", browser.ErrNotStarted
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	page := t.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return "", browser.WrapTransportError("navigate", "", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", browser.WrapTransportError("navigate", "", "wait load", err)
	}
	return string(t.page.TargetID), nil
}

// Snapshot tags candidate elements and reads their descriptors.
func (t *Transport) Snapshot(ctx context.Context, _ string, opts browser.SnapshotOptions) (*browser.Snapshot, error) {
	if t.page == nil {
		return nil, browser.ErrNotStarted
	}
	page := t.page.Context(ctx)
	res, err := page.Evaluate(gorod.Eval(snapshotScript, opts.IncludeHidden))
	if err != nil {
		return nil, browser.WrapTransportError("snapshot", "", "evaluate snapshot script", err)
	}
	elements, err := decodeElements(res.Value.Str())
	if err != nil {
		return nil, browser.WrapTransportError("snapshot", browser.CodeRemote, "decode snapshot", err)
	}

	info, err := page.Info()
	if err != nil {
		return nil, browser.WrapTransportError("snapshot", "", "page info", err)
	}
	snap := browser.NewSnapshot(info.URL, elements)
	snap.Title = info.Title
	return snap, nil
}

// Act finds the tagged element and performs the action on it.
func (t *Transport) Act(ctx context.Context, target string, action browser.Action) (*browser.ActionResult, error) {
	if t.page == nil {
		return nil, browser.ErrNotStarted
	}
	op := string(action.Kind)
	page := t.page.Context(ctx)

	if action.Kind == browser.ActionPressKey {
		if err := page.Keyboard.Type(keyFor(action.Payload.Key)); err != nil {
			return nil, browser.WrapTransportError(op, "", "press key", err)
		}
		return &browser.ActionResult{Kind: action.Kind, URL: target, Message: "pressed " + keyName(action.Payload.Key)}, nil
	}

	el, err := page.Timeout(t.cfg.ActionTimeout).Element(refSelector(action.Ref))
	if err != nil {
		return nil, browser.WrapTransportError(op, browser.CodeNotFound, "element "+action.Ref, err)
	}
	el = el.CancelTimeout().Context(ctx)

	var message string
	switch action.Kind {
	case browser.ActionClick:
		err = el.Click(proto.InputMouseButtonLeft, 1)
		message = "clicked " + action.Ref
	case browser.ActionType:
		if err = el.SelectAllText(); err == nil {
			err = el.Input(action.Payload.Text)
		}
		if err == nil && action.Payload.Submit {
			err = page.Keyboard.Type(input.Enter)
		}
		message = fmt.Sprintf("typed %d chars into %s", len(action.Payload.Text), action.Ref)
	case browser.ActionSelect:
		err = el.Select(action.Payload.Values, true, gorod.SelectorTypeText)
		message = fmt.Sprintf("selected %s in %s", strings.Join(action.Payload.Values, ", "), action.Ref)
	default:
		return nil, browser.NewTransportError(op, browser.CodeUnsupported, "unsupported action")
	}
	if err != nil {
		return nil, browser.WrapTransportError(op, "", action.Ref, err)
	}
	return &browser.ActionResult{Kind: action.Kind, Ref: action.Ref, URL: target, Message: message}, nil
}

// Close closes the browser and any launched process.
func (t *Transport) Close(context.Context) error {
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	t.page = nil
	t.cleanupLauncher()
	if err != nil {
		return browser.WrapTransportError("stop", "", "close chromium", err)
	}
	return nil
}

func (t *Transport) cleanupLauncher() {
	if t.launcher != nil {
		t.launcher.Kill()
		t.launcher = nil
	}
}

type domElement struct {
	Ref         string            `json:"ref"`
	Role        string            `json:"role"`
	Name        string            `json:"name"`
	Label       string            `json:"label"`
	Text        string            `json:"text"`
	Value       string            `json:"value"`
	Placeholder string            `json:"placeholder"`
	Attributes  map[string]string `json:"attributes"`
}

func decodeElements(raw string) ([]browser.Element, error) {
	var items []domElement
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	out := make([]browser.Element, 0, len(items))
	for _, item := range items {
		if item.Ref == "" {
			continue
		}
		attrs := item.Attributes
		if len(attrs) == 0 {
			attrs = nil
		}
		out = append(out, browser.Element{
			Ref: item.Ref,
			Descriptor: browser.Descriptor{
				Role:        item.Role,
				Name:        item.Name,
				Label:       item.Label,
				Text:        item.Text,
				Value:       item.Value,
				Placeholder: item.Placeholder,
				Attributes:  attrs,
			},
		})
	}
	return out, nil
}

func refSelector(ref string) string {
	return fmt.Sprintf(`[%s=%q]`, refAttr, ref)
}

func keyName(key string) string {
	if key == "" {
		return "Enter"
	}
	return key
}

func keyFor(name string) input.Key {
	switch strings.ToLower(keyName(name)) {
	case "tab":
		return input.Tab
	case "escape", "esc":
		return input.Escape
	case "backspace":
		return input.Backspace
	case "arrowdown":
		return input.ArrowDown
	case "arrowup":
		return input.ArrowUp
	case "space":
		return input.Space
	default:
		return input.Enter
	}
}
