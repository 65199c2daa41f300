// Package playwright adapts a Playwright MCP server to the browser.Transport
// port. Elements are addressed by the aria refs the server assigns in each
// browser_snapshot.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/planrunner/pkg/browser"
	"github.com/odvcencio/planrunner/pkg/mcp"
)

const (
	toolNavigate     = "browser_navigate"
	toolSnapshot     = "browser_snapshot"
	toolClick        = "browser_click"
	toolType         = "browser_type"
	toolSelectOption = "browser_select_option"
	toolPressKey     = "browser_press_key"
	toolClose        = "browser_close"
)

// ToolCaller is the subset of the MCP client the transport needs.
type ToolCaller interface {
	Initialize(ctx context.Context) error
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolCallResult, error)
	Close() error
}

// Dialer starts a server and returns a connected caller.
type Dialer func(cfg mcp.Config) (ToolCaller, error)

// DefaultMaxReconnects bounds how often a lost server is restarted between
// successful tool calls.
const DefaultMaxReconnects = 2

var _ browser.Transport = (*Transport)(nil)

// Transport drives a Playwright MCP server. When the server process dies the
// next tool call restarts it once and replays the call. Page state is lost on
// restart, so callers see the replayed call against a fresh browser.
type Transport struct {
	cfg    mcp.Config
	dial   Dialer
	client ToolCaller

	maxReconnects int
	reconnects    int
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer overrides how the server is started.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// WithMaxReconnects sets how many consecutive restarts are attempted before
// calls fail with browser.ErrReconnectFailed. Zero disables reconnecting.
func WithMaxReconnects(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxReconnects = n
		}
	}
}

// New creates a transport that spawns the server described by cfg on Open.
func New(cfg mcp.Config, opts ...Option) *Transport {
	if cfg.Name == "" {
		cfg.Name = "playwright"
	}
	t := &Transport{
		cfg:           cfg,
		maxReconnects: DefaultMaxReconnects,
		dial: func(cfg mcp.Config) (ToolCaller, error) {
			return mcp.NewClient(cfg)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open starts the server and performs the MCP handshake.
func (t *Transport) Open(ctx context.Context) error {
	if t.client != nil {
		return nil
	}
	client, err := t.connect(ctx, "start")
	if err != nil {
		return err
	}
	t.client = client
	t.reconnects = 0
	return nil
}

func (t *Transport) connect(ctx context.Context, op string) (ToolCaller, error) {
	client, err := t.dial(t.cfg)
	if err != nil {
		return nil, browser.WrapTransportError(op, browser.CodeUnavailable, "start mcp server", err)
	}
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, browser.WrapTransportError(op, browser.CodeUnavailable, "mcp handshake", err)
	}
	return client, nil
}

// reconnect replaces a dead client. The old client stays in place when the
// restart fails, so the next call fails fast and tries again until the
// budget runs out.
func (t *Transport) reconnect(ctx context.Context, op string, cause error) error {
	if t.reconnects >= t.maxReconnects {
		return browser.WrapTransportError(op, browser.CodeConnectionLost, "mcp server lost",
			fmt.Errorf("%w after %d restarts: %v", browser.ErrReconnectFailed, t.reconnects, cause))
	}
	t.reconnects++
	_ = t.client.Close()

	client, err := t.connect(ctx, op)
	if err != nil {
		return err
	}
	t.client = client
	return nil
}

// Navigate loads url. The returned target is the page URL the server reports.
func (t *Transport) Navigate(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := t.call(ctx, "navigate", toolNavigate, map[string]any{"url": url})
	if err != nil {
		return "", err
	}
	page, perr := parseSnapshotText(res.Text())
	if perr == nil && page.URL != "" {
		return page.URL, nil
	}
	return url, nil
}

// Snapshot requests the accessibility snapshot and flattens it.
func (t *Transport) Snapshot(ctx context.Context, target string, _ browser.SnapshotOptions) (*browser.Snapshot, error) {
	res, err := t.call(ctx, "snapshot", toolSnapshot, map[string]any{})
	if err != nil {
		return nil, err
	}
	page, err := parseSnapshotText(res.Text())
	if err != nil {
		return nil, browser.WrapTransportError("snapshot", browser.CodeRemote, "decode snapshot", err)
	}
	url := page.URL
	if url == "" {
		url = target
	}
	snap := browser.NewSnapshot(url, page.Elements)
	snap.Title = page.Title
	return snap, nil
}

// Act maps an action onto the matching browser_* tool.
func (t *Transport) Act(ctx context.Context, target string, action browser.Action) (*browser.ActionResult, error) {
	var (
		tool string
		args map[string]any
	)
	switch action.Kind {
	case browser.ActionClick:
		tool = toolClick
		args = map[string]any{"element": action.Ref, "ref": action.Ref}
	case browser.ActionType:
		tool = toolType
		args = map[string]any{"element": action.Ref, "ref": action.Ref, "text": action.Payload.Text}
		if action.Payload.Submit {
			args["submit"] = true
		}
	case browser.ActionSelect:
		tool = toolSelectOption
		args = map[string]any{"element": action.Ref, "ref": action.Ref, "values": action.Payload.Values}
	case browser.ActionPressKey:
		tool = toolPressKey
		key := action.Payload.Key
		if key == "" {
			key = "Enter"
		}
		args = map[string]any{"key": key}
	default:
		return nil, browser.NewTransportError(string(action.Kind), browser.CodeUnsupported, "unsupported action")
	}

	res, err := t.call(ctx, string(action.Kind), tool, args)
	if err != nil {
		return nil, err
	}
	return &browser.ActionResult{
		Kind:    action.Kind,
		Ref:     action.Ref,
		URL:     target,
		Message: firstLine(res.Text()),
	}, nil
}

// Close closes the browser and shuts the server down.
func (t *Transport) Close(ctx context.Context) error {
	if t.client == nil {
		return nil
	}
	client := t.client
	t.client = nil
	_, callErr := client.CallTool(ctx, toolClose, map[string]any{})
	closeErr := client.Close()
	if closeErr != nil {
		return browser.WrapTransportError("stop", "", "close mcp client", closeErr)
	}
	if callErr != nil && !errors.Is(callErr, mcp.ErrClosed) {
		return browser.WrapTransportError("stop", "", "browser_close", callErr)
	}
	return nil
}

func (t *Transport) call(ctx context.Context, op, tool string, args map[string]any) (*mcp.ToolCallResult, error) {
	if t.client == nil {
		return nil, browser.ErrNotStarted
	}
	res, err := t.client.CallTool(ctx, tool, args)
	if err == nil {
		t.reconnects = 0
		return res, nil
	}
	err = classify(op, tool, err)
	if !browser.IsConnectionError(err) || ctx.Err() != nil {
		return nil, err
	}
	if rerr := t.reconnect(ctx, op, err); rerr != nil {
		return nil, rerr
	}
	res, err = t.client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, classify(op, tool, err)
	}
	t.reconnects = 0
	return res, nil
}

func classify(op, tool string, err error) error {
	code := ""
	switch {
	case errors.Is(err, mcp.ErrClosed):
		code = browser.CodeConnectionLost
	case errors.Is(err, context.DeadlineExceeded):
		code = browser.CodeTimeout
	default:
		var toolErr *mcp.ToolError
		if errors.As(err, &toolErr) {
			msg := strings.ToLower(toolErr.Message)
			if strings.Contains(msg, "ref") && strings.Contains(msg, "not found") {
				code = browser.CodeNotFound
			} else if strings.Contains(msg, "timeout") {
				code = browser.CodeTimeout
			} else {
				code = browser.CodeRemote
			}
		}
	}
	return browser.WrapTransportError(op, code, tool, err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
