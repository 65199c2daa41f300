// Package config loads planrunner settings from defaults, YAML files, .env
// and PLANRUNNER_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/odvcencio/planrunner/pkg/blobstore"
	"github.com/odvcencio/planrunner/pkg/browser"
	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/logging"
	"github.com/odvcencio/planrunner/pkg/mcp"
)

// Browser transports.
const (
	TransportMCP = "mcp"
	TransportRod = "rod"
)

const (
	DefaultMaxRetries      = 3
	DefaultRetryBaseDelay  = time.Second
	DefaultWait            = time.Second
	DefaultNavigateTimeout = 30 * time.Second
	DefaultServerBind      = "127.0.0.1:8088"
)

// Config is the complete planrunner configuration.
type Config struct {
	Executor  ExecutorConfig   `yaml:"executor"`
	BlobStore blobstore.Config `yaml:"blob_store"`
	Trace     TraceConfig      `yaml:"trace"`
	Browser   BrowserConfig    `yaml:"browser"`
	Storage   StorageConfig    `yaml:"storage"`
	Logging   LoggingConfig    `yaml:"logging"`
	Server    ServerConfig     `yaml:"server"`
}

// ExecutorConfig tunes step execution.
type ExecutorConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	DefaultWait     time.Duration `yaml:"default_wait"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
}

// TraceConfig controls trace persistence.
type TraceConfig struct {
	AutoStore           bool          `yaml:"auto_store"`
	GracefulDegradation bool          `yaml:"graceful_degradation"`
	StoreTimeout        time.Duration `yaml:"store_timeout"`
}

// BrowserConfig selects and configures the control surface.
type BrowserConfig struct {
	Transport string     `yaml:"transport"`
	MCP       mcp.Config `yaml:"mcp"`
	Rod       RodConfig  `yaml:"rod"`
}

// RodConfig configures the local Chromium transport.
type RodConfig struct {
	Headless      bool             `yaml:"headless"`
	DebuggerURL   string           `yaml:"debugger_url"`
	Viewport      browser.Viewport `yaml:"viewport"`
	ActionTimeout time.Duration    `yaml:"action_timeout"`
}

// StorageConfig locates the blob ledger. An empty path disables it.
type StorageConfig struct {
	LedgerPath string `yaml:"ledger_path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// ServerConfig configures the metrics and trace HTTP surface.
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxRetries:      DefaultMaxRetries,
			RetryBaseDelay:  DefaultRetryBaseDelay,
			DefaultWait:     DefaultWait,
			NavigateTimeout: DefaultNavigateTimeout,
		},
		BlobStore: blobstore.DefaultConfig(),
		Trace: TraceConfig{
			AutoStore:           true,
			GracefulDegradation: true,
			StoreTimeout:        2 * time.Minute,
		},
		Browser: BrowserConfig{
			Transport: TransportMCP,
			MCP: mcp.Config{
				Name:    "playwright",
				Command: "npx",
				Args:    []string{"@playwright/mcp@latest", "--headless"},
				Timeout: 60 * time.Second,
			},
			Rod: RodConfig{
				Headless:      true,
				Viewport:      browser.Viewport{Width: 1280, Height: 720},
				ActionTimeout: 10 * time.Second,
			},
		},
		Storage: StorageConfig{
			LedgerPath: "~/.planrunner/ledger.db",
		},
		Logging: LoggingConfig{
			Dir:   "~/.planrunner/logs",
			Level: string(logging.LevelInfo),
		},
		Server: ServerConfig{
			Bind: DefaultServerBind,
		},
	}
}

// BlobStoreEnabled reports whether both blob store endpoints are set.
func (c *Config) BlobStoreEnabled() bool {
	return strings.TrimSpace(c.BlobStore.PublisherURL) != "" && strings.TrimSpace(c.BlobStore.AggregatorURL) != ""
}

// Validate checks the configuration for values the components would reject.
func (c *Config) Validate() error {
	var problems []string

	if c.Executor.MaxRetries < 1 {
		problems = append(problems, "executor.max_retries must be at least 1")
	}
	if c.Executor.RetryBaseDelay < 0 {
		problems = append(problems, "executor.retry_base_delay must not be negative")
	}
	if c.Executor.DefaultWait < 0 || c.Executor.NavigateTimeout < 0 {
		problems = append(problems, "executor durations must not be negative")
	}

	if c.BlobStore.MaxRetries < 1 {
		problems = append(problems, "blob_store.max_retries must be at least 1")
	}
	if c.BlobStore.Epochs < 1 {
		problems = append(problems, "blob_store.epochs must be at least 1")
	}
	if c.BlobStore.RequestsPerSecond < 0 {
		problems = append(problems, "blob_store.requests_per_second must not be negative")
	}
	for name, raw := range map[string]string{
		"blob_store.publisher_url":  c.BlobStore.PublisherURL,
		"blob_store.aggregator_url": c.BlobStore.AggregatorURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("%s %q is not an absolute URL", name, raw))
		}
	}

	switch c.Browser.Transport {
	case TransportMCP:
		if strings.TrimSpace(c.Browser.MCP.Command) == "" {
			problems = append(problems, "browser.mcp.command is required for the mcp transport")
		}
	case TransportRod:
	default:
		problems = append(problems, fmt.Sprintf("browser.transport %q must be %q or %q", c.Browser.Transport, TransportMCP, TransportRod))
	}

	switch logging.Level(strings.ToLower(c.Logging.Level)) {
	case "", logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not a known level", c.Logging.Level))
	}

	if len(problems) == 0 {
		return nil
	}
	return apperrors.New(apperrors.ErrCodeConfigInvalid, strings.Join(problems, "; "))
}
