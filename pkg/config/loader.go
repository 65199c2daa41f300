package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/odvcencio/planrunner/pkg/errors"
)

const envPrefix = "PLANRUNNER_"

// Load applies, in order: defaults, ~/.planrunner/config.yaml,
// ./.planrunner/config.yaml, ./.env, and PLANRUNNER_* variables. The process
// environment wins over .env.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".planrunner", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading user config")
		}
	}

	projectConfigPath := filepath.Join(".", ".planrunner", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading project config")
	}

	return finish(cfg, loadDotEnv(".env"))
}

// LoadFromPath loads defaults plus one config file, then env overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadAndMerge(cfg, path); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading config from "+path)
	}
	return finish(cfg, loadDotEnv(filepath.Join(filepath.Dir(path), ".env")))
}

func finish(cfg *Config, dotenv map[string]string) (*Config, error) {
	if err := applyEnvOverrides(cfg, envLookup(dotenv)); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAndMerge decodes a YAML file over cfg. Keys absent from the file keep
// their current values. Durations take the same forms as in the environment.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "parsing YAML")
	}
	if len(doc.Content) == 0 {
		return nil
	}
	msDurations(&doc, reflect.TypeOf(cfg))
	if err := doc.Decode(cfg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "parsing YAML")
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// msDurations rewrites bare integers under time.Duration fields to
// millisecond strings ("1500" -> "1500ms") before decoding.
func msDurations(node *yaml.Node, t reflect.Type) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			msDurations(child, t)
		}
	case yaml.MappingNode:
		if t.Kind() != reflect.Struct {
			return
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			field, ok := yamlField(t, node.Content[i].Value)
			if !ok {
				continue
			}
			value := node.Content[i+1]
			if field.Type != durationType {
				msDurations(value, field.Type)
				continue
			}
			if value.Kind == yaml.ScalarNode && value.ShortTag() == "!!int" {
				value.Value += "ms"
				value.Tag = "!!str"
			}
		}
	}
}

func yamlField(t reflect.Type, key string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		if name == key {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

// loadDotEnv reads a .env file without touching the process environment. A
// missing or unreadable file yields no values.
func loadDotEnv(path string) map[string]string {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return vars
}

type lookupFunc func(key string) (string, bool)

func envLookup(dotenv map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

// applyEnvOverrides applies PLANRUNNER_* overrides. Malformed values are a
// parse error rather than silently ignored.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	o := overrider{lookup: lookup}

	o.setInt("MAX_RETRIES", &cfg.Executor.MaxRetries)
	o.setDuration("RETRY_BASE_DELAY", &cfg.Executor.RetryBaseDelay)
	o.setDuration("DEFAULT_WAIT", &cfg.Executor.DefaultWait)
	o.setDuration("NAVIGATE_TIMEOUT", &cfg.Executor.NavigateTimeout)

	o.setString("PUBLISHER_URL", &cfg.BlobStore.PublisherURL)
	o.setString("AGGREGATOR_URL", &cfg.BlobStore.AggregatorURL)
	o.setInt("EPOCHS", &cfg.BlobStore.Epochs)
	o.setInt("BLOB_MAX_RETRIES", &cfg.BlobStore.MaxRetries)
	o.setDuration("BLOB_RETRY_BASE_DELAY", &cfg.BlobStore.RetryBaseDelay)
	o.setDuration("REQUEST_TIMEOUT", &cfg.BlobStore.RequestTimeout)
	o.setFloat("REQUESTS_PER_SECOND", &cfg.BlobStore.RequestsPerSecond)

	o.setBool("AUTO_STORE", &cfg.Trace.AutoStore)
	o.setBool("GRACEFUL_DEGRADATION", &cfg.Trace.GracefulDegradation)
	o.setDuration("STORE_TIMEOUT", &cfg.Trace.StoreTimeout)

	o.setString("BROWSER_TRANSPORT", &cfg.Browser.Transport)
	o.setString("MCP_COMMAND", &cfg.Browser.MCP.Command)
	if v, ok := o.get("MCP_ARGS"); ok {
		cfg.Browser.MCP.Args = strings.Fields(v)
	}
	o.setDuration("MCP_TIMEOUT", &cfg.Browser.MCP.Timeout)
	o.setBool("HEADLESS", &cfg.Browser.Rod.Headless)
	o.setString("DEBUGGER_URL", &cfg.Browser.Rod.DebuggerURL)

	o.setString("LEDGER_PATH", &cfg.Storage.LedgerPath)
	o.setString("LOG_DIR", &cfg.Logging.Dir)
	o.setString("LOG_LEVEL", &cfg.Logging.Level)
	o.setString("BIND", &cfg.Server.Bind)

	if len(o.errs) > 0 {
		return apperrors.New(apperrors.ErrCodeConfigParse, strings.Join(o.errs, "; "))
	}
	return nil
}

type overrider struct {
	lookup lookupFunc
	errs   []string
}

func (o *overrider) get(name string) (string, bool) {
	v, ok := o.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (o *overrider) fail(name, raw string, err error) {
	o.errs = append(o.errs, fmt.Sprintf("%s%s=%q: %v", envPrefix, name, raw, err))
}

func (o *overrider) setString(name string, dst *string) {
	if v, ok := o.get(name); ok {
		*dst = v
	}
}

func (o *overrider) setInt(name string, dst *int) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.fail(name, v, err)
		return
	}
	*dst = n
}

func (o *overrider) setFloat(name string, dst *float64) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		o.fail(name, v, err)
		return
	}
	*dst = f
}

func (o *overrider) setBool(name string, dst *bool) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.fail(name, v, err)
		return
	}
	*dst = b
}

// setDuration accepts Go durations ("1.5s") or bare milliseconds ("1500").
func (o *overrider) setDuration(name string, dst *time.Duration) {
	v, ok := o.get(name)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.fail(name, v, err)
		return
	}
	*dst = d
}

func (c *Config) expandPaths() {
	c.Storage.LedgerPath = expandHomeDir(c.Storage.LedgerPath)
	c.Logging.Dir = expandHomeDir(c.Logging.Dir)
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
