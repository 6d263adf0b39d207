// Package config provides YAML configuration parsing for PageSync.
//
// This package enables running PageSync as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Builds
//	port: 8080
//
//	longpoll:
//	  queue: ${PAGESYNC_QUEUE}
//	  uri: https://example.com/+longpoll/
//	  max_failed_attempts: 5
//	  retry_delay: 1s
//
//	tasks:
//	  - name: builds
//	    uri: https://example.com/~owner/+archive/ppa
//	    operation: getBuildSummaries
//	    interval: 5s
//	    data:
//	      builds: [{id: 1, status: NEEDSBUILD}]
//	    params:
//	      pending:
//	        list: builds
//	        id_field: id
//	        status_field: status
//	        pending: [NEEDSBUILD, BUILDING]
//	        param: build_ids
//	    stop_when: no_pending
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort     = 8080
	defaultInterval = 5 * time.Second

	defaultShortProcessingTime = time.Second
	defaultLongProcessingTime  = 5 * time.Second

	// minInterval keeps a mistyped config from hammering an endpoint.
	minInterval = time.Second
	maxInterval = time.Hour
)

// Config is the root configuration structure for PageSync.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "PageSync" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// LongPoll enables the long-poll event client when present.
	LongPoll *LongPollConfig `yaml:"longpoll"`

	// Tasks defines the fragments kept in sync.
	Tasks []TaskConfig `yaml:"tasks"`
}

// LongPollConfig defines the long-poll event client.
type LongPollConfig struct {
	// Queue is the queue key sent as the uuid parameter.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Queue string `yaml:"queue"`

	// URI is the long-poll endpoint.
	URI string `yaml:"uri"`

	// MaxFailedAttempts is how many consecutive failures halt the long poll.
	// Defaults to 5.
	MaxFailedAttempts int `yaml:"max_failed_attempts"`

	// RetryDelay is the pause after a failed poll. Defaults to 1s.
	RetryDelay Duration `yaml:"retry_delay"`

	// Timeout bounds one held-open request. Defaults to 60s.
	Timeout Duration `yaml:"timeout"`

	StartEvent   string `yaml:"start_event"`
	FailureEvent string `yaml:"failure_event"`

	// Repoll continues polling after a success. Defaults to true.
	Repoll *bool `yaml:"repoll"`
}

// TaskConfig defines a single refresh task.
type TaskConfig struct {
	// Name identifies the task and the fragment it maintains.
	Name string `yaml:"name"`

	// URI is the resource the operation is invoked on.
	// Supports environment variable substitution.
	URI string `yaml:"uri"`

	// Operation is the remote operation name, sent as ws.op.
	Operation string `yaml:"operation"`

	// Interval is the base refresh interval. Must be between 1s and 1h.
	// Defaults to 5s.
	Interval Duration `yaml:"interval"`

	// ShortProcessingTime and LongProcessingTime drive the adaptive
	// interval. Default to 1s and 5s when unset.
	ShortProcessingTime Duration `yaml:"short_processing_time"`
	LongProcessingTime  Duration `yaml:"long_processing_time"`

	// Timeout is the request timeout. Defaults to 30s.
	Timeout Duration `yaml:"timeout"`

	// Headers are custom HTTP headers sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// Data is the fragment's initial content.
	Data map[string]any `yaml:"data"`

	// Apply determines how a response changes the fragment.
	// Can be shorthand ("merge", "replace", "field:path") or structured.
	Apply ApplyConfig `yaml:"apply"`

	// Params determines the request parameters.
	Params ParamsConfig `yaml:"params"`

	// StopWhen determines when the task stops for good.
	// Can be shorthand ("never", "no_pending", "field:path=value") or structured.
	StopWhen StopConfig `yaml:"stop_when"`
}

// ApplyConfig specifies how a response is applied to a fragment.
//
// It supports two formats in YAML:
//
// Shorthand string:
//
//	apply: merge
//	apply: replace
//	apply: field:summary.builds
//
// Structured object:
//
//	apply:
//	  type: field
//	  path: summary.builds
//	  key: builds
type ApplyConfig struct {
	// Type is "merge", "replace" or "field". Empty means merge.
	Type string

	// Path is the response field to store (for type: field).
	Path string

	// Key is the fragment key to store it under. Defaults to the last
	// segment of Path.
	Key string
}

// ParamsConfig specifies request parameters. Static and Pending are
// mutually exclusive.
type ParamsConfig struct {
	// Static parameters are sent with every request.
	Static map[string]any `yaml:"static"`

	// Pending sends the IDs of unfinished items and skips the round when
	// there are none.
	Pending *PendingConfig `yaml:"pending"`
}

// PendingConfig selects unfinished items from a list in the fragment.
type PendingConfig struct {
	List        string   `yaml:"list"`
	IDField     string   `yaml:"id_field"`
	StatusField string   `yaml:"status_field"`
	Pending     []string `yaml:"pending"`
	Param       string   `yaml:"param"`
}

// StopConfig specifies when a task stops.
//
// Shorthand string:
//
//	stop_when: never
//	stop_when: no_pending
//	stop_when: field:state=done
//
// Structured object:
//
//	stop_when:
//	  type: field
//	  path: state
//	  value: done
type StopConfig struct {
	// Type is "never", "no_pending" or "field". Empty means never.
	Type string

	// Path and Value are the field compared (for type: field).
	Path  string
	Value string
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler for ApplyConfig.
func (a *ApplyConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		return a.parseShorthand(s)

	case yaml.MappingNode:
		// temporary struct to avoid infinite recursion
		var raw struct {
			Type string `yaml:"type"`
			Path string `yaml:"path"`
			Key  string `yaml:"key"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		a.Type, a.Path, a.Key = raw.Type, raw.Path, raw.Key
		return nil
	}

	return fmt.Errorf("apply must be a string or object, got %v", node.Kind)
}

// parseShorthand parses "merge", "replace", "field:path" and "field:path>key".
func (a *ApplyConfig) parseShorthand(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if rest, ok := strings.CutPrefix(s, "field:"); ok {
		a.Type = "field"
		a.Path, a.Key, _ = strings.Cut(rest, ">")
		return nil
	}

	switch s {
	case "merge", "replace":
		a.Type = s
	default:
		return fmt.Errorf("unknown apply %q (expected 'merge', 'replace', or 'field:path')", s)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for StopConfig.
func (c *StopConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		return c.parseShorthand(s)

	case yaml.MappingNode:
		var raw struct {
			Type  string `yaml:"type"`
			Path  string `yaml:"path"`
			Value string `yaml:"value"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		c.Type, c.Path, c.Value = raw.Type, raw.Path, raw.Value
		return nil
	}

	return fmt.Errorf("stop_when must be a string or object, got %v", node.Kind)
}

// parseShorthand parses "never", "no_pending" and "field:path=value".
func (c *StopConfig) parseShorthand(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if rest, ok := strings.CutPrefix(s, "field:"); ok {
		path, value, found := strings.Cut(rest, "=")
		if !found {
			return fmt.Errorf("stop_when %q must have the form field:path=value", s)
		}
		c.Type, c.Path, c.Value = "field", path, value
		return nil
	}

	switch s {
	case "never", "no_pending":
		c.Type = s
	default:
		return fmt.Errorf("unknown stop_when %q (expected 'never', 'no_pending', or 'field:path=value')", s)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part, present only when a default was given
// Group 3: the default value, possibly empty
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		sub := envVarPattern.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]

		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if hasDefault {
			return def
		}
		firstErr = fmt.Errorf("environment variable %q is not set", name)
		return match
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in URIs, the long-poll queue and
// header values. Defaults are applied for Port (8080) and task intervals (5s).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.LongPoll != nil {
		if err := c.LongPoll.expandAndValidate(); err != nil {
			return fmt.Errorf("longpoll: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Tasks))
	for i := range c.Tasks {
		t := &c.Tasks[i]

		if t.Name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("tasks[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}

		if err := t.expandAndValidate(); err != nil {
			return fmt.Errorf("tasks[%d] (%s): %w", i, t.Name, err)
		}
	}

	if len(c.Tasks) == 0 && c.LongPoll == nil {
		return errors.New("at least one task or a longpoll section must be defined")
	}

	return nil
}

func (lp *LongPollConfig) expandAndValidate() error {
	var err error
	if lp.Queue, err = expandEnvVars(lp.Queue); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if lp.Queue == "" {
		return errors.New("queue is required")
	}

	if lp.URI, err = expandEnvVars(lp.URI); err != nil {
		return fmt.Errorf("uri: %w", err)
	}
	if err := validateURI(lp.URI); err != nil {
		return err
	}

	if lp.MaxFailedAttempts < 0 {
		return fmt.Errorf("max_failed_attempts cannot be negative, got %d", lp.MaxFailedAttempts)
	}
	if lp.RetryDelay.Duration() < 0 {
		return fmt.Errorf("retry_delay cannot be negative, got %s", lp.RetryDelay.Duration())
	}
	if lp.Timeout.Duration() < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", lp.Timeout.Duration())
	}
	return nil
}

func (t *TaskConfig) expandAndValidate() error {
	var err error
	if t.URI, err = expandEnvVars(t.URI); err != nil {
		return fmt.Errorf("uri: %w", err)
	}
	if err := validateURI(t.URI); err != nil {
		return err
	}

	for k, v := range t.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("headers[%s]: %w", k, err)
		}
		t.Headers[k] = expanded
	}

	if t.Interval == 0 {
		t.Interval = Duration(defaultInterval)
	}
	if t.Interval.Duration() < minInterval {
		return fmt.Errorf("interval must be at least %s, got %s", minInterval, t.Interval.Duration())
	}
	if t.Interval.Duration() > maxInterval {
		return fmt.Errorf("interval must not exceed %s, got %s", maxInterval, t.Interval.Duration())
	}

	if t.ShortProcessingTime < 0 || t.LongProcessingTime < 0 {
		return errors.New("processing times cannot be negative")
	}
	if t.ShortProcessingTime == 0 {
		t.ShortProcessingTime = Duration(defaultShortProcessingTime)
	}
	if t.LongProcessingTime == 0 {
		t.LongProcessingTime = Duration(defaultLongProcessingTime)
	}
	if t.ShortProcessingTime > t.LongProcessingTime {
		return fmt.Errorf("short_processing_time %s exceeds long_processing_time %s",
			t.ShortProcessingTime.Duration(), t.LongProcessingTime.Duration())
	}
	if t.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", t.Timeout.Duration())
	}

	switch t.Apply.Type {
	case "", "merge", "replace":
	case "field":
		if t.Apply.Path == "" {
			return errors.New("apply type 'field' requires a path")
		}
	default:
		return fmt.Errorf("unknown apply type %q", t.Apply.Type)
	}

	if p := t.Params.Pending; p != nil {
		if len(t.Params.Static) > 0 {
			return errors.New("params: static and pending cannot be combined")
		}
		if p.List == "" || p.IDField == "" || p.StatusField == "" || p.Param == "" || len(p.Pending) == 0 {
			return errors.New("params.pending requires list, id_field, status_field, pending and param")
		}
	}

	switch t.StopWhen.Type {
	case "", "never":
	case "no_pending":
		if t.Params.Pending == nil {
			return errors.New("stop_when 'no_pending' requires params.pending")
		}
	case "field":
		if t.StopWhen.Path == "" {
			return errors.New("stop_when type 'field' requires a path")
		}
	default:
		return fmt.Errorf("unknown stop_when type %q", t.StopWhen.Type)
	}

	return nil
}

func validateURI(raw string) error {
	if raw == "" {
		return errors.New("uri is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}
	if parsed.Scheme == "" {
		return errors.New("uri must have a scheme (http:// or https://)")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("uri scheme must be http or https, got %q", parsed.Scheme)
	}
	return nil
}
