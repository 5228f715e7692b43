package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	BaseDir     string         `mapstructure:"base_dir" yaml:"base_dir" json:"base_dir"`
	Program     string         `mapstructure:"program" yaml:"program" json:"program"`
	ScopeFile   string         `mapstructure:"scope_file" yaml:"scope_file" json:"scope_file"`
	DryRun      bool           `mapstructure:"dry_run" yaml:"dry_run" json:"dry_run"`
	MetricsAddr string         `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	Cache       CacheConfig    `mapstructure:"cache" yaml:"cache" json:"cache"`
	Runner      RunnerConfig   `mapstructure:"runner" yaml:"runner" json:"runner"`
	Recon       ReconConfig    `mapstructure:"recon" yaml:"recon" json:"recon"`
	Vuln        VulnConfig     `mapstructure:"vuln" yaml:"vuln" json:"vuln"`
	Report      ReportConfig   `mapstructure:"report" yaml:"report" json:"report"`
	Throttle    ThrottleConfig `mapstructure:"throttle" yaml:"throttle" json:"throttle"`
	History     HistoryConfig  `mapstructure:"history" yaml:"history" json:"history"`
	Notify      NotifyConfig   `mapstructure:"notify" yaml:"notify" json:"notify"`

	// MaxConcurrentPrograms bounds how many programs of a multi-program
	// scope file scan at once.
	MaxConcurrentPrograms int `mapstructure:"max_concurrent_programs" yaml:"max_concurrent_programs" json:"max_concurrent_programs"`
}

type CacheConfig struct {
	Dir      string        `mapstructure:"dir" yaml:"dir" json:"dir"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	Compress bool          `mapstructure:"compress" yaml:"compress" json:"compress"`
}

type RunnerConfig struct {
	MaxOutputBytes int64         `mapstructure:"max_output_bytes" yaml:"max_output_bytes" json:"max_output_bytes"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout" json:"default_timeout"`
}

type ReconConfig struct {
	Concurrency   int          `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	IncludeSeed   bool         `mapstructure:"include_seed" yaml:"include_seed" json:"include_seed"`
	ResolveAssets bool         `mapstructure:"resolve_assets" yaml:"resolve_assets" json:"resolve_assets"`
	Nameservers   []string     `mapstructure:"nameservers" yaml:"nameservers" json:"nameservers"`
	Tools         []ToolConfig `mapstructure:"tools" yaml:"tools" json:"tools"`
}

type VulnConfig struct {
	Concurrency     int          `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	BatchSize       int          `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	UpdateTemplates bool         `mapstructure:"update_templates" yaml:"update_templates" json:"update_templates"`
	Tools           []ToolConfig `mapstructure:"tools" yaml:"tools" json:"tools"`
}

// ToolConfig configures one adapter instance. Several instances of the same
// adapter (for example two nuclei passes with different template sets) are
// distinguished by ID.
type ToolConfig struct {
	Name       string            `mapstructure:"name" yaml:"name" json:"name"`
	ID         string            `mapstructure:"id" yaml:"id" json:"id"`
	Binary     string            `mapstructure:"binary" yaml:"binary" json:"binary"`
	Args       []string          `mapstructure:"args" yaml:"args" json:"args"`
	Presets    []string          `mapstructure:"presets" yaml:"presets" json:"presets"`
	Templates  []string          `mapstructure:"templates" yaml:"templates" json:"templates"`
	Severity   []string          `mapstructure:"severity" yaml:"severity" json:"severity"`
	Headers    []string          `mapstructure:"headers" yaml:"headers" json:"headers"`
	Env        map[string]string `mapstructure:"env" yaml:"env" json:"env"`
	Timeout    time.Duration     `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	CacheTTL   time.Duration     `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
	MinVersion string            `mapstructure:"min_version" yaml:"min_version" json:"min_version"`
	Retry      RetryConfig       `mapstructure:"retry" yaml:"retry" json:"retry"`
	ExitPolicy ExitPolicyConfig  `mapstructure:"exit_policy" yaml:"exit_policy" json:"exit_policy"`
}

type RetryConfig struct {
	Attempts   int           `mapstructure:"attempts" yaml:"attempts" json:"attempts"`
	Backoff    time.Duration `mapstructure:"backoff" yaml:"backoff" json:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" json:"max_backoff"`
}

type ExitPolicyConfig struct {
	SuccessCodes         []int `mapstructure:"success_codes" yaml:"success_codes" json:"success_codes"`
	NoResultCodes        []int `mapstructure:"no_result_codes" yaml:"no_result_codes" json:"no_result_codes"`
	SilentFailureIsEmpty *bool `mapstructure:"silent_failure_is_empty" yaml:"silent_failure_is_empty" json:"silent_failure_is_empty"`
}

type ReportConfig struct {
	Dir           string   `mapstructure:"dir" yaml:"dir" json:"dir"`
	Formats       []string `mapstructure:"formats" yaml:"formats" json:"formats"`
	MinSeverity   string   `mapstructure:"min_severity" yaml:"min_severity" json:"min_severity"`
	TemplateDir   string   `mapstructure:"template_dir" yaml:"template_dir" json:"template_dir"`
	IncludeAssets bool     `mapstructure:"include_assets" yaml:"include_assets" json:"include_assets"`
}

type ThrottleConfig struct {
	DefaultRPS       float64            `mapstructure:"default_rps" yaml:"default_rps" json:"default_rps"`
	Burst            int                `mapstructure:"burst" yaml:"burst" json:"burst"`
	ProgramOverrides map[string]float64 `mapstructure:"program_overrides" yaml:"program_overrides" json:"program_overrides"`
}

type HistoryConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	DailyLimit  int           `mapstructure:"daily_limit" yaml:"daily_limit" json:"daily_limit"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval" json:"min_interval"`
}

type NotifyConfig struct {
	Server      string        `mapstructure:"server" yaml:"server" json:"server"`
	Topic       string        `mapstructure:"topic" yaml:"topic" json:"topic"`
	Token       string        `mapstructure:"token" yaml:"token" json:"token"`
	PayableTags []string      `mapstructure:"payable_tags" yaml:"payable_tags" json:"payable_tags"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		BaseDir:   ".",
		Program:   "default",
		ScopeFile: "config/scope.yaml",
		Cache: CacheConfig{
			Dir:      "cache",
			TTL:      24 * time.Hour,
			Compress: true,
		},
		Runner: RunnerConfig{
			MaxOutputBytes: 64 << 20,
			DefaultTimeout: 30 * time.Minute,
		},
		Recon: ReconConfig{
			Concurrency: 4,
			IncludeSeed: true,
			Nameservers: []string{"1.1.1.1:53", "8.8.8.8:53"},
			Tools: []ToolConfig{
				{
					Name:    "bbot",
					Presets: []string{"subdomain-enum"},
					Timeout: 30 * time.Minute,
					Retry:   RetryConfig{Attempts: 1},
				},
			},
		},
		Vuln: VulnConfig{
			Concurrency:     2,
			BatchSize:       50,
			UpdateTemplates: true,
			Tools: []ToolConfig{
				{
					Name:     "nuclei",
					Severity: []string{"high", "critical"},
					Timeout:  30 * time.Minute,
					Retry:    RetryConfig{Attempts: 2, Backoff: 5 * time.Second},
				},
			},
		},
		Report: ReportConfig{
			Dir:     "output",
			Formats: []string{"json", "markdown"},
		},
		Throttle: ThrottleConfig{
			DefaultRPS: 1,
			Burst:      1,
		},
		History: HistoryConfig{
			Enabled:     false,
			DailyLimit:  3,
			MinInterval: 4 * time.Hour,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		MaxConcurrentPrograms: 2,
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Program) == "" {
		return NewConfigError("program", "must not be empty")
	}
	if c.MaxConcurrentPrograms <= 0 {
		return NewConfigError("max_concurrent_programs", "must be positive")
	}
	if c.Cache.TTL < 0 {
		return NewConfigError("cache.ttl", "must not be negative")
	}
	if c.Runner.MaxOutputBytes <= 0 {
		return NewConfigError("runner.max_output_bytes", "must be positive")
	}
	if c.Recon.Concurrency <= 0 {
		return NewConfigError("recon.concurrency", "must be positive")
	}
	if c.Vuln.Concurrency <= 0 {
		return NewConfigError("vuln.concurrency", "must be positive")
	}
	if c.Vuln.BatchSize <= 0 {
		return NewConfigError("vuln.batch_size", "must be positive")
	}
	if len(c.Recon.Tools) == 0 {
		return NewConfigError("recon.tools", "at least one recon tool is required")
	}
	seen := make(map[string]bool)
	for i, group := range [][]ToolConfig{c.Recon.Tools, c.Vuln.Tools} {
		for j, tc := range group {
			if tc.Name == "" {
				return NewConfigError(fmt.Sprintf("tools[%d][%d].name", i, j), "must not be empty")
			}
			id := tc.Identifier()
			if seen[id] {
				return NewConfigError("tools", "duplicate tool id %q", id)
			}
			seen[id] = true
			if tc.Retry.Attempts < 0 {
				return NewConfigError(id+".retry.attempts", "must not be negative")
			}
		}
	}
	if c.Throttle.DefaultRPS < 0 {
		return NewConfigError("throttle.default_rps", "must not be negative")
	}
	if c.History.Enabled && c.History.DailyLimit <= 0 {
		return NewConfigError("history.daily_limit", "must be positive when history is enabled")
	}
	if c.Report.MinSeverity != "" && ParseSeverity(c.Report.MinSeverity) == SeverityUnknown {
		return NewConfigError("report.min_severity", "unknown severity %q", c.Report.MinSeverity)
	}
	return nil
}

// Identifier is the unique name of a tool instance, used as the cache
// namespace and in reports.
func (tc ToolConfig) Identifier() string {
	if tc.ID != "" {
		return tc.ID
	}
	return tc.Name
}

// Path resolves p against the base directory unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}
