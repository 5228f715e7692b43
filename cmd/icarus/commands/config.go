package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

// SetDefaults registers every configuration key with viper so environment
// variables (ICARUS_RECON_CONCURRENCY, ...) are honoured on Unmarshal.
func SetDefaults() {
	d := models.DefaultConfig()

	viper.SetDefault("program", d.Program)
	viper.SetDefault("scope_file", d.ScopeFile)
	viper.SetDefault("dry_run", d.DryRun)
	viper.SetDefault("metrics_addr", d.MetricsAddr)
	viper.SetDefault("max_concurrent_programs", d.MaxConcurrentPrograms)

	viper.SetDefault("cache.dir", d.Cache.Dir)
	viper.SetDefault("cache.ttl", d.Cache.TTL)
	viper.SetDefault("cache.compress", d.Cache.Compress)

	viper.SetDefault("runner.max_output_bytes", d.Runner.MaxOutputBytes)
	viper.SetDefault("runner.default_timeout", d.Runner.DefaultTimeout)

	viper.SetDefault("recon.concurrency", d.Recon.Concurrency)
	viper.SetDefault("recon.include_seed", d.Recon.IncludeSeed)
	viper.SetDefault("recon.resolve_assets", d.Recon.ResolveAssets)
	viper.SetDefault("recon.nameservers", d.Recon.Nameservers)
	viper.SetDefault("recon.tools", genericValue(d.Recon.Tools))

	viper.SetDefault("vuln.concurrency", d.Vuln.Concurrency)
	viper.SetDefault("vuln.batch_size", d.Vuln.BatchSize)
	viper.SetDefault("vuln.update_templates", d.Vuln.UpdateTemplates)
	viper.SetDefault("vuln.tools", genericValue(d.Vuln.Tools))

	viper.SetDefault("report.dir", d.Report.Dir)
	viper.SetDefault("report.formats", d.Report.Formats)
	viper.SetDefault("report.min_severity", d.Report.MinSeverity)
	viper.SetDefault("report.template_dir", d.Report.TemplateDir)
	viper.SetDefault("report.include_assets", d.Report.IncludeAssets)

	viper.SetDefault("throttle.default_rps", d.Throttle.DefaultRPS)
	viper.SetDefault("throttle.burst", d.Throttle.Burst)
	viper.SetDefault("throttle.program_overrides", map[string]float64{})

	viper.SetDefault("history.enabled", d.History.Enabled)
	viper.SetDefault("history.daily_limit", d.History.DailyLimit)
	viper.SetDefault("history.min_interval", d.History.MinInterval)

	viper.SetDefault("notify.server", d.Notify.Server)
	viper.SetDefault("notify.topic", d.Notify.Topic)
	viper.SetDefault("notify.token", d.Notify.Token)
	viper.SetDefault("notify.payable_tags", d.Notify.PayableTags)
	viper.SetDefault("notify.timeout", d.Notify.Timeout)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "both")
	viper.SetDefault("log.max_size", 50)
	viper.SetDefault("log.max_backups", 5)
	viper.SetDefault("log.max_age", 30)
	viper.SetDefault("log.compress", true)
}

// loadConfig decodes the merged viper state (defaults, scanner.yaml, env,
// flags) into a validated Config. Decoding starts from a zero value so a
// tool list in scanner.yaml replaces the default list instead of merging
// into it element by element.
func loadConfig() (*models.Config, error) {
	cfg := &models.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, models.NewConfigError("config", "decode: %v", err)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"base_dir": cfg.BaseDir,
		"program":  cfg.Program,
		"recon":    len(cfg.Recon.Tools),
		"vuln":     len(cfg.Vuln.Tools),
		"notify":   notifyTarget(cfg.Notify),
	}).Debug("Configuration loaded")
	return cfg, nil
}

// genericValue round-trips v through YAML so viper holds the same plain
// maps and lists it would have read from scanner.yaml.
func genericValue(v interface{}) interface{} {
	b, err := yaml.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func notifyTarget(n models.NotifyConfig) string {
	if n.Server == "" || n.Topic == "" {
		return "disabled"
	}
	if n.Token == "" {
		return fmt.Sprintf("%s/%s", n.Server, n.Topic)
	}
	return fmt.Sprintf("%s/%s (token %s)", n.Server, n.Topic, utils.MaskSecret(n.Token))
}
