package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/icarus10149/icarus-bounty-scanner/internal/orchestration"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
)

func NewScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run recon and vulnerability scanning over the program scope",
		Long: `Run every configured recon tool over the scope file's targets, scan the
discovered assets with the configured vulnerability passes and write one
deduplicated report. Tool results are served from the cache when still fresh.`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}

	cmd.Flags().StringP("program", "p", "", "Program name, used when the scope file names none")
	cmd.Flags().StringP("scope", "s", "", "Scope file (default is <base>/config/scope.yaml)")
	cmd.Flags().Bool("dry-run", false, "Resolve the scope and print the plan without running tools")
	cmd.Flags().DurationP("timeout", "t", 0, "Abort the run after this long (0 disables)")
	cmd.Flags().StringSliceP("formats", "f", nil, "Report formats in addition to json (yaml, markdown)")
	cmd.Flags().String("min-severity", "", "Drop findings below this severity from the report")
	cmd.Flags().Bool("include-assets", false, "List discovered assets in the report")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")

	_ = viper.BindPFlag("program", cmd.Flags().Lookup("program"))
	_ = viper.BindPFlag("scope_file", cmd.Flags().Lookup("scope"))
	_ = viper.BindPFlag("dry_run", cmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("scan.timeout", cmd.Flags().Lookup("timeout"))
	_ = viper.BindPFlag("report.formats", cmd.Flags().Lookup("formats"))
	_ = viper.BindPFlag("report.min_severity", cmd.Flags().Lookup("min-severity"))
	_ = viper.BindPFlag("report.include_assets", cmd.Flags().Lookup("include-assets"))
	_ = viper.BindPFlag("metrics_addr", cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if timeout := viper.GetDuration("scan.timeout"); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logrus.Info("Received interrupt signal, stopping tools and writing a partial report...")
			cancel()
		case <-ctx.Done():
		}
	}()

	metrics, err := utils.NewEngineMetrics(cfg.MetricsAddr != "")
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.StartServerWithContext(ctx, cfg.MetricsAddr); err != nil {
				logrus.Warnf("Metrics server stopped: %v", err)
			}
		}()
		logrus.Infof("Serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	campaign, err := orchestration.NewCampaign(cfg, metrics, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	runs, err := campaign.Run(ctx)
	for _, run := range runs {
		switch {
		case errors.Is(run.Err, models.ErrRunThrottled):
			fmt.Println(colorWarn("Run skipped: ") + run.Err.Error())
		case run.Err != nil:
			fmt.Printf("%s %s: %v\n", colorError("Run failed for"), run.Program, run.Err)
		case run.Result.DryRun:
			displayPlan(run.Result)
		default:
			displaySummary(run.Result)
		}
	}
	return err
}

func displayPlan(result *orchestration.RunResult) {
	fmt.Printf("\n%s %s (%d targets)\n", colorBold("Dry run for"), result.Program, len(result.Plan))
	fmt.Println("═══════════════════════════════════════════════════════════════")
	for _, p := range result.Plan {
		recon := strings.Join(p.ReconTools, ", ")
		if recon == "" {
			recon = colorWarn("no recon tool supports this target")
		}
		fmt.Printf("%-32s %-6s recon: %s\n", p.Target.Value, p.Target.Kind, recon)
		fmt.Printf("%-32s %-6s vuln:  %s\n", "", "", strings.Join(p.VulnTools, ", "))
	}
}

func displaySummary(result *orchestration.RunResult) {
	r := result.Report
	fmt.Println()
	fmt.Println("Scan Summary:")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Run ID:          %s\n", r.RunID)
	fmt.Printf("Program:         %s\n", r.Program)
	fmt.Printf("Status:          %s\n", formatStatusWithColor(r.Status))
	fmt.Printf("Targets:         %d (%d degraded)\n", r.Summary.TotalTargets, r.Summary.DegradedTargets)
	fmt.Printf("Assets:          %d\n", r.Summary.TotalAssets)
	fmt.Printf("Findings:        %d %s\n", r.Summary.TotalFindings, severityBreakdown(r.Summary.BySeverity))
	fmt.Printf("Risk Score:      %.2f/10.0\n", r.Summary.RiskScore)
	fmt.Printf("Cache:           %d hits, %d misses\n", r.Cache.Hits, r.Cache.Misses)
	fmt.Printf("Duration:        %s\n", r.Duration)
	if result.Notified > 0 {
		fmt.Printf("Notified:        %d payable findings\n", result.Notified)
	}
	for _, p := range result.Paths {
		fmt.Printf("Report:          %s\n", p)
	}
	if len(r.Degraded) > 0 {
		fmt.Println(colorWarn("\nDegraded:"))
		for _, d := range r.Degraded {
			fmt.Printf("  %-8s %-6s %-24s %-12s %s\n", d.Scope, d.Stage, d.Target, d.Tool, truncate(d.Reason, 80))
		}
	}
	fmt.Println("═══════════════════════════════════════════════════════════════")
}

func formatStatusWithColor(status string) string {
	switch strings.ToLower(status) {
	case models.RunStatusComplete:
		return colorSuccess(status)
	case models.RunStatusPartial:
		return colorWarn(status)
	case models.RunStatusCancelled:
		return colorError(status)
	default:
		return status
	}
}

func severityBreakdown(by map[string]int) string {
	if len(by) == 0 {
		return ""
	}
	var parts []string
	for _, s := range models.AllSeverities() {
		n := by[s.String()]
		if n == 0 {
			continue
		}
		label := fmt.Sprintf("%s: %d", s.String(), n)
		if s >= models.SeverityHigh {
			label = colorError(label)
		}
		parts = append(parts, label)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func humanAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
