package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/icarus10149/icarus-bounty-scanner/internal/aggregation"
	"github.com/icarus10149/icarus-bounty-scanner/internal/notify"
	"github.com/icarus10149/icarus-bounty-scanner/internal/reporting"
	"github.com/icarus10149/icarus-bounty-scanner/internal/resolve"
	"github.com/icarus10149/icarus-bounty-scanner/internal/scope"
	"github.com/icarus10149/icarus-bounty-scanner/internal/storage"
	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/internal/tools"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

// Deps are the collaborators an Orchestrator drives. Cache, Runner and
// Writer are required; the rest may be nil.
type Deps struct {
	Scope    *scope.Store
	Cache    *storage.ResultCache
	Runner   *toolrunner.Runner
	Writer   *reporting.Writer
	History  *storage.ScanHistory
	Notifier *notify.Notifier
	Resolver *resolve.Resolver
	Metrics  *utils.MetricsCollector
	Logger   *logrus.Logger
}

type Orchestrator struct {
	cfg       *models.Config
	deps      Deps
	recon     []tools.ReconTool
	vuln      []tools.VulnTool
	throttler *Throttler
	scorer    *reporting.RiskScorer
	logger    *logrus.Logger
	now       func() time.Time
}

// PlanEntry is one target and the tools a run would invoke for it.
type PlanEntry struct {
	Target     models.Target
	ReconTools []string
	VulnTools  []string
}

type RunResult struct {
	RunID    string
	Program  string
	Status   string
	Report   *models.Report
	Paths    []string
	DryRun   bool
	Plan     []PlanEntry
	Notified int
}

func New(cfg *models.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, models.NewConfigError("", "nil config")
	}
	if deps.Scope == nil || deps.Cache == nil || deps.Runner == nil || deps.Writer == nil {
		return nil, errors.New("orchestrator requires scope, cache, runner and writer")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		throttler: NewThrottler(throttleFor(cfg, deps.Scope), deps.Logger),
		scorer:    reporting.NewRiskScorer(),
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, tc := range cfg.Recon.Tools {
		t, err := tools.NewRecon(tc)
		if err != nil {
			return nil, err
		}
		o.recon = append(o.recon, t)
	}
	for _, tc := range cfg.Vuln.Tools {
		t, err := tools.NewVuln(tc)
		if err != nil {
			return nil, err
		}
		o.vuln = append(o.vuln, t)
	}
	return o, nil
}

// throttleFor layers the scope file's program rate under the configured
// overrides, which always win.
func throttleFor(cfg *models.Config, store *scope.Store) models.ThrottleConfig {
	tc := cfg.Throttle
	rps, ok := store.RPS()
	if !ok {
		return tc
	}
	program := strings.TrimSpace(store.Program())
	if program == "" {
		program = cfg.Program
	}
	if _, set := tc.ProgramOverrides[program]; set {
		return tc
	}
	overrides := make(map[string]float64, len(tc.ProgramOverrides)+1)
	for k, v := range tc.ProgramOverrides {
		overrides[k] = v
	}
	overrides[program] = rps
	tc.ProgramOverrides = overrides
	return tc
}

// Program is the program name used for throttling and history: the scope
// file's program wins over the configured default.
func (o *Orchestrator) Program() string {
	if p := strings.TrimSpace(o.deps.Scope.Program()); p != "" {
		return p
	}
	return o.cfg.Program
}

// Run executes one full scan. Degraded targets and batches never abort the
// run. A report is written exactly once if any stage produced output, also
// when ctx is cancelled mid-run.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	started := o.now()
	program := o.Program()
	result := &RunResult{RunID: utils.NewID(), Program: program}
	log := o.logger.WithFields(logrus.Fields{"run_id": utils.ShortID(result.RunID), "program": program})

	targets, err := o.deps.Scope.ResolvedTargets()
	if err != nil {
		return nil, err
	}

	if o.cfg.DryRun {
		result.DryRun = true
		result.Plan = o.plan(targets)
		for _, p := range result.Plan {
			log.WithField("target", p.Target.Value).Infof("[dry-run] recon: %s | vuln: %s",
				strings.Join(p.ReconTools, ","), strings.Join(p.VulnTools, ","))
		}
		log.Infof("[dry-run] %d targets, no tools executed", len(targets))
		return result, nil
	}

	if o.deps.History != nil {
		if err := o.deps.History.Admit(program); err != nil {
			if errors.Is(err, models.ErrRunThrottled) {
				return nil, err
			}
			log.Warnf("Failed to record scan history: %v", err)
		}
	}

	log.Infof("Starting run over %d targets", len(targets))
	cacheBefore := o.deps.Cache.Stats()
	versions := o.detectVersions(ctx)

	ledger := newJobLedger(o.now, o.logger)
	tracker := newTargetTracker(targets, o.logger)
	degraded := &degradedLog{}
	assets := NewAssetSet()
	agg := aggregation.New(o.logger)

	ex := &executor{
		runner:    o.deps.Runner,
		cache:     o.deps.Cache,
		throttler: o.throttler,
		program:   program,
		jobs:      ledger,
		logger:    o.logger,
	}
	reconStage := &ReconStage{
		exec:        ex,
		tools:       o.recon,
		scope:       o.deps.Scope,
		resolver:    o.deps.Resolver,
		assets:      assets,
		includeSeed: o.cfg.Recon.IncludeSeed,
		sem:         semaphore.NewWeighted(int64(max(1, o.cfg.Recon.Concurrency))),
		metrics:     o.deps.Metrics,
		logger:      o.logger,
	}
	vulnStage := &VulnStage{
		exec:            ex,
		runner:          o.deps.Runner,
		tools:           o.vuln,
		aggregator:      agg,
		batchSize:       max(1, o.cfg.Vuln.BatchSize),
		opts:            tools.RunOptions{RateLimit: o.throttler.RateLimit(program)},
		updateTemplates: o.cfg.Vuln.UpdateTemplates,
		sem:             semaphore.NewWeighted(int64(max(1, o.cfg.Vuln.Concurrency))),
		metrics:         o.deps.Metrics,
		logger:          o.logger,
	}

	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			o.runTarget(ctx, target, reconStage, vulnStage, tracker, degraded)
			return nil
		})
	}
	_ = g.Wait()

	cancelled := ctx.Err() != nil

	entries := degraded.snapshot()
	switch {
	case cancelled:
		result.Status = models.RunStatusCancelled
	case len(entries) > 0:
		result.Status = models.RunStatusPartial
	default:
		result.Status = models.RunStatusComplete
	}

	if !ledger.produced() {
		o.observeRun(result.Status, started)
		if cancelled {
			return result, fmt.Errorf("%w: run cancelled before any stage finished", models.ErrNoOutput)
		}
		return result, fmt.Errorf("%w: every tool invocation failed", models.ErrNoOutput)
	}

	finished := o.now()
	report := &models.Report{
		RunID:        result.RunID,
		Program:      program,
		Status:       result.Status,
		StartedAt:    started,
		FinishedAt:   finished,
		Duration:     utils.HumanizeDuration(finished.Sub(started)),
		Targets:      targets,
		TargetStates: tracker.snapshot(),
		ToolVersions: versions,
		Cache:        cacheDelta(cacheBefore, o.deps.Cache.Stats()),
		Degraded:     entries,
		Jobs:         ledger.snapshot(),
		Findings:     aggregation.FilterMinSeverity(agg.Findings(), models.ParseSeverity(o.cfg.Report.MinSeverity)),
	}
	if o.cfg.Report.IncludeAssets {
		report.Assets = assets.All()
	}
	o.scorer.Summarize(report)
	report.Summary.TotalAssets = assets.Len()
	result.Report = report

	paths, err := o.deps.Writer.Write(report)
	if err != nil {
		o.observeRun(result.Status, started)
		return result, err
	}
	result.Paths = paths

	if o.deps.Notifier.Enabled() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		result.Notified, _ = o.deps.Notifier.NotifyFindings(nctx, program, report.Findings)
		cancel()
	}

	o.observeRun(result.Status, started)
	log.WithFields(logrus.Fields(o.throttler.Stats())).Debug("Throttle usage")
	log.WithFields(logrus.Fields{
		"status":   result.Status,
		"assets":   report.Summary.TotalAssets,
		"findings": report.Summary.TotalFindings,
		"degraded": report.Summary.DegradedTargets,
		"duration": report.Duration,
	}).Info("Run finished")
	return result, nil
}

// runTarget walks one target through its state machine. A target's vuln
// work starts only after its own recon resolved. A target cut short by
// cancellation is marked degraded and logged so partial coverage shows in
// the report.
func (o *Orchestrator) runTarget(ctx context.Context, target models.Target, recon *ReconStage, vuln *VulnStage, tracker *targetTracker, degraded *degradedLog) {
	if ctx.Err() != nil {
		degraded.add(cancelledEntry(ctx, target.Value, models.StageRecon))
		return
	}
	tracker.set(target.Value, models.StateReconRunning)
	o.inFlight(models.StageRecon, 1)
	ro := recon.Run(ctx, target)
	o.inFlight(models.StageRecon, -1)
	degraded.add(ro.Failures...)

	if ro.Degraded {
		tracker.set(target.Value, models.StateReconDegraded)
		return
	}
	if ctx.Err() != nil {
		tracker.set(target.Value, models.StateReconDegraded)
		degraded.add(cancelledEntry(ctx, target.Value, models.StageRecon))
		return
	}
	tracker.set(target.Value, models.StateReconDone)
	if len(ro.New) == 0 || len(vuln.tools) == 0 {
		tracker.set(target.Value, models.StateComplete)
		return
	}

	tracker.set(target.Value, models.StateVulnRunning)
	o.inFlight(models.StageVuln, 1)
	vo := vuln.Run(ctx, target.Value, ro.New)
	o.inFlight(models.StageVuln, -1)
	degraded.add(vo.Failures...)

	if ctx.Err() != nil {
		tracker.set(target.Value, models.StateVulnDegraded)
		degraded.add(cancelledEntry(ctx, target.Value, models.StageVuln))
		return
	}
	if vo.Degraded {
		tracker.set(target.Value, models.StateVulnDegraded)
		return
	}
	tracker.set(target.Value, models.StateComplete)
}

func cancelledEntry(ctx context.Context, target, stage string) models.DegradedEntry {
	return models.DegradedEntry{
		Scope:  "target",
		Target: target,
		Stage:  stage,
		Reason: "cancelled",
		Err:    ctx.Err(),
	}
}

func (o *Orchestrator) plan(targets []models.Target) []PlanEntry {
	out := make([]PlanEntry, 0, len(targets))
	for _, t := range targets {
		p := PlanEntry{Target: t}
		for _, rt := range o.recon {
			if rt.Supports(t) {
				p.ReconTools = append(p.ReconTools, rt.Name())
			}
		}
		for _, vt := range o.vuln {
			p.VulnTools = append(p.VulnTools, vt.Name())
		}
		out = append(out, p)
	}
	return out
}

// detectVersions asks each distinct binary for its version once. Missing
// binaries are reported but do not stop the run; their invocations will
// fail and degrade the affected targets.
func (o *Orchestrator) detectVersions(ctx context.Context) map[string]string {
	all := make([]tools.Tool, 0, len(o.recon)+len(o.vuln))
	for _, t := range o.recon {
		all = append(all, t)
	}
	for _, t := range o.vuln {
		all = append(all, t)
	}

	var (
		mu       sync.Mutex
		versions = make(map[string]string)
		byBinary = make(map[string]string)
		g        errgroup.Group
	)
	g.SetLimit(4)
	checked := make(map[string]bool)
	for _, t := range all {
		if checked[t.Binary()] {
			continue
		}
		checked[t.Binary()] = true
		t := t
		g.Go(func() error {
			v := o.detectVersion(ctx, t)
			mu.Lock()
			byBinary[t.Binary()] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range all {
		v := byBinary[t.Binary()]
		t.SetVersion(v)
		if v == "" {
			versions[t.Name()] = "unknown"
			continue
		}
		versions[t.Name()] = v
	}
	for _, tc := range append(append([]models.ToolConfig(nil), o.cfg.Recon.Tools...), o.cfg.Vuln.Tools...) {
		v := versions[tc.Identifier()]
		if v == "unknown" {
			continue
		}
		if err := tools.CheckMinVersion(v, tc.MinVersion); err != nil {
			o.logger.WithField("tool", tc.Identifier()).Warnf("Version check: %v", err)
		}
	}
	return versions
}

func (o *Orchestrator) detectVersion(ctx context.Context, t tools.Tool) string {
	if !toolrunner.Available(t.Binary()) {
		o.logger.WithField("tool", t.Name()).Warnf("Binary %q not found on PATH", t.Binary())
		return ""
	}
	res, err := o.deps.Runner.Run(ctx, t.VersionInvocation())
	if res == nil {
		o.logger.WithField("tool", t.Name()).Warnf("Version check failed: %v", err)
		return ""
	}
	v, perr := tools.ParseVersion(append(append([]byte(nil), res.Stdout...), res.Stderr...))
	if perr != nil {
		o.logger.WithField("tool", t.Name()).Debugf("No version in banner: %v", perr)
		return ""
	}
	return v.String()
}

func (o *Orchestrator) inFlight(stage string, delta float64) {
	o.deps.Metrics.AddGauge(utils.MetricRunsInFlight, delta, prometheus.Labels{"stage": stage})
}

func (o *Orchestrator) observeRun(status string, started time.Time) {
	o.deps.Metrics.ObserveHistogram(utils.MetricRunDuration, o.now().Sub(started).Seconds(), prometheus.Labels{"status": status})
}

func cacheDelta(before, after models.CacheStats) models.CacheStats {
	return models.CacheStats{
		Hits:        after.Hits - before.Hits,
		Misses:      after.Misses - before.Misses,
		Evictions:   after.Evictions - before.Evictions,
		Corruptions: after.Corruptions - before.Corruptions,
	}
}
