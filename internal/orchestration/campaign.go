package orchestration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/icarus10149/icarus-bounty-scanner/internal/notify"
	"github.com/icarus10149/icarus-bounty-scanner/internal/reporting"
	"github.com/icarus10149/icarus-bounty-scanner/internal/resolve"
	"github.com/icarus10149/icarus-bounty-scanner/internal/scope"
	"github.com/icarus10149/icarus-bounty-scanner/internal/storage"
	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

const historyFile = "scan_history.json"

// Campaign runs one Orchestrator per program of a scope file. The result
// cache, runner, report writer, scan history and notifier are shared.
type Campaign struct {
	runs        []*Orchestrator
	concurrency int
	logger      *logrus.Logger
}

// ProgramRun is the outcome of one program within a campaign.
type ProgramRun struct {
	Program string
	Result  *RunResult
	Err     error
}

// NewCampaign wires every collaborator from cfg, rooted at cfg.BaseDir.
func NewCampaign(cfg *models.Config, metrics *utils.MetricsCollector, logger *logrus.Logger) (*Campaign, error) {
	if logger == nil {
		logger = logrus.New()
	}
	stores, err := scope.LoadPrograms(cfg.Path(cfg.ScopeFile), logger)
	if err != nil {
		return nil, err
	}
	deps, err := sharedDeps(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}
	return newCampaign(cfg, deps, stores)
}

func newCampaign(cfg *models.Config, deps Deps, stores []*scope.Store) (*Campaign, error) {
	c := &Campaign{concurrency: cfg.MaxConcurrentPrograms, logger: deps.Logger}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	for _, store := range stores {
		d := deps
		d.Scope = store
		o, err := New(cfg, d)
		if err != nil {
			return nil, err
		}
		c.runs = append(c.runs, o)
	}
	if c.logger == nil && len(c.runs) > 0 {
		c.logger = c.runs[0].logger
	}
	return c, nil
}

func sharedDeps(cfg *models.Config, metrics *utils.MetricsCollector, logger *logrus.Logger) (Deps, error) {
	cache, err := storage.NewResultCache(cfg.Path(cfg.Cache.Dir), cfg.Cache.TTL, cfg.Cache.Compress, metrics, logger)
	if err != nil {
		return Deps{}, err
	}
	writer, err := reporting.NewWriter(cfg.Path(cfg.Report.Dir), cfg.Report.Formats, templateDir(cfg), logger)
	if err != nil {
		return Deps{}, err
	}
	deps := Deps{
		Cache:    cache,
		Runner:   toolrunner.NewRunner(cfg.Runner.MaxOutputBytes, cfg.Runner.DefaultTimeout, metrics, logger),
		Writer:   writer,
		Notifier: notify.New(cfg.Notify, logger),
		Metrics:  metrics,
		Logger:   logger,
	}
	if cfg.History.Enabled {
		path := filepath.Join(cfg.Path(cfg.Cache.Dir), historyFile)
		h, err := storage.NewScanHistory(path, cfg.History.DailyLimit, cfg.History.MinInterval, logger)
		if err != nil {
			return Deps{}, err
		}
		deps.History = h
	}
	if cfg.Recon.ResolveAssets {
		deps.Resolver = resolve.New(cfg.Recon.Nameservers, 3*time.Second, 1, logger)
	}
	return deps, nil
}

func templateDir(cfg *models.Config) string {
	if cfg.Report.TemplateDir == "" {
		return ""
	}
	return cfg.Path(cfg.Report.TemplateDir)
}

// Programs lists the campaign's programs in scope file order.
func (c *Campaign) Programs() []string {
	out := make([]string, len(c.runs))
	for i, o := range c.runs {
		out[i] = o.Program()
	}
	return out
}

// Run scans every program, at most MaxConcurrentPrograms at a time. A
// failing program never stops the others. The returned error is nil when
// any program succeeded, otherwise it joins every program's error.
func (c *Campaign) Run(ctx context.Context) ([]ProgramRun, error) {
	results := make([]ProgramRun, len(c.runs))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, o := range c.runs {
		i, o := i, o
		g.Go(func() error {
			res, err := o.Run(ctx)
			results[i] = ProgramRun{Program: o.Program(), Result: res, Err: err}
			if err != nil {
				c.logger.WithError(err).WithField("program", o.Program()).Warn("Program run failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, campaignError(results)
}

func campaignError(results []ProgramRun) error {
	var errs []error
	for _, r := range results {
		if r.Err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.Program, r.Err))
	}
	return errors.Join(errs...)
}
