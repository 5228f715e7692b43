package orchestration

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/icarus10149/icarus-bounty-scanner/internal/aggregation"
	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/internal/tools"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

// VulnStage scans a target's assets in bounded batches with every
// configured vulnerability pass and feeds the aggregator.
type VulnStage struct {
	exec            *executor
	runner          *toolrunner.Runner
	tools           []tools.VulnTool
	aggregator      *aggregation.Aggregator
	batchSize       int
	opts            tools.RunOptions
	updateTemplates bool
	sem             *semaphore.Weighted
	metrics         *utils.MetricsCollector
	logger          *logrus.Logger

	updateOnce sync.Once
}

type VulnOutcome struct {
	Degraded bool
	Failures []models.DegradedEntry
	Raw      int
	New      int
}

func (s *VulnStage) Run(ctx context.Context, target string, assets []models.Asset) VulnOutcome {
	var out VulnOutcome
	if len(assets) == 0 || len(s.tools) == 0 {
		return out
	}
	s.updateOnce.Do(func() { s.refreshTemplates(ctx) })

	values := make([]string, 0, len(assets))
	for _, a := range assets {
		values = append(values, a.Value)
	}
	sort.Strings(values)
	batches := utils.BatchSlice(values, s.batchSize)
	log := s.logger.WithFields(logrus.Fields{"stage": models.StageVuln, "target": target})
	log.Infof("Scanning %d assets in %d batches with %d passes", len(values), len(batches), len(s.tools))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, tool := range s.tools {
		for _, batch := range batches {
			tool, batch := tool, batch
			g.Go(func() error {
				res, err := s.exec.execute(ctx, s.sem, tool, batch, s.opts)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.WithField("tool", tool.Name()).Warnf("Batch of %d failed: %v", len(batch), err)
					mu.Lock()
					out.Degraded = true
					out.Failures = append(out.Failures, models.DegradedEntry{
						Scope:  "batch",
						Target: target,
						Batch:  batch,
						Stage:  models.StageVuln,
						Tool:   tool.Name(),
						Reason: err.Error(),
						Err:    err,
					})
					mu.Unlock()
					s.metrics.IncCounter(utils.MetricDegraded, 1, prometheus.Labels{"stage": models.StageVuln})
					return nil
				}

				raws, perrs := tool.ParseFindings(res.output)
				for _, perr := range perrs {
					log.WithField("tool", tool.Name()).Warnf("Skipping record: %v", perr)
				}
				inserted := 0
				for _, raw := range raws {
					f, isNew, err := s.aggregator.Add(raw)
					if err != nil {
						log.WithField("tool", tool.Name()).Warnf("Skipping finding: %v", err)
						continue
					}
					if isNew {
						inserted++
						s.metrics.IncCounter(utils.MetricFindings, 1, prometheus.Labels{"severity": f.Severity.String()})
					}
				}
				mu.Lock()
				out.Raw += len(raws)
				out.New += inserted
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return out
}

// refreshTemplates runs each distinct scanner's template update once.
// Failure is logged and the stage proceeds with the templates on disk.
func (s *VulnStage) refreshTemplates(ctx context.Context) {
	if !s.updateTemplates {
		return
	}
	seen := make(map[string]bool)
	for _, tool := range s.tools {
		inv, ok := tool.UpdateInvocation()
		if !ok || seen[inv.Binary] {
			continue
		}
		seen[inv.Binary] = true
		if _, err := s.runner.Run(ctx, inv); err != nil {
			s.logger.WithField("tool", tool.Name()).Warnf("Template update failed, using installed templates: %v", err)
			continue
		}
		s.logger.WithField("tool", tool.Name()).Info("Templates updated")
	}
}
