package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/icarus10149/icarus-bounty-scanner/internal/resolve"
	"github.com/icarus10149/icarus-bounty-scanner/internal/scope"
	"github.com/icarus10149/icarus-bounty-scanner/internal/tools"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

// ReconStage turns one target into assets using every configured recon tool.
type ReconStage struct {
	exec        *executor
	tools       []tools.ReconTool
	scope       *scope.Store
	resolver    *resolve.Resolver
	assets      *AssetSet
	includeSeed bool
	sem         *semaphore.Weighted
	metrics     *utils.MetricsCollector
	logger      *logrus.Logger
}

type ReconOutcome struct {
	Target models.Target
	// New holds assets first seen by this target, in discovery order.
	New      []models.Asset
	Degraded bool
	Failures []models.DegradedEntry
}

func (s *ReconStage) Run(ctx context.Context, target models.Target) ReconOutcome {
	out := ReconOutcome{Target: target}
	log := s.logger.WithFields(logrus.Fields{"stage": models.StageRecon, "target": target.Value})

	var (
		mu        sync.Mutex
		found     []models.Asset
		attempted int
		failed    int
	)
	var g errgroup.Group
	for _, tool := range s.tools {
		if !tool.Supports(target) {
			log.Debugf("%s does not support %s targets, skipping", tool.Name(), target.Kind)
			continue
		}
		attempted++
		tool := tool
		g.Go(func() error {
			res, err := s.exec.execute(ctx, s.sem, tool, []string{target.Value}, tools.RunOptions{})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.WithField("tool", tool.Name()).Warnf("Recon tool failed: %v", err)
				mu.Lock()
				failed++
				out.Failures = append(out.Failures, models.DegradedEntry{
					Scope:  "tool",
					Target: target.Value,
					Stage:  models.StageRecon,
					Tool:   tool.Name(),
					Reason: err.Error(),
					Err:    err,
				})
				mu.Unlock()
				return nil
			}

			assets, perrs := tool.ParseAssets(target.Value, res.output)
			for _, perr := range perrs {
				log.WithField("tool", tool.Name()).Debugf("Skipping record: %v", perr)
			}
			if len(perrs) > 0 {
				log.WithField("tool", tool.Name()).Warnf("Skipped %d malformed records", len(perrs))
			}
			mu.Lock()
			found = append(found, assets...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if attempted > 0 && failed == attempted {
		out.Degraded = true
		for i := range out.Failures {
			out.Failures[i].Scope = "target"
		}
		s.metrics.IncCounter(utils.MetricDegraded, 1, prometheus.Labels{"stage": models.StageRecon})
	}

	inScope := found[:0]
	for _, a := range found {
		if s.scope.InScope(a.Value) {
			inScope = append(inScope, a)
		}
	}
	if dropped := len(found) - len(inScope); dropped > 0 {
		log.Debugf("Dropped %d out-of-scope assets", dropped)
	}
	if s.resolver != nil && len(inScope) > 0 && ctx.Err() == nil {
		inScope = s.resolver.FilterAlive(ctx, inScope, 16)
	}

	if s.includeSeed && !out.Degraded {
		if seed, ok := seedAsset(target); ok {
			inScope = append([]models.Asset{seed}, inScope...)
		}
	}

	out.New = s.assets.Add(inScope...)
	for _, a := range out.New {
		s.metrics.IncCounter(utils.MetricAssets, 1, prometheus.Labels{"tool": a.Source})
	}
	log.WithFields(logrus.Fields{
		"found":    len(found),
		"new":      len(out.New),
		"degraded": out.Degraded,
	}).Info("Recon finished")
	return out
}

func seedAsset(t models.Target) (models.Asset, bool) {
	var kind models.AssetKind
	switch t.Kind {
	case models.TargetKindDomain:
		kind = models.AssetKindHost
	case models.TargetKindIP:
		kind = models.AssetKindIP
	default:
		return models.Asset{}, false
	}
	return models.Asset{
		Value:        t.Value,
		Kind:         kind,
		Source:       "seed",
		Origin:       t.Value,
		DiscoveredAt: time.Now().UTC(),
	}, true
}
