package orchestration

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/icarus10149/icarus-bounty-scanner/internal/storage"
	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/internal/tools"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// executor runs one tool over one target list behind the result cache.
// Concurrent misses on the same cache key share a single invocation.
type executor struct {
	runner    *toolrunner.Runner
	cache     *storage.ResultCache
	throttler *Throttler
	program   string
	jobs      *jobLedger
	flight    singleflight.Group
	logger    *logrus.Logger
}

type execResult struct {
	output    []byte
	cached    bool
	truncated bool
}

func (e *executor) execute(ctx context.Context, sem *semaphore.Weighted, tool tools.Tool, targets []string, opts tools.RunOptions) (execResult, error) {
	fp := tool.Fingerprint()
	job := e.jobs.open(tool.Name(), tool.Stage(), targets, fp)

	if entry, ok := e.cache.Get(tool.Name(), targets, fp); ok {
		e.jobs.transition(job, models.JobCached, nil)
		e.logger.WithFields(logrus.Fields{"tool": tool.Name(), "targets": len(targets)}).Debug("Cache hit")
		return execResult{output: entry.Payload, cached: true}, nil
	}

	e.jobs.transition(job, models.JobRunning, nil)
	v, err, shared := e.flight.Do(storage.Key(tool.Name(), targets, fp), func() (interface{}, error) {
		return e.invoke(ctx, sem, tool, targets, fp, opts)
	})
	if err != nil {
		e.jobs.transition(job, models.JobFailed, err)
		return execResult{}, err
	}
	res := v.(execResult)
	if res.truncated {
		e.jobs.markTruncated(job)
	}
	if shared {
		e.logger.WithField("tool", tool.Name()).Debug("Shared in-flight invocation")
	}
	e.jobs.transition(job, models.JobDone, nil)
	return res, nil
}

func (e *executor) invoke(ctx context.Context, sem *semaphore.Weighted, tool tools.Tool, targets []string, fp string, opts tools.RunOptions) (execResult, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return execResult{}, err
	}
	defer sem.Release(1)

	if err := e.throttler.Wait(ctx, e.program); err != nil {
		return execResult{}, err
	}

	res, err := e.runner.Run(ctx, tool.Invocation(targets, opts))
	if err != nil {
		return execResult{}, err
	}

	// Truncated output is parsed but never cached; a later run with a larger
	// limit must not be served the partial copy.
	if res.Truncated {
		return execResult{output: res.Stdout, truncated: true}, nil
	}
	if err := e.cache.PutWithTTL(tool.Name(), targets, fp, res.Stdout, tool.CacheTTL()); err != nil {
		e.logger.WithField("tool", tool.Name()).Warnf("Failed to cache result: %v", err)
	}
	return execResult{output: res.Stdout}, nil
}
