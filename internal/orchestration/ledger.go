package orchestration

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

// jobLedger records every tool invocation of a run for the report.
type jobLedger struct {
	mu     sync.Mutex
	jobs   []*models.ScanJob
	now    func() time.Time
	logger *logrus.Logger
}

func newJobLedger(now func() time.Time, logger *logrus.Logger) *jobLedger {
	return &jobLedger{now: now, logger: logger}
}

func (l *jobLedger) open(tool, stage string, targets []string, fingerprint string) *models.ScanJob {
	j := &models.ScanJob{
		ID:          utils.NewID(),
		Tool:        tool,
		Stage:       stage,
		Targets:     append([]string(nil), targets...),
		Fingerprint: fingerprint,
		Status:      models.JobPending,
	}
	l.mu.Lock()
	l.jobs = append(l.jobs, j)
	l.mu.Unlock()
	return j
}

func (l *jobLedger) transition(j *models.ScanJob, to models.JobStatus, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if terr := j.Transition(to, l.now()); terr != nil {
		l.logger.Warnf("job ledger: %v", terr)
		return
	}
	if err != nil {
		j.Error = err.Error()
	}
}

func (l *jobLedger) markTruncated(j *models.ScanJob) {
	l.mu.Lock()
	j.Truncated = true
	l.mu.Unlock()
}

// produced reports whether any job yielded usable output.
func (l *jobLedger) produced() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.jobs {
		if j.Succeeded() {
			return true
		}
	}
	return false
}

func (l *jobLedger) snapshot() []models.ScanJob {
	l.mu.Lock()
	out := make([]models.ScanJob, 0, len(l.jobs))
	for _, j := range l.jobs {
		out = append(out, *j)
	}
	l.mu.Unlock()
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Stage != out[k].Stage {
			return out[i].Stage == models.StageRecon
		}
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out
}

// targetTracker owns the per-target state machine.
type targetTracker struct {
	mu     sync.Mutex
	states map[string]models.TargetState
	logger *logrus.Logger
}

func newTargetTracker(targets []models.Target, logger *logrus.Logger) *targetTracker {
	t := &targetTracker{states: make(map[string]models.TargetState, len(targets)), logger: logger}
	for _, tg := range targets {
		t.states[tg.Value] = models.StatePending
	}
	return t
}

func (t *targetTracker) set(target string, to models.TargetState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.states[target]
	if !from.CanTransition(to) {
		t.logger.Warnf("target %s: ignoring transition %s -> %s", target, from, to)
		return
	}
	t.states[target] = to
	t.logger.WithField("target", target).Debugf("%s -> %s", from, to)
}

func (t *targetTracker) snapshot() map[string]models.TargetState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]models.TargetState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// degradedLog collects degraded entries from concurrent stages.
type degradedLog struct {
	mu      sync.Mutex
	entries []models.DegradedEntry
}

func (d *degradedLog) add(e ...models.DegradedEntry) {
	d.mu.Lock()
	d.entries = append(d.entries, e...)
	d.mu.Unlock()
}

func (d *degradedLog) snapshot() []models.DegradedEntry {
	d.mu.Lock()
	out := append([]models.DegradedEntry(nil), d.entries...)
	d.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		if out[i].Stage != out[j].Stage {
			return out[i].Stage == models.StageRecon
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}
