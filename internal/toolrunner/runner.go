package toolrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

const (
	stderrTail = 512
	waitDelay  = 3 * time.Second
)

type Invocation struct {
	Tool    string
	Binary  string
	Args    []string
	Env     map[string]string
	Stdin   []byte
	Dir     string
	Timeout time.Duration
	Exit    ExitPolicy
	Retry   RetryPolicy
}

type Result struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Duration  time.Duration
	Truncated bool
	NoResults bool
	Attempts  int
}

type Runner struct {
	maxOutput      int64
	defaultTimeout time.Duration
	logger         *logrus.Logger
	metrics        *utils.MetricsCollector
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewRunner(maxOutputBytes int64, defaultTimeout time.Duration, metrics *utils.MetricsCollector, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = 64 << 20
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	return &Runner{
		maxOutput:      maxOutputBytes,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		metrics:        metrics,
		sleep:          sleepContext,
	}
}

// Available reports whether binary resolves on PATH (or is an executable path).
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// Run executes the invocation, retrying timeouts and crashes according to
// inv.Retry. Cancellation of ctx is never retried and is returned as-is.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	attempts := inv.Retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := r.runOnce(ctx, inv)
		if res != nil {
			res.Attempts = attempt
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) || attempt == attempts {
			return res, err
		}

		backoff := utils.JitteredBackoff(attempt, inv.Retry.Backoff, inv.Retry.MaxBackoff, 0.2)
		r.logger.WithFields(logrus.Fields{
			"tool":    inv.Tool,
			"attempt": attempt,
			"of":      attempts,
			"backoff": backoff.String(),
		}).Warnf("Tool invocation failed, retrying: %v", err)
		if err := r.sleep(ctx, backoff); err != nil {
			return res, err
		}
	}
	return nil, lastErr
}

func (r *Runner) runOnce(ctx context.Context, inv Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newCappedBuffer(r.maxOutput)
	stderr := newCappedBuffer(r.maxOutput)

	cmd := exec.CommandContext(runCtx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = buildEnv(inv.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if inv.Stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.Stdin)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	log := r.logger.WithFields(logrus.Fields{"tool": inv.Tool, "binary": inv.Binary})
	log.Debugf("Running %s %v", inv.Binary, inv.Args)

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  exitCode(cmd, runErr),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	r.metrics.ObserveHistogram(utils.MetricToolDuration, res.Duration.Seconds(), prometheus.Labels{"tool": inv.Tool})

	if res.Truncated {
		log.Warnf("Output truncated at %s (dropped %s)", utils.HumanizeBytes(r.maxOutput), utils.HumanizeBytes(stdout.Dropped()+stderr.Dropped()))
	}

	if err := ctx.Err(); err != nil {
		r.count(inv.Tool, "cancelled")
		return res, err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		r.count(inv.Tool, "timeout")
		log.Warnf("Timed out after %s, process group killed", timeout)
		return res, &models.ToolError{Tool: inv.Tool, Kind: models.ErrToolTimeout, ExitCode: res.ExitCode}
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		r.count(inv.Tool, "crash")
		return res, &models.ToolError{Tool: inv.Tool, Kind: models.ErrToolCrash, ExitCode: -1, Stderr: runErr.Error()}
	}

	switch inv.Exit.classify(res.ExitCode, len(bytes.TrimSpace(res.Stdout)) == 0, len(bytes.TrimSpace(res.Stderr)) == 0) {
	case outcomeSuccess:
		r.count(inv.Tool, "done")
		return res, nil
	case outcomeNoResults:
		res.NoResults = true
		r.count(inv.Tool, "no_results")
		log.Debugf("Exit %d treated as no results", res.ExitCode)
		return res, nil
	default:
		r.count(inv.Tool, "crash")
		return res, &models.ToolError{
			Tool:     inv.Tool,
			Kind:     models.ErrToolCrash,
			ExitCode: res.ExitCode,
			Stderr:   tail(res.Stderr, stderrTail),
		}
	}
}

func (r *Runner) count(tool, outcome string) {
	r.metrics.IncCounter(utils.MetricToolInvocations, 1, prometheus.Labels{"tool": tool, "outcome": outcome})
}

func retryable(err error) bool {
	return errors.Is(err, models.ErrToolTimeout) || errors.Is(err, models.ErrToolCrash)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
