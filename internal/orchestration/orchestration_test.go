package orchestration

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/icarus10149/icarus-bounty-scanner/internal/reporting"
	"github.com/icarus10149/icarus-bounty-scanner/internal/scope"
	"github.com/icarus10149/icarus-bounty-scanner/internal/storage"
	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

const fakeBBOT = `#!/bin/sh
if [ "$1" = "--version" ]; then echo "bbot v2.3.0"; exit 0; fi
echo "bbot $2" >> "$CALLS"
case "$2" in
  example.com)
    echo '{"type":"DNS_NAME","data":"a.example.com","module":"crt"}'
    echo '{"type":"DNS_NAME","data":"B.example.com.","module":"crt"}'
    echo '{"type":"DNS_NAME","data":"staging.example.com","module":"crt"}'
    echo '{"type":"DNS_NAME","data":"partner-cdn.evil.org","module":"crt"}'
    echo '{"type":"IP_ADDRESS","data":"203.0.113.9","module":"dns"}'
    echo 'not json'
    ;;
  slow.test)
    sleep 30
    ;;
  broken.test)
    echo "resolver exploded" >&2
    exit 1
    ;;
esac
`

const fakeNuclei = `#!/bin/sh
case "$1" in
  -version) echo "Nuclei Engine Version: v3.2.0" >&2; exit 0 ;;
  -update-templates) exit 0 ;;
esac
echo "nuclei $FAKE_SEV" >> "$CALLS"
if [ -n "$HANG" ]; then
  touch "$HANG"
  sleep 30
fi
while read host; do
  if [ -n "$HOSTS" ]; then echo "$host" >> "$HOSTS"; fi
  if [ "$host" = "a.example.com" ]; then
    printf '{"template-id":"exposed-panel","info":{"name":"Exposed  Admin Panel","severity":"%s","tags":["panel"]},"host":"%s","matched-at":"https://%s/admin","type":"http"}\n' "$FAKE_SEV" "$host" "$host"
  fi
done
`

type fixture struct {
	dir    string
	calls  string
	hosts  string
	logger *logrus.Logger
	cfg    *models.Config
	cache  *storage.ResultCache
	writer *reporting.Writer
	scope  []string
}

func newFixture(t *testing.T, targets ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	bbot := writeScript(t, dir, "bbot", fakeBBOT)
	nuclei := writeScript(t, dir, "nuclei", fakeNuclei)
	calls := filepath.Join(dir, "calls.log")
	hosts := filepath.Join(dir, "hosts.log")

	cfg := models.DefaultConfig()
	cfg.BaseDir = dir
	cfg.Program = "acme"
	cfg.Throttle = models.ThrottleConfig{}
	cfg.Report.Formats = []string{"json"}
	cfg.Recon.Tools = []models.ToolConfig{
		{Name: "bbot", Binary: bbot, Env: map[string]string{"CALLS": calls}},
	}
	cfg.Vuln.Tools = []models.ToolConfig{
		{Name: "nuclei", ID: "nuclei-high", Binary: nuclei, Templates: []string{"http/high"},
			Env: map[string]string{"CALLS": calls, "HOSTS": hosts, "FAKE_SEV": "high"}},
		{Name: "nuclei", ID: "nuclei-medium", Binary: nuclei, Templates: []string{"http/medium"},
			Env: map[string]string{"CALLS": calls, "HOSTS": hosts, "FAKE_SEV": "medium"}},
	}

	cache, err := storage.NewResultCache(filepath.Join(dir, "cache"), time.Hour, false, nil, logger)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	writer, err := reporting.NewWriter(filepath.Join(dir, "output"), cfg.Report.Formats, "", logger)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if len(targets) == 0 {
		targets = []string{"example.com"}
	}
	return &fixture{dir: dir, calls: calls, hosts: hosts, logger: logger, cfg: cfg, cache: cache, writer: writer, scope: targets}
}

func (f *fixture) orchestrator(t *testing.T, history *storage.ScanHistory) *Orchestrator {
	t.Helper()
	store, err := scope.New("acme", f.scope, []string{"staging.example.com"}, f.logger)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	o, err := New(f.cfg, Deps{
		Scope:   store,
		Cache:   f.cache,
		Runner:  toolrunner.NewRunner(1<<20, time.Minute, nil, f.logger),
		Writer:  f.writer,
		History: history,
		Logger:  f.logger,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o
}

// countCalls returns how many scan invocations (not version checks) each
// fake tool recorded.
func (f *fixture) countCalls(t *testing.T) map[string]int {
	t.Helper()
	out := make(map[string]int)
	fh, err := os.Open(f.calls)
	if errors.Is(err, os.ErrNotExist) {
		return out
	}
	if err != nil {
		t.Fatalf("open calls: %v", err)
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		out[sc.Text()]++
	}
	return out
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	res, err := f.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != models.RunStatusComplete {
		t.Errorf("status = %s, want complete", res.Status)
	}
	if len(res.Paths) != 1 {
		t.Fatalf("paths = %v", res.Paths)
	}
	if _, err := os.Stat(res.Paths[0]); err != nil {
		t.Fatalf("report missing: %v", err)
	}

	r := res.Report
	if len(r.Findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(r.Findings), r.Findings)
	}
	fd := r.Findings[0]
	if fd.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high", fd.Severity)
	}
	if fd.Detections != 2 {
		t.Errorf("detections = %d, want 2", fd.Detections)
	}
	if strings.Join(fd.Sources, ",") != "nuclei-high,nuclei-medium" {
		t.Errorf("sources = %v", fd.Sources)
	}

	// example.com seed plus a and b; staging is excluded.
	if r.Summary.TotalAssets != 3 {
		t.Errorf("assets = %d, want 3", r.Summary.TotalAssets)
	}
	if got := r.TargetStates["example.com"]; got != models.StateComplete {
		t.Errorf("target state = %s", got)
	}
	if r.ToolVersions["bbot"] != "2.3.0" || r.ToolVersions["nuclei-high"] != "3.2.0" {
		t.Errorf("versions = %v", r.ToolVersions)
	}
	if r.Cache.Misses == 0 || r.Cache.Hits != 0 {
		t.Errorf("cache stats = %+v", r.Cache)
	}

	calls := f.countCalls(t)
	if calls["bbot example.com"] != 1 || calls["nuclei high"] != 1 || calls["nuclei medium"] != 1 {
		t.Errorf("calls = %v", calls)
	}

	loaded, err := f.writer.Load(res.RunID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Summary.TotalFindings != 1 || loaded.Status != models.RunStatusComplete {
		t.Errorf("persisted summary = %+v status %s", loaded.Summary, loaded.Status)
	}
}

func TestDegradedTargetDoesNotAbortRun(t *testing.T) {
	f := newFixture(t, "example.com", "broken.test")
	res, err := f.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != models.RunStatusPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	r := res.Report
	if r.TargetStates["broken.test"] != models.StateReconDegraded {
		t.Errorf("broken.test state = %s", r.TargetStates["broken.test"])
	}
	if r.TargetStates["example.com"] != models.StateComplete {
		t.Errorf("example.com state = %s", r.TargetStates["example.com"])
	}
	if r.Summary.DegradedTargets != 1 {
		t.Errorf("degraded targets = %d", r.Summary.DegradedTargets)
	}
	if len(r.Degraded) != 1 || r.Degraded[0].Scope != "target" || r.Degraded[0].Tool != "bbot" {
		t.Fatalf("degraded = %+v", r.Degraded)
	}
	if len(r.Findings) != 1 {
		t.Errorf("findings = %d, want 1", len(r.Findings))
	}
}

func TestTimedOutReconToolDegradesOnlyItsTarget(t *testing.T) {
	f := newFixture(t, "example.com", "slow.test")
	f.cfg.Recon.Tools[0].Timeout = time.Second

	start := time.Now()
	res, err := f.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Errorf("run took %s, slow tool was not killed", elapsed)
	}
	if res.Status != models.RunStatusPartial || len(res.Paths) == 0 {
		t.Fatalf("status = %s, paths = %v", res.Status, res.Paths)
	}
	r := res.Report
	if got := r.TargetStates["slow.test"]; got != models.StateReconDegraded {
		t.Errorf("slow.test state = %s", got)
	}
	if got := r.TargetStates["example.com"]; got != models.StateComplete {
		t.Errorf("example.com state = %s", got)
	}
	if len(r.Degraded) != 1 {
		t.Fatalf("degraded = %+v", r.Degraded)
	}
	d := r.Degraded[0]
	if d.Target != "slow.test" || d.Scope != "target" || !errors.Is(d.Err, models.ErrToolTimeout) {
		t.Errorf("degraded entry = %+v", d)
	}
	if !strings.Contains(d.Reason, models.ErrToolTimeout.Error()) {
		t.Errorf("reason = %q", d.Reason)
	}
	if len(r.Findings) != 1 {
		t.Errorf("findings = %d, want 1", len(r.Findings))
	}
}

func TestOutOfScopeAssetsNeverReachVulnStage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orchestrator(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	data, err := os.ReadFile(f.hosts)
	if err != nil {
		t.Fatalf("read hosts: %v", err)
	}
	seen := make(map[string]bool)
	for _, h := range strings.Fields(string(data)) {
		seen[strings.TrimSuffix(strings.ToLower(h), ".")] = true
	}
	for _, want := range []string{"example.com", "a.example.com", "b.example.com"} {
		if !seen[want] {
			t.Errorf("%s was not scanned; scanned %v", want, seen)
		}
	}
	for _, banned := range []string{"partner-cdn.evil.org", "203.0.113.9", "staging.example.com"} {
		if seen[banned] {
			t.Errorf("out-of-scope asset %s reached the vuln stage", banned)
		}
	}
	if len(seen) != 3 {
		t.Errorf("scanned hosts = %v, want 3", seen)
	}
}

func TestSecondRunServedFromCache(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orchestrator(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := f.countCalls(t)

	res, err := f.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := f.countCalls(t)
	for k, v := range first {
		if second[k] != v {
			t.Errorf("%s invoked again: %d -> %d", k, v, second[k])
		}
	}
	if res.Report.Cache.Hits != 3 {
		t.Errorf("cache hits = %d, want 3", res.Report.Cache.Hits)
	}
	for _, j := range res.Report.Jobs {
		if j.Status != models.JobCached {
			t.Errorf("job %s/%s status = %s", j.Stage, j.Tool, j.Status)
		}
	}
	if len(res.Report.Findings) != 1 {
		t.Errorf("findings = %d, want 1", len(res.Report.Findings))
	}
}

func TestCancelledRunWritesPartialReport(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.dir, "nuclei.started")
	for i := range f.cfg.Vuln.Tools {
		f.cfg.Vuln.Tools[i].Env["HANG"] = marker
	}
	o := f.orchestrator(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := o.Run(ctx)
		done <- outcome{res, err}
	}()

	deadline := time.Now().Add(15 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("vuln stage never started")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	if time.Since(start) > 25*time.Second {
		t.Errorf("run took %s, subprocess was not killed", time.Since(start))
	}
	if out.err != nil {
		t.Fatalf("run: %v", out.err)
	}
	if out.res.Status != models.RunStatusCancelled || out.res.Report.Status != models.RunStatusCancelled {
		t.Errorf("status = %s", out.res.Status)
	}
	if len(out.res.Paths) == 0 {
		t.Error("expected a partial report on disk")
	}
	if len(out.res.Report.Findings) != 0 {
		t.Errorf("findings = %d, want 0", len(out.res.Report.Findings))
	}
	r := out.res.Report
	if got := r.TargetStates["example.com"]; got != models.StateVulnDegraded {
		t.Errorf("interrupted target state = %s, want %s", got, models.StateVulnDegraded)
	}
	var marked bool
	for _, d := range r.Degraded {
		if d.Target == "example.com" && d.Stage == models.StageVuln && d.Reason == "cancelled" && errors.Is(d.Err, context.Canceled) {
			marked = true
		}
	}
	if !marked {
		t.Errorf("cancelled target not recorded as degraded: %+v", r.Degraded)
	}
}

func TestCancelledBeforeAnyOutput(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orchestrator(t, nil).Run(ctx)
	if !errors.Is(err, models.ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
	reports, lerr := f.writer.List()
	if lerr != nil {
		t.Fatalf("list: %v", lerr)
	}
	if len(reports) != 0 {
		t.Errorf("no report expected, found %d", len(reports))
	}
}

func TestDryRunExecutesNothing(t *testing.T) {
	f := newFixture(t, "example.com", "10.0.0.0/30")
	f.cfg.DryRun = true
	res, err := f.orchestrator(t, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.DryRun || res.Report != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Plan) != 2 {
		t.Fatalf("plan = %+v", res.Plan)
	}
	if got := strings.Join(res.Plan[0].VulnTools, ","); got != "nuclei-high,nuclei-medium" {
		t.Errorf("vuln plan = %s", got)
	}
	if calls := f.countCalls(t); len(calls) != 0 {
		t.Errorf("tools ran during dry run: %v", calls)
	}
}

func TestHistoryGateSkipsRun(t *testing.T) {
	f := newFixture(t)
	h, err := storage.NewScanHistory(filepath.Join(f.dir, "cache", "scan_history.json"), 1, 0, f.logger)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if _, err := f.orchestrator(t, h).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err = f.orchestrator(t, h).Run(context.Background())
	if !errors.Is(err, models.ErrRunThrottled) {
		t.Fatalf("expected ErrRunThrottled, got %v", err)
	}
}

func TestHistoryRecordedAtGate(t *testing.T) {
	f := newFixture(t)
	h, err := storage.NewScanHistory(filepath.Join(f.dir, "cache", "scan_history.json"), 5, time.Hour, f.logger)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.orchestrator(t, h).Run(ctx); !errors.Is(err, models.ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
	if _, ok := h.Get("acme"); !ok {
		t.Fatal("admitted run was not recorded")
	}
	if _, err := f.orchestrator(t, h).Run(context.Background()); !errors.Is(err, models.ErrRunThrottled) {
		t.Fatalf("overlapping run inside cooldown passed the gate: %v", err)
	}
}

func TestNewRejectsUnknownTool(t *testing.T) {
	f := newFixture(t)
	f.cfg.Recon.Tools = append(f.cfg.Recon.Tools, models.ToolConfig{Name: "amass"})
	store, _ := scope.New("acme", []string{"example.com"}, nil, f.logger)
	_, err := New(f.cfg, Deps{
		Scope:  store,
		Cache:  f.cache,
		Runner: toolrunner.NewRunner(0, 0, nil, f.logger),
		Writer: f.writer,
	})
	if !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestAssetSetAddReturnsOnlyNew(t *testing.T) {
	s := NewAssetSet()
	got := s.Add(
		models.Asset{Value: "A.example.com.", Kind: models.AssetKindHost},
		models.Asset{Value: "a.example.com", Kind: models.AssetKindHost},
		models.Asset{Value: "b.example.com", Kind: models.AssetKindHost},
	)
	if len(got) != 2 || got[0].Value != "a.example.com" {
		t.Fatalf("first add = %+v", got)
	}
	if again := s.Add(models.Asset{Value: "B.EXAMPLE.COM"}); len(again) != 0 {
		t.Errorf("duplicate returned as new: %+v", again)
	}
	if s.Len() != 2 {
		t.Errorf("len = %d, want 2", s.Len())
	}
	all := s.All()
	if all[0].Value != "a.example.com" || all[1].Value != "b.example.com" {
		t.Errorf("all = %+v", all)
	}
}

func TestThrottler(t *testing.T) {
	th := NewThrottler(models.ThrottleConfig{
		DefaultRPS:       0.5,
		ProgramOverrides: map[string]float64{"fast": 0, "slow": 0.001},
	}, nil)

	cases := []struct {
		program string
		limit   int
	}{
		{"default", 1},
		{"fast", 0},
		{"slow", 1},
	}
	for _, tc := range cases {
		if got := th.RateLimit(tc.program); got != tc.limit {
			t.Errorf("RateLimit(%s) = %d, want %d", tc.program, got, tc.limit)
		}
	}

	for i := 0; i < 5; i++ {
		if err := th.Wait(context.Background(), "fast"); err != nil {
			t.Fatalf("unlimited program blocked: %v", err)
		}
	}

	if err := th.Wait(context.Background(), "slow"); err != nil {
		t.Fatalf("burst token refused: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := th.Wait(ctx, "slow"); err == nil {
		t.Fatal("expected the second slow invocation to be throttled")
	}

	stats := th.Stats()
	if stats["waits"] != int64(7) || stats["blocked"] != int64(1) || stats["programs"] != 2 {
		t.Errorf("stats = %v", stats)
	}
}
