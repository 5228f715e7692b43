package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in    string
		value string
		kind  TargetKind
	}{
		{"Example.COM.", "example.com", TargetKindDomain},
		{"10.0.0.1", "10.0.0.1", TargetKindIP},
		{"10.0.0.7/24", "10.0.0.0/24", TargetKindCIDR},
		{"bücher.example", "xn--bcher-kva.example", TargetKindDomain},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.in, err)
		}
		if got.Value != tc.value || got.Kind != tc.kind {
			t.Errorf("%s: got %s/%s, want %s/%s", tc.in, got.Value, got.Kind, tc.value, tc.kind)
		}
	}
	if _, err := ParseTarget("   "); err == nil {
		t.Error("expected error for blank target")
	}
}

func TestSeverityOrderingAndAliases(t *testing.T) {
	if !(SeverityCritical > SeverityHigh && SeverityHigh > SeverityMedium && SeverityInfo > SeverityUnknown) {
		t.Fatal("severity order broken")
	}
	for in, want := range map[string]Severity{
		"CRIT":          SeverityCritical,
		"moderate":      SeverityMedium,
		"informational": SeverityInfo,
		"bogus":         SeverityUnknown,
	} {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestScanJobTransitions(t *testing.T) {
	now := time.Now()
	job := &ScanJob{ID: "j1", Status: JobPending}
	if err := job.Transition(JobRunning, now); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	if err := job.Transition(JobPending, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if job.Status != JobRunning {
		t.Fatalf("status changed on rejected transition: %s", job.Status)
	}
	if err := job.Transition(JobFailed, now); err != nil {
		t.Fatalf("running->failed: %v", err)
	}
	if !job.Terminal() || job.Succeeded() {
		t.Error("failed job should be terminal and unsuccessful")
	}
	if err := job.Transition(JobDone, now); err == nil {
		t.Error("terminal job accepted a transition")
	}

	cached := &ScanJob{ID: "j2", Status: JobPending}
	if err := cached.Transition(JobCached, now); err != nil || !cached.Succeeded() {
		t.Errorf("pending->cached: %v", err)
	}
}

func TestTargetStateMachine(t *testing.T) {
	valid := [][2]TargetState{
		{StatePending, StateReconRunning},
		{StateReconRunning, StateReconDegraded},
		{StateReconDone, StateComplete},
		{StateVulnRunning, StateVulnDegraded},
	}
	for _, v := range valid {
		if !v[0].CanTransition(v[1]) {
			t.Errorf("%s -> %s should be allowed", v[0], v[1])
		}
	}
	if StateReconDegraded.CanTransition(StateVulnRunning) {
		t.Error("degraded target must not enter vuln stage")
	}
	if StateComplete.CanTransition(StatePending) {
		t.Error("complete target must not restart")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	err := NewConfigError("scope", "empty after exclusions")
	if !errors.Is(err, ErrConfig) {
		t.Error("ConfigError should match ErrConfig")
	}
	toolErr := &ToolError{Tool: "nuclei", Kind: ErrToolTimeout}
	if !errors.Is(toolErr, ErrToolTimeout) || errors.Is(toolErr, ErrToolCrash) {
		t.Error("ToolError kind mismatch")
	}
	inner := errors.New("bad json")
	pe := &ParseError{Tool: "nuclei", Line: 3, Err: inner}
	if !errors.Is(pe, ErrParse) || !errors.Is(pe, inner) {
		t.Error("ParseError should match both ErrParse and its cause")
	}
}

func TestFindingPayable(t *testing.T) {
	f := &Finding{Severity: SeverityHigh, Tags: []string{"RCE", "cve"}}
	if !f.IsPayable([]string{"rce"}) {
		t.Error("high rce finding should be payable")
	}
	f.Severity = SeverityMedium
	if f.IsPayable([]string{"rce"}) {
		t.Error("medium finding should not be payable")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Vuln.Tools = append(cfg.Vuln.Tools, ToolConfig{Name: "nuclei"})
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected duplicate tool id error, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.MaxConcurrentPrograms = 0
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected max_concurrent_programs error, got %v", err)
	}
}

func TestAssetNormalization(t *testing.T) {
	if got := NormalizeAssetValue("HTTPS://A.Example.COM./login"); got != "https://a.example.com/login" {
		t.Errorf("unexpected url normalization %q", got)
	}
	if got := HostOf("a.example.com:8443"); got != "a.example.com" {
		t.Errorf("unexpected host %q", got)
	}
	if got := HostOf("https://b.example.com/x"); got != "b.example.com" {
		t.Errorf("unexpected host %q", got)
	}
}
