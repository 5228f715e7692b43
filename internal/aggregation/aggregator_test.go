package aggregation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func raw(tool, asset, title, sev string, at time.Time) models.RawFinding {
	return models.RawFinding{
		Tool:       tool,
		Category:   "vuln",
		Asset:      asset,
		Title:      title,
		Severity:   sev,
		DetectedAt: at,
	}
}

func TestAddIdempotent(t *testing.T) {
	a := New(nil)
	r := raw("nuclei", "a.example.com", "Open Redirect", "medium", t0)

	if _, inserted, err := a.Add(r); err != nil || !inserted {
		t.Fatalf("first add: inserted=%v err=%v", inserted, err)
	}
	r.DetectedAt = t0.Add(time.Minute)
	f, inserted, err := a.Add(r)
	if err != nil || inserted {
		t.Fatalf("second add: inserted=%v err=%v", inserted, err)
	}
	if a.Len() != 1 {
		t.Fatalf("expected 1 finding, got %d", a.Len())
	}
	if !f.LastSeen.Equal(t0.Add(time.Minute)) || !f.FirstSeen.Equal(t0) {
		t.Errorf("first/last seen wrong: %v %v", f.FirstSeen, f.LastSeen)
	}
	if f.Detections != 2 {
		t.Errorf("expected 2 detections, got %d", f.Detections)
	}
}

func TestNormalizationCollapsesVariants(t *testing.T) {
	a := New(nil)
	a.Add(raw("nuclei", "https://A.Example.com/login", "Open  Redirect", "low", t0))
	a.Add(raw("nuclei", "a.example.com.", "open redirect", "low", t0))
	a.Add(raw("nuclei", "a.example.com:8443", "ｏｐｅｎ redirect", "low", t0))
	if a.Len() != 1 {
		t.Fatalf("expected variants to collapse, got %d findings", a.Len())
	}
	if got := a.Findings()[0].AssetRef; got != "a.example.com" {
		t.Errorf("asset ref %q", got)
	}
}

func TestSeverityMergeOrderIndependent(t *testing.T) {
	high := raw("nuclei-cves", "a.example.com", "SQL Injection", "high", t0)
	high.Description = "from cves pass"
	medium := raw("nuclei-exposures", "a.example.com", "SQL Injection", "medium", t0.Add(time.Second))
	medium.Description = "from exposures pass"

	orders := [][]models.RawFinding{{high, medium}, {medium, high}}
	var results []models.Finding
	for _, order := range orders {
		a := New(nil)
		a.AddAll(order)
		fs := a.Findings()
		if len(fs) != 1 {
			t.Fatalf("expected 1 finding, got %d", len(fs))
		}
		results = append(results, fs[0])
	}
	for i, f := range results {
		if f.Severity != models.SeverityHigh {
			t.Errorf("order %d: severity %s", i, f.Severity)
		}
		if f.SourceTool != "nuclei-cves" || f.Description != "from cves pass" {
			t.Errorf("order %d: canonical fields from wrong pass: %+v", i, f)
		}
		if len(f.Sources) != 2 {
			t.Errorf("order %d: sources %v", i, f.Sources)
		}
	}
	if results[0].ID != results[1].ID || results[0].DedupKey != results[1].DedupKey {
		t.Error("identity differs between orders")
	}
}

func TestFindingsOrdering(t *testing.T) {
	a := New(nil)
	a.Add(raw("nuclei", "c.example.com", "Info Leak", "info", t0))
	a.Add(raw("nuclei", "b.example.com", "XSS", "medium", t0.Add(2*time.Second)))
	a.Add(raw("nuclei", "a.example.com", "RCE", "critical", t0.Add(5*time.Second)))
	a.Add(raw("nuclei", "d.example.com", "CSRF", "medium", t0.Add(time.Second)))

	fs := a.Findings()
	want := []string{"rce", "csrf", "xss", "info leak"}
	for i, f := range fs {
		if NormalizeTitle(f.Title) != want[i] {
			t.Errorf("position %d: got %q want %q", i, f.Title, want[i])
		}
	}
}

func TestAddRejectsIncompleteRecords(t *testing.T) {
	a := New(nil)
	if _, _, err := a.Add(raw("nuclei", "", "X", "low", t0)); err == nil {
		t.Error("expected error for missing asset")
	}
	if _, _, err := a.Add(raw("nuclei", "a.example.com", " ", "low", t0)); err == nil {
		t.Error("expected error for missing title")
	}
	if n := a.AddAll([]models.RawFinding{raw("nuclei", "", "X", "low", t0), raw("nuclei", "a.example.com", "X", "low", t0)}); n != 1 {
		t.Errorf("AddAll inserted %d", n)
	}
}

func TestConcurrentAdd(t *testing.T) {
	a := New(nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				a.Add(raw(fmt.Sprintf("tool-%d", w), fmt.Sprintf("h%d.example.com", i), "Same Issue", "low", t0))
			}
		}(w)
	}
	wg.Wait()
	if a.Len() != 50 {
		t.Fatalf("expected 50 findings, got %d", a.Len())
	}
	for _, f := range a.Findings() {
		if f.Detections != 8 {
			t.Fatalf("%s: %d detections", f.AssetRef, f.Detections)
		}
	}
}

func TestFilters(t *testing.T) {
	fs := []models.Finding{
		{Severity: models.SeverityCritical, Tags: []string{"rce"}},
		{Severity: models.SeverityHigh, Tags: []string{"xss"}},
		{Severity: models.SeverityMedium, Tags: []string{"rce"}},
	}
	if got := FilterMinSeverity(fs, models.SeverityHigh); len(got) != 2 {
		t.Errorf("min severity kept %d", len(got))
	}
	if got := Payable(fs, []string{"RCE"}); len(got) != 1 || got[0].Severity != models.SeverityCritical {
		t.Errorf("payable = %+v", got)
	}
}
