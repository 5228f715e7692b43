package scope

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

func TestResolvedTargetsSubtractsExclusions(t *testing.T) {
	s, err := New("acme",
		[]string{"example.com", "EXAMPLE.com.", "dev.example.com", "a.internal.example.com", "10.0.0.5", "10.1.0.0/24", "192.168.1.0/24"},
		[]string{"dev.example.com", "*.internal.example.com", "10.0.0.0/16", "192.168.0.0/16"},
		nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got, err := s.ResolvedTargets()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var values []string
	for _, tgt := range got {
		values = append(values, tgt.Value)
	}
	want := "example.com,10.1.0.0/24"
	if strings.Join(values, ",") != want {
		t.Fatalf("expected %s, got %s", want, strings.Join(values, ","))
	}

	all := s.Targets()
	if len(all) != 7 {
		t.Fatalf("expected 7 loaded targets, got %d", len(all))
	}
	excluded := 0
	for _, tgt := range all {
		if tgt.Excluded {
			excluded++
		}
	}
	if excluded != 4 {
		t.Errorf("expected 4 excluded targets, got %d", excluded)
	}
}

func TestWildcardDoesNotExcludeApex(t *testing.T) {
	s, err := New("acme", []string{"example.com"}, []string{"*.example.com"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.ResolvedTargets(); err != nil {
		t.Fatalf("apex should survive wildcard exclusion: %v", err)
	}
	if s.InScope("a.example.com") {
		t.Error("subdomain should be excluded by wildcard")
	}
	if !s.InScope("example.com") {
		t.Error("apex should be in scope")
	}
}

func TestEmptyAfterExclusionIsConfigError(t *testing.T) {
	s, err := New("acme", []string{"example.com"}, []string{"example.com"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = s.ResolvedTargets()
	if !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestInvalidEntryIsConfigError(t *testing.T) {
	if _, err := New("acme", []string{"bad domain!"}, nil, nil); !errors.Is(err, models.ErrConfig) {
		t.Errorf("expected config error for bad scope entry, got %v", err)
	}
	if _, err := New("acme", []string{"example.com"}, []string{"*."}, nil); !errors.Is(err, models.ErrConfig) {
		t.Errorf("expected config error for bad exclusion, got %v", err)
	}
}

func TestInScope(t *testing.T) {
	s, err := New("acme",
		[]string{"example.com", "*.example.net", "198.51.100.7", "192.0.2.0/24", "10.0.0.0/8"},
		[]string{"*.corp.example.com", "10.0.0.0/8", "old.example.com", "192.0.2.128/25"},
		nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cases := map[string]bool{
		"a.example.com":                 true,
		"example.com":                   true,
		"a.example.com:8443":            true,
		"deep.a.example.net":            true,
		"https://x.corp.example.com/a":  false,
		"OLD.example.com.":              false,
		"http://old.example.com:80/x?y": false,
		"partner-cdn.evil.org":          false,
		"notexample.com":                false,
		"198.51.100.7":                  true,
		"198.51.100.8":                  false,
		"192.0.2.10":                    true,
		"192.0.2.200":                   false,
		"10.2.3.4":                      false,
		"203.0.113.9":                   false,
		"":                              false,
	}
	for asset, want := range cases {
		if got := s.InScope(asset); got != want {
			t.Errorf("InScope(%q) = %v, want %v", asset, got, want)
		}
	}
}

func TestLoadScopeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	content := "program: acme\nscope:\n  - example.com\n  - example.org\nexclusions:\n  - example.org\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Program() != "acme" {
		t.Errorf("unexpected program %q", s.Program())
	}
	got, err := s.ResolvedTargets()
	if err != nil || len(got) != 1 || got[0].Value != "example.com" {
		t.Fatalf("unexpected targets %v (%v)", got, err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); !errors.Is(err, models.ErrConfig) {
		t.Errorf("missing file should be a config error, got %v", err)
	}
}

func TestLoadProgramsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	content := `exclusions:
  - "*.corp.example.com"
programs:
  - program: acme
    scope: [example.com]
    rps: 5
  - program: beta
    scope: [example.org, old.example.org]
    exclusions: [old.example.org]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	stores, err := LoadPrograms(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stores) != 2 || stores[0].Program() != "acme" || stores[1].Program() != "beta" {
		t.Fatalf("unexpected programs %v", stores)
	}
	if rps, ok := stores[0].RPS(); !ok || rps != 5 {
		t.Errorf("acme rps = %v, %v", rps, ok)
	}
	if _, ok := stores[1].RPS(); ok {
		t.Error("beta has no rps in the file")
	}
	if stores[0].InScope("vpn.corp.example.com") {
		t.Error("global exclusion not applied to acme")
	}
	got, err := stores[1].ResolvedTargets()
	if err != nil || len(got) != 1 || got[0].Value != "example.org" {
		t.Errorf("beta targets = %v (%v)", got, err)
	}

	if _, err := Load(path, nil); !errors.Is(err, models.ErrConfig) {
		t.Errorf("Load on a multi-program file should be a config error, got %v", err)
	}
}

func TestLoadProgramsRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"duplicate", "scope.yaml", `programs:
  - {program: acme, scope: [a.com]}
  - {program: acme, scope: [b.com]}
`},
		{"unnamed", "scope.yaml", `programs:
  - {program: acme, scope: [a.com]}
  - {scope: [b.com]}
`},
		{"mixed", "scope.yaml", `scope: [a.com]
programs:
  - {program: acme, scope: [b.com]}
`},
		{"negative rps", "scope.yaml", `programs:
  - {program: acme, scope: [a.com], rps: -1}
`},
		{"no eligible", "programs.json", `{"programs":[{"name":"acme","assets":[{"asset":"a.com","eligible":false}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadPrograms(path, nil); !errors.Is(err, models.ErrConfig) {
				t.Fatalf("want config error, got %v", err)
			}
		})
	}
}

func TestLoadProgramsPlatformJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.json")
	content := `{"programs":[
  {"name":"acme","policy":{"max_requests_per_second":2.5},
   "assets":[{"asset":"example.com","eligible":true},{"asset":"legacy.example.com","eligible":false}]},
  {"name":"ghost","assets":[{"asset":"ghost.test","eligible":false}]},
  {"name":"beta","assets":[{"asset":"198.51.100.0/24","eligible":true}]}
]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	stores, err := LoadPrograms(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stores) != 2 {
		t.Fatalf("want acme and beta, got %d programs", len(stores))
	}
	acme := stores[0]
	if acme.Program() != "acme" || len(acme.Targets()) != 1 || acme.Targets()[0].Value != "example.com" {
		t.Errorf("acme = %s %v", acme.Program(), acme.Targets())
	}
	if rps, ok := acme.RPS(); !ok || rps != 2.5 {
		t.Errorf("acme rps = %v, %v", rps, ok)
	}
	if !stores[1].InScope("198.51.100.20") {
		t.Error("beta CIDR not loaded")
	}
}

func TestRegistrableDomain(t *testing.T) {
	cases := map[string]string{
		"a.b.example.co.uk":       "example.co.uk",
		"https://x.example.com/y": "example.com",
		"10.0.0.1":                "10.0.0.1",
	}
	for in, want := range cases {
		if got := RegistrableDomain(in); got != want {
			t.Errorf("RegistrableDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
