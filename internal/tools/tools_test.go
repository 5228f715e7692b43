package tools

import (
	"errors"
	"strings"
	"testing"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

func TestBBOTParseAssets(t *testing.T) {
	out := strings.Join([]string{
		`{"type":"SCAN","data":{"name":"icarus"}}`,
		`{"type":"DNS_NAME","data":"A.Example.com","module":"crt"}`,
		`{"type":"IP_ADDRESS","data":"93.184.216.34"}`,
		`{"type":"OPEN_TCP_PORT","data":"b.example.com:8443"}`,
		`{"type":"URL","data":"https://b.example.com/login"}`,
		`not json at all`,
		`{"type":"FINDING","data":{"description":"x"}}`,
		``,
	}, "\n")

	b := NewBBOT(models.ToolConfig{Name: "bbot"})
	assets, errs := b.ParseAssets("example.com", []byte(out))
	if len(assets) != 4 {
		t.Fatalf("expected 4 assets, got %d: %+v", len(assets), assets)
	}
	if assets[0].Value != "a.example.com" || assets[0].Kind != models.AssetKindHost {
		t.Errorf("unexpected dns asset %+v", assets[0])
	}
	if assets[2].Kind != models.AssetKindService || assets[2].Port != 8443 {
		t.Errorf("unexpected port asset %+v", assets[2])
	}
	if assets[0].Origin != "example.com" || assets[0].Source != "bbot" {
		t.Errorf("origin/source not set: %+v", assets[0])
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 parse error, got %v", errs)
	}
	var pe *models.ParseError
	if !errors.As(errs[0], &pe) || pe.Line != 6 {
		t.Errorf("unexpected parse error %v", errs[0])
	}
}

func TestSubfinderParseAndSupports(t *testing.T) {
	out := `{"host":"a.example.com","input":"example.com","source":"crtsh"}
{"host":"B.example.com.","input":"example.com","source":"alienvault"}
{"input":"example.com"}
`
	s := NewSubfinder(models.ToolConfig{Name: "subfinder"})
	assets, errs := s.ParseAssets("example.com", []byte(out))
	if len(assets) != 2 || assets[1].Value != "b.example.com" {
		t.Fatalf("unexpected assets %+v", assets)
	}
	if len(errs) != 1 {
		t.Errorf("expected one error for record without host, got %v", errs)
	}
	if s.Supports(models.Target{Value: "10.0.0.0/24", Kind: models.TargetKindCIDR}) {
		t.Error("subfinder should not accept CIDR targets")
	}
	inv := s.Invocation([]string{"example.com"}, RunOptions{})
	if strings.Join(inv.Args[:2], " ") != "-d example.com" {
		t.Errorf("unexpected args %v", inv.Args)
	}
	if !inv.Exit.SilentFailureIsEmpty {
		t.Error("recon tools should treat silent failure as empty")
	}
}

func TestNucleiParseFindings(t *testing.T) {
	out := `{"template-id":"cve-2024-0001","info":{"name":"Example RCE","severity":"critical","tags":["cve","rce"]},"host":"https://a.example.com","matched-at":"https://a.example.com/api","type":"http","matcher-name":"body","timestamp":"2026-01-02T03:04:05.123Z"}
{"template-id":"exposed-panel","info":{"name":"Admin Panel","severity":"medium","tags":"panel,exposure"},"host":"b.example.com","matched-at":"b.example.com:443"}
{"template-id":"broken",
{"info":{"severity":"low"}}
`
	n := NewNuclei(models.ToolConfig{Name: "nuclei", ID: "nuclei-cves"})
	findings, errs := n.ParseFindings([]byte(out))
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 parse errors, got %v", errs)
	}
	f := findings[0]
	if f.Tool != "nuclei-cves" || f.Category != "vuln" || f.Severity != "critical" {
		t.Errorf("unexpected finding %+v", f)
	}
	if len(f.Tags) != 2 || f.Evidence["matcher_name"] != "body" {
		t.Errorf("tags/evidence not carried: %+v", f)
	}
	if f.DetectedAt.Year() != 2026 {
		t.Errorf("timestamp not parsed: %v", f.DetectedAt)
	}
	if got := findings[1].Tags; len(got) != 2 || got[0] != "panel" {
		t.Errorf("comma separated tags not split: %v", got)
	}
}

func TestNucleiInvocation(t *testing.T) {
	n := NewNuclei(models.ToolConfig{
		Name:      "nuclei",
		Templates: []string{"cves/", "exposures/"},
		Severity:  []string{"high", "critical"},
		Headers:   []string{"X-Bug-Bounty: acme"},
	})
	inv := n.Invocation([]string{"a.example.com", "b.example.com"}, RunOptions{RateLimit: 5})
	args := strings.Join(inv.Args, " ")
	for _, want := range []string{"-jsonl", "-t cves/", "-t exposures/", "-severity high,critical", "-rl 5", "-H X-Bug-Bounty: acme"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if string(inv.Stdin) != "a.example.com\nb.example.com\n" {
		t.Errorf("unexpected stdin %q", inv.Stdin)
	}
	if inv.Exit.SilentFailureIsEmpty {
		t.Error("vuln scanner should not hide silent failures")
	}
}

func TestFingerprintChangesWithConfigAndVersion(t *testing.T) {
	a := NewNuclei(models.ToolConfig{Name: "nuclei", Templates: []string{"cves/"}})
	b := NewNuclei(models.ToolConfig{Name: "nuclei", Templates: []string{"exposures/"}})
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different templates share a fingerprint")
	}
	before := a.Fingerprint()
	a.SetVersion("3.3.0")
	if a.Fingerprint() == before {
		t.Error("version change did not alter fingerprint")
	}
	c := NewNuclei(models.ToolConfig{Name: "nuclei", Templates: []string{"cves/"}})
	c.SetVersion("3.3.0")
	if a.Fingerprint() != c.Fingerprint() {
		t.Error("identical config produced different fingerprints")
	}

	anon := NewNuclei(models.ToolConfig{Name: "nuclei"})
	authed := NewNuclei(models.ToolConfig{Name: "nuclei", Headers: []string{"Authorization: Bearer secret"}})
	if anon.Fingerprint() == authed.Fingerprint() {
		t.Error("request headers not part of fingerprint")
	}
	h1 := NewNuclei(models.ToolConfig{Name: "nuclei", Headers: []string{"X-A: 1", "X-B: 2"}})
	h2 := NewNuclei(models.ToolConfig{Name: "nuclei", Headers: []string{"X-B: 2", "X-A: 1"}})
	if h1.Fingerprint() != h2.Fingerprint() {
		t.Error("header order changed fingerprint")
	}

	plain := NewBBOT(models.ToolConfig{Name: "bbot"})
	withEnv := NewBBOT(models.ToolConfig{Name: "bbot", Env: map[string]string{"BBOT_MODULES": "httpx"}})
	if plain.Fingerprint() == withEnv.Fingerprint() {
		t.Error("environment not part of fingerprint")
	}
	otherBin := NewBBOT(models.ToolConfig{Name: "bbot", Binary: "/opt/bbot/bin/bbot"})
	if plain.Fingerprint() == otherBin.Fingerprint() {
		t.Error("binary path not part of fingerprint")
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]string{
		"[INF] Nuclei Engine Version: v3.3.7\n": "3.3.7",
		"Current Version: v2.6.6":               "2.6.6",
		"v2.1.0-rc.1":                           "2.1.0-rc.1",
	}
	for in, want := range cases {
		v, err := ParseVersion([]byte(in))
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if v.String() != want {
			t.Errorf("%q: got %s, want %s", in, v, want)
		}
	}
	if _, err := ParseVersion([]byte("no version here")); err == nil {
		t.Error("expected error without a version")
	}
}

func TestCheckMinVersion(t *testing.T) {
	if err := CheckMinVersion("3.3.0", "3.0.0"); err != nil {
		t.Errorf("newer version rejected: %v", err)
	}
	if err := CheckMinVersion("2.9.0", "3.0.0"); err == nil {
		t.Error("older version accepted")
	}
	if err := CheckMinVersion("2.9.0", ""); err != nil {
		t.Error("empty minimum should accept anything")
	}
}

func TestFactoryRejectsWrongStage(t *testing.T) {
	if _, err := NewRecon(models.ToolConfig{Name: "nuclei"}); !errors.Is(err, models.ErrConfig) {
		t.Errorf("nuclei accepted as recon tool: %v", err)
	}
	if _, err := NewVuln(models.ToolConfig{Name: "bbot"}); !errors.Is(err, models.ErrConfig) {
		t.Errorf("bbot accepted as vuln tool: %v", err)
	}
	if _, err := New(models.ToolConfig{Name: "masscan"}); !errors.Is(err, models.ErrConfig) {
		t.Errorf("unknown adapter accepted: %v", err)
	}
}
