package scope

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// File is the on-disk layout of a scope file. It names either a single
// program at the top level or several under programs; top-level exclusions
// apply to every program.
type File struct {
	Program    string         `yaml:"program"`
	Scope      []string       `yaml:"scope"`
	Exclusions []string       `yaml:"exclusions"`
	RPS        *float64       `yaml:"rps"`
	Programs   []ProgramEntry `yaml:"programs"`
}

type ProgramEntry struct {
	Program    string   `yaml:"program"`
	Scope      []string `yaml:"scope"`
	Exclusions []string `yaml:"exclusions"`
	RPS        *float64 `yaml:"rps"`
}

// platformFile is the program listing exported by the HackerOne API.
type platformFile struct {
	Programs []struct {
		Name   string `json:"name"`
		Assets []struct {
			Asset    string `json:"asset"`
			Eligible bool   `json:"eligible"`
		} `json:"assets"`
		Policy struct {
			MaxRequestsPerSecond *float64 `json:"max_requests_per_second"`
		} `json:"policy"`
	} `json:"programs"`
}

type rule struct {
	raw      string
	exact    string
	wildcard string // suffix including the leading dot
	network  *net.IPNet
}

// Store holds the loaded scope of one program. It is read-only after
// construction and safe for concurrent use.
type Store struct {
	program string
	rps     *float64
	targets []models.Target
	rules   []rule
	logger  *logrus.Logger
}

func New(program string, scope, exclusions []string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Store{program: program, logger: logger}

	for _, raw := range exclusions {
		r, err := parseRule(raw)
		if err != nil {
			return nil, models.NewConfigError("exclusions", "%v", err)
		}
		s.rules = append(s.rules, r)
	}

	for _, raw := range scope {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		t, err := models.ParseTarget(strings.TrimPrefix(strings.TrimSpace(raw), "*."))
		if err != nil {
			return nil, models.NewConfigError("scope", "%v", err)
		}
		t.Excluded = s.excludesTarget(t)
		s.targets = append(s.targets, t)
	}
	return s, nil
}

// Load reads a scope file that names exactly one program.
func Load(path string, logger *logrus.Logger) (*Store, error) {
	stores, err := LoadPrograms(path, logger)
	if err != nil {
		return nil, err
	}
	if len(stores) != 1 {
		return nil, models.NewConfigError("scope_file", "%s lists %d programs, expected one", path, len(stores))
	}
	return stores[0], nil
}

// LoadPrograms reads every program from a scope file. Files ending in .json
// are read as a HackerOne program listing, keeping only eligible assets;
// anything else is the YAML layout of File.
func LoadPrograms(path string, logger *logrus.Logger) ([]*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewConfigError("scope_file", "read %s: %v", path, err)
	}
	var entries []ProgramEntry
	if strings.EqualFold(filepath.Ext(path), ".json") {
		entries, err = parsePlatform(data)
	} else {
		entries, err = parseFile(data)
	}
	if err != nil {
		return nil, models.NewConfigError("scope_file", "parse %s: %v", path, err)
	}
	if len(entries) == 0 {
		return nil, models.NewConfigError("scope_file", "%s lists no programs", path)
	}

	seen := make(map[string]bool, len(entries))
	stores := make([]*Store, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(e.Program)
		if len(entries) > 1 {
			if name == "" {
				return nil, models.NewConfigError("programs", "every program needs a name when several are listed")
			}
			if seen[name] {
				return nil, models.NewConfigError("programs", "duplicate program %q", name)
			}
		}
		seen[name] = true
		if e.RPS != nil && *e.RPS < 0 {
			return nil, models.NewConfigError("programs", "%s: rps must not be negative", name)
		}
		s, err := New(name, e.Scope, e.Exclusions, logger)
		if err != nil {
			return nil, err
		}
		s.rps = e.RPS
		stores = append(stores, s)
	}
	return stores, nil
}

func parseFile(data []byte) ([]ProgramEntry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Programs) == 0 {
		return []ProgramEntry{{Program: f.Program, Scope: f.Scope, Exclusions: f.Exclusions, RPS: f.RPS}}, nil
	}
	if len(f.Scope) > 0 {
		return nil, fmt.Errorf("top-level scope cannot be combined with programs")
	}
	entries := make([]ProgramEntry, len(f.Programs))
	for i, p := range f.Programs {
		p.Exclusions = append(append([]string{}, f.Exclusions...), p.Exclusions...)
		entries[i] = p
	}
	return entries, nil
}

func parsePlatform(data []byte) ([]ProgramEntry, error) {
	var f platformFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	var entries []ProgramEntry
	for _, p := range f.Programs {
		e := ProgramEntry{Program: p.Name, RPS: p.Policy.MaxRequestsPerSecond}
		for _, a := range p.Assets {
			if a.Eligible && strings.TrimSpace(a.Asset) != "" {
				e.Scope = append(e.Scope, a.Asset)
			}
		}
		if len(e.Scope) == 0 {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Program() string {
	return s.program
}

// RPS is the request rate the scope file sets for the program, if any.
func (s *Store) RPS() (float64, bool) {
	if s.rps == nil {
		return 0, false
	}
	return *s.rps, true
}

// Targets returns every loaded target, excluded ones included.
func (s *Store) Targets() []models.Target {
	out := make([]models.Target, len(s.targets))
	copy(out, s.targets)
	return out
}

// ResolvedTargets returns the deduplicated scope with exclusions removed.
func (s *Store) ResolvedTargets() ([]models.Target, error) {
	seen := make(map[string]struct{}, len(s.targets))
	var out []models.Target
	for _, t := range s.targets {
		if t.Excluded {
			s.logger.Debugf("scope: %s excluded", t.Value)
			continue
		}
		if _, dup := seen[t.Value]; dup {
			continue
		}
		seen[t.Value] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, models.NewConfigError("scope", "no targets left after exclusions")
	}
	return out, nil
}

// InScope reports whether a discovered asset lies inside the program's
// scope and survives the exclusion rules. A host must equal or sit below a
// non-excluded domain target; an IP must match or fall inside a non-excluded
// IP or CIDR target. URLs and host:port values are judged by their host.
func (s *Store) InScope(asset string) bool {
	host := models.HostOf(asset)
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return s.coversIP(ip) && !s.excludesIP(ip)
	}
	if !s.coversHost(host) {
		return false
	}
	for _, r := range s.rules {
		if r.matchesHost(host) {
			return false
		}
	}
	return true
}

func (s *Store) coversHost(host string) bool {
	for _, t := range s.targets {
		if t.Excluded || t.Kind != models.TargetKindDomain {
			continue
		}
		if host == t.Value || strings.HasSuffix(host, "."+t.Value) {
			return true
		}
	}
	return false
}

func (s *Store) coversIP(ip net.IP) bool {
	for _, t := range s.targets {
		if t.Excluded {
			continue
		}
		switch t.Kind {
		case models.TargetKindIP:
			if ip.Equal(net.ParseIP(t.Value)) {
				return true
			}
		case models.TargetKindCIDR:
			if _, n, err := net.ParseCIDR(t.Value); err == nil && n.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Store) excludesTarget(t models.Target) bool {
	switch t.Kind {
	case models.TargetKindIP:
		return s.excludesIP(net.ParseIP(t.Value))
	case models.TargetKindCIDR:
		_, n, err := net.ParseCIDR(t.Value)
		if err != nil {
			return false
		}
		for _, r := range s.rules {
			if r.exact == t.Value || (r.network != nil && containsNet(r.network, n)) {
				return true
			}
		}
		return false
	default:
		for _, r := range s.rules {
			if r.matchesHost(t.Value) {
				return true
			}
		}
		return false
	}
}

func (s *Store) excludesIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, r := range s.rules {
		if r.network != nil && r.network.Contains(ip) {
			return true
		}
		if r.exact != "" && r.exact == ip.String() {
			return true
		}
	}
	return false
}

func parseRule(raw string) (rule, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return rule{}, fmt.Errorf("empty exclusion")
	}
	if strings.HasPrefix(v, "*.") {
		d, err := models.NormalizeDomain(v[2:])
		if err != nil {
			return rule{}, fmt.Errorf("invalid wildcard exclusion %q: %w", raw, err)
		}
		return rule{raw: v, wildcard: "." + d}, nil
	}
	t, err := models.ParseTarget(v)
	if err != nil {
		return rule{}, err
	}
	r := rule{raw: v, exact: t.Value}
	if t.Kind == models.TargetKindCIDR {
		_, n, _ := net.ParseCIDR(t.Value)
		r.network = n
	}
	return r, nil
}

func (r rule) matchesHost(host string) bool {
	if r.exact != "" && r.exact == host {
		return true
	}
	return r.wildcard != "" && strings.HasSuffix(host, r.wildcard)
}

// containsNet reports whether inner lies fully inside outer.
func containsNet(outer, inner *net.IPNet) bool {
	outerOnes, outerBits := outer.Mask.Size()
	innerOnes, innerBits := inner.Mask.Size()
	return outerBits == innerBits && outerOnes <= innerOnes && outer.Contains(inner.IP)
}

// RegistrableDomain returns the eTLD+1 of host, or host itself when it has
// none (IPs, single labels).
func RegistrableDomain(host string) string {
	host = models.HostOf(host)
	if net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}
