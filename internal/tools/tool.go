package tools

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/zeebo/xxh3"

	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// Tool is the narrow surface the stages need from an external scanner.
type Tool interface {
	// Name is the configured identifier, unique per run.
	Name() string
	Adapter() string
	Stage() string
	Binary() string
	Fingerprint() string
	Version() string
	SetVersion(v string)
	VersionInvocation() toolrunner.Invocation
	Invocation(targets []string, opts RunOptions) toolrunner.Invocation
	CacheTTL() time.Duration
}

type ReconTool interface {
	Tool
	Supports(t models.Target) bool
	ParseAssets(origin string, out []byte) ([]models.Asset, []error)
}

type VulnTool interface {
	Tool
	Category() string
	ParseFindings(out []byte) ([]models.RawFinding, []error)
	UpdateInvocation() (toolrunner.Invocation, bool)
}

// RunOptions carries per-program knobs that do not change tool output and
// are therefore kept out of the fingerprint.
type RunOptions struct {
	RateLimit int
}

func New(tc models.ToolConfig) (Tool, error) {
	switch strings.ToLower(tc.Name) {
	case "bbot":
		return NewBBOT(tc), nil
	case "subfinder":
		return NewSubfinder(tc), nil
	case "nuclei":
		return NewNuclei(tc), nil
	default:
		return nil, models.NewConfigError("tools", "unknown tool adapter %q", tc.Name)
	}
}

// NewRecon builds a recon adapter and rejects vulnerability scanners.
func NewRecon(tc models.ToolConfig) (ReconTool, error) {
	t, err := New(tc)
	if err != nil {
		return nil, err
	}
	rt, ok := t.(ReconTool)
	if !ok {
		return nil, models.NewConfigError("recon.tools", "%s is not a recon tool", tc.Name)
	}
	return rt, nil
}

func NewVuln(tc models.ToolConfig) (VulnTool, error) {
	t, err := New(tc)
	if err != nil {
		return nil, err
	}
	vt, ok := t.(VulnTool)
	if !ok {
		return nil, models.NewConfigError("vuln.tools", "%s is not a vulnerability scanner", tc.Name)
	}
	return vt, nil
}

type base struct {
	cfg         models.ToolConfig
	adapter     string
	stage       string
	defaultBin  string
	versionArgs []string
	silentEmpty bool
	version     string
}

func (b *base) Name() string    { return b.cfg.Identifier() }
func (b *base) Adapter() string { return b.adapter }
func (b *base) Stage() string   { return b.stage }
func (b *base) Version() string { return b.version }

func (b *base) SetVersion(v string) { b.version = v }

func (b *base) Binary() string {
	if b.cfg.Binary != "" {
		return b.cfg.Binary
	}
	return b.defaultBin
}

func (b *base) CacheTTL() time.Duration {
	return b.cfg.CacheTTL
}

// Fingerprint covers everything that changes what the tool would output for
// the same targets: binary and version, templates, severities, presets,
// extra args, request headers and environment.
func (b *base) Fingerprint() string {
	headers := append([]string(nil), b.cfg.Headers...)
	sort.Strings(headers)
	env := make([]string, 0, len(b.cfg.Env))
	for k, v := range b.cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	parts := []string{
		b.adapter,
		b.Binary(),
		b.version,
		strings.Join(b.cfg.Args, "\x1f"),
		strings.Join(b.cfg.Presets, ","),
		strings.Join(b.cfg.Templates, ","),
		strings.Join(b.cfg.Severity, ","),
		strings.Join(headers, "\x1f"),
		strings.Join(env, "\x1f"),
	}
	return fmt.Sprintf("%016x", xxh3.HashString(strings.Join(parts, "\x1e")))
}

func (b *base) VersionInvocation() toolrunner.Invocation {
	return toolrunner.Invocation{
		Tool:    b.Name(),
		Binary:  b.Binary(),
		Args:    b.versionArgs,
		Env:     b.cfg.Env,
		Timeout: versionTimeout,
		Exit:    toolrunner.ExitPolicy{SuccessCodes: []int{0, 1}},
	}
}

func (b *base) invocation(args []string, stdin []byte) toolrunner.Invocation {
	exit, retry := toolrunner.PoliciesFromConfig(b.cfg, b.silentEmpty)
	return toolrunner.Invocation{
		Tool:    b.Name(),
		Binary:  b.Binary(),
		Args:    args,
		Env:     b.cfg.Env,
		Stdin:   stdin,
		Timeout: b.cfg.Timeout,
		Exit:    exit,
		Retry:   retry,
	}
}

const versionTimeout = 30 * time.Second

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.\-]+)?)`)

// ParseVersion extracts the first semantic version found in a tool's
// version banner.
func ParseVersion(out []byte) (*semver.Version, error) {
	m := versionPattern.FindSubmatch(out)
	if m == nil {
		return nil, errors.New("no version in output")
	}
	return semver.NewVersion(string(m[1]))
}

// CheckMinVersion returns an error when version is older than minVersion.
// An empty minVersion accepts anything.
func CheckMinVersion(version, minVersion string) error {
	if minVersion == "" || version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parse version %q: %w", version, err)
	}
	c, err := semver.NewConstraint(">= " + minVersion)
	if err != nil {
		return models.NewConfigError("min_version", "%v", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("version %s is older than required %s", v, minVersion)
	}
	return nil
}

// eachLine calls fn for every non-blank line. Line numbers start at 1.
func eachLine(out []byte, fn func(n int, line []byte)) {
	r := bufio.NewReader(bytes.NewReader(out))
	n := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			n++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				fn(n, trimmed)
			}
		}
		if err != nil {
			return
		}
	}
}
