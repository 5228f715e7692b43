package tools

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

const vulnCategory = "vuln"

type Nuclei struct {
	base
}

func NewNuclei(tc models.ToolConfig) *Nuclei {
	return &Nuclei{base: base{
		cfg:         tc,
		adapter:     "nuclei",
		stage:       models.StageVuln,
		defaultBin:  "nuclei",
		versionArgs: []string{"-version"},
	}}
}

// Category groups every nuclei pass under one dedup namespace so the same
// issue reported by two template sets collapses into one finding.
func (n *Nuclei) Category() string { return vulnCategory }

// Invocation reads targets from stdin, one per line.
func (n *Nuclei) Invocation(targets []string, opts RunOptions) toolrunner.Invocation {
	args := []string{"-jsonl", "-silent", "-nc", "-duc"}
	for _, t := range n.cfg.Templates {
		args = append(args, "-t", t)
	}
	if len(n.cfg.Severity) > 0 {
		args = append(args, "-severity", strings.Join(n.cfg.Severity, ","))
	}
	if opts.RateLimit > 0 {
		args = append(args, "-rl", strconv.Itoa(opts.RateLimit))
	}
	for _, h := range n.cfg.Headers {
		args = append(args, "-H", h)
	}
	args = append(args, n.cfg.Args...)

	stdin := []byte(strings.Join(targets, "\n") + "\n")
	return n.invocation(args, stdin)
}

func (n *Nuclei) UpdateInvocation() (toolrunner.Invocation, bool) {
	inv := n.invocation([]string{"-update-templates", "-silent", "-duc"}, nil)
	inv.Retry = toolrunner.RetryPolicy{Attempts: 1}
	inv.Timeout = 10 * time.Minute
	return inv, true
}

// stringList accepts both a JSON array and a comma separated string; nuclei
// has emitted tags in both shapes across releases.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	var out []string
	for _, part := range strings.Split(str, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*s = out
	return nil
}

type nucleiRecord struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name        string     `json:"name"`
		Severity    string     `json:"severity"`
		Tags        stringList `json:"tags"`
		Description string     `json:"description"`
		Reference   stringList `json:"reference"`
	} `json:"info"`
	Host             string     `json:"host"`
	MatchedAt        string     `json:"matched-at"`
	Type             string     `json:"type"`
	MatcherName      string     `json:"matcher-name"`
	ExtractedResults stringList `json:"extracted-results"`
	CurlCommand      string     `json:"curl-command"`
	IP               string     `json:"ip"`
	Timestamp        string     `json:"timestamp"`
}

func (n *Nuclei) ParseFindings(out []byte) ([]models.RawFinding, []error) {
	var (
		findings []models.RawFinding
		errs     []error
	)
	eachLine(out, func(line int, raw []byte) {
		var rec nucleiRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			errs = append(errs, &models.ParseError{Tool: n.Name(), Line: line, Err: err})
			return
		}
		asset := rec.Host
		if asset == "" {
			asset = rec.MatchedAt
		}
		if asset == "" || (rec.TemplateID == "" && rec.Info.Name == "") {
			errs = append(errs, &models.ParseError{Tool: n.Name(), Line: line, Err: errors.New("record without asset or template")})
			return
		}
		title := rec.Info.Name
		if title == "" {
			title = rec.TemplateID
		}

		evidence := map[string]interface{}{}
		if rec.MatchedAt != "" {
			evidence["matched_at"] = rec.MatchedAt
		}
		if rec.Type != "" {
			evidence["type"] = rec.Type
		}
		if rec.MatcherName != "" {
			evidence["matcher_name"] = rec.MatcherName
		}
		if len(rec.ExtractedResults) > 0 {
			evidence["extracted_results"] = []string(rec.ExtractedResults)
		}
		if rec.CurlCommand != "" {
			evidence["curl_command"] = rec.CurlCommand
		}
		if rec.IP != "" {
			evidence["ip"] = rec.IP
		}
		if len(rec.Info.Reference) > 0 {
			evidence["reference"] = []string(rec.Info.Reference)
		}

		detected := time.Now().UTC()
		if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
			detected = ts.UTC()
		}
		findings = append(findings, models.RawFinding{
			Tool:        n.Name(),
			Category:    vulnCategory,
			Asset:       asset,
			Title:       title,
			Severity:    rec.Info.Severity,
			TemplateID:  rec.TemplateID,
			MatchedAt:   rec.MatchedAt,
			Description: rec.Info.Description,
			Tags:        rec.Info.Tags,
			Evidence:    evidence,
			DetectedAt:  detected,
		})
	})
	return findings, errs
}
