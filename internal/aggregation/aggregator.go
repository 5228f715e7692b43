package aggregation

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// Aggregator merges raw findings into at most one Finding per dedup key.
type Aggregator struct {
	mu       sync.Mutex
	findings map[string]*models.Finding
	logger   *logrus.Logger
}

func New(logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Aggregator{
		findings: make(map[string]*models.Finding),
		logger:   logger,
	}
}

// NormalizeTitle folds a finding title to its comparison form: NFKC,
// lowercase, single spaces.
func NormalizeTitle(title string) string {
	t := norm.NFKC.String(title)
	return strings.Join(strings.Fields(strings.ToLower(t)), " ")
}

// DedupKey hashes the normalized asset host, title and tool category.
func DedupKey(asset, title, category string) string {
	var b strings.Builder
	b.WriteString(models.HostOf(asset))
	b.WriteByte(0)
	b.WriteString(NormalizeTitle(title))
	b.WriteByte(0)
	b.WriteString(strings.ToLower(category))
	sum := xxh3.Hash128([]byte(b.String())).Bytes()
	return hex.EncodeToString(sum[:])
}

// Add merges raw into the set. inserted is false when an existing finding
// absorbed the detection. The returned Finding is a copy.
func (a *Aggregator) Add(raw models.RawFinding) (models.Finding, bool, error) {
	host := models.HostOf(raw.Asset)
	if host == "" {
		return models.Finding{}, false, fmt.Errorf("%s: finding without asset: %w", raw.Tool, models.ErrParse)
	}
	if strings.TrimSpace(raw.Title) == "" && raw.TemplateID == "" {
		return models.Finding{}, false, fmt.Errorf("%s: finding without title: %w", raw.Tool, models.ErrParse)
	}
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = raw.TemplateID
	}
	category := raw.Category
	if category == "" {
		category = raw.Tool
	}
	seen := raw.DetectedAt.UTC()
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	key := DedupKey(host, title, category)
	sev := models.ParseSeverity(raw.Severity)

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.findings[key]
	if !ok {
		f := &models.Finding{
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String(),
			DedupKey:    key,
			SourceTool:  raw.Tool,
			Sources:     []string{raw.Tool},
			Category:    category,
			AssetRef:    host,
			Severity:    sev,
			Title:       title,
			TemplateID:  raw.TemplateID,
			Description: raw.Description,
			Evidence:    copyEvidence(raw.Evidence),
			Detections:  1,
			FirstSeen:   seen,
			LastSeen:    seen,
		}
		for _, t := range raw.Tags {
			f.AddTag(strings.ToLower(strings.TrimSpace(t)))
		}
		sort.Strings(f.Tags)
		a.findings[key] = f
		return clone(f), true, nil
	}

	existing.Detections++
	if seen.After(existing.LastSeen) {
		existing.LastSeen = seen
	}
	if seen.Before(existing.FirstSeen) {
		existing.FirstSeen = seen
	}
	existing.AddSource(raw.Tool)
	sort.Strings(existing.Sources)
	for _, t := range raw.Tags {
		existing.AddTag(strings.ToLower(strings.TrimSpace(t)))
	}
	sort.Strings(existing.Tags)

	// The higher severity owns the canonical fields; ties go to the
	// lexically smaller tool so the outcome does not depend on arrival order.
	if sev > existing.Severity || (sev == existing.Severity && raw.Tool < existing.SourceTool) {
		if sev != existing.Severity {
			a.logger.Debugf("finding %s: severity %s -> %s (%s)", key[:12], existing.Severity, sev, raw.Tool)
		}
		existing.Severity = sev
		existing.SourceTool = raw.Tool
		existing.Title = title
		existing.TemplateID = raw.TemplateID
		existing.Description = raw.Description
		existing.Evidence = copyEvidence(raw.Evidence)
	}
	return clone(existing), false, nil
}

// AddAll adds every raw finding and returns how many were new. Invalid
// records are logged and skipped.
func (a *Aggregator) AddAll(raws []models.RawFinding) int {
	inserted := 0
	for _, raw := range raws {
		_, ok, err := a.Add(raw)
		if err != nil {
			a.logger.Warnf("skipping finding: %v", err)
			continue
		}
		if ok {
			inserted++
		}
	}
	return inserted
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.findings)
}

// Findings returns a sorted snapshot: severity descending, then first seen,
// then dedup key.
func (a *Aggregator) Findings() []models.Finding {
	a.mu.Lock()
	out := make([]models.Finding, 0, len(a.findings))
	for _, f := range a.findings {
		out = append(out, clone(f))
	}
	a.mu.Unlock()
	Sort(out)
	return out
}

func Sort(findings []models.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		fi, fj := findings[i], findings[j]
		if fi.Severity != fj.Severity {
			return fi.Severity > fj.Severity
		}
		if !fi.FirstSeen.Equal(fj.FirstSeen) {
			return fi.FirstSeen.Before(fj.FirstSeen)
		}
		return fi.DedupKey < fj.DedupKey
	})
}

func FilterMinSeverity(findings []models.Finding, floor models.Severity) []models.Finding {
	out := make([]models.Finding, 0, len(findings))
	for _, f := range findings {
		if f.Severity >= floor {
			out = append(out, f)
		}
	}
	return out
}

// Payable keeps high and critical findings tagged with one of tags.
func Payable(findings []models.Finding, tags []string) []models.Finding {
	var out []models.Finding
	for i := range findings {
		if findings[i].IsPayable(tags) {
			out = append(out, findings[i])
		}
	}
	return out
}

func clone(f *models.Finding) models.Finding {
	c := *f
	c.Sources = append([]string(nil), f.Sources...)
	c.Tags = append([]string(nil), f.Tags...)
	c.Evidence = copyEvidence(f.Evidence)
	return c
}

func copyEvidence(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
