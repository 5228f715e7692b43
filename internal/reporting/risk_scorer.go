package reporting

import (
	"math"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

type RiskScorer struct {
	severityWeights map[models.Severity]float64
}

func NewRiskScorer() *RiskScorer {
	return NewRiskScorerWithWeights(nil)
}

// NewRiskScorerWithWeights overrides the default weight of the named
// severities. Unknown names are ignored.
func NewRiskScorerWithWeights(override map[string]float64) *RiskScorer {
	base := map[models.Severity]float64{
		models.SeverityCritical: 10.0,
		models.SeverityHigh:     7.5,
		models.SeverityMedium:   5.0,
		models.SeverityLow:      2.5,
		models.SeverityInfo:     1.0,
	}
	for k, v := range override {
		if s := models.ParseSeverity(k); s != models.SeverityUnknown {
			base[s] = v
		}
	}
	return &RiskScorer{severityWeights: base}
}

// ScoreFindings sets RiskScore on every finding in place. Order is left alone;
// findings are already ranked by the aggregator.
func (rs *RiskScorer) ScoreFindings(findings []models.Finding) {
	for i := range findings {
		findings[i].RiskScore = rs.CalculateFindingRiskScore(findings[i])
	}
}

// CalculateFindingRiskScore weights severity by corroboration: a finding
// reported by several passes scores up to 30% higher.
func (rs *RiskScorer) CalculateFindingRiskScore(f models.Finding) float64 {
	base, ok := rs.severityWeights[f.Severity]
	if !ok {
		base = 1.0
	}
	corroboration := 1.0
	if n := len(f.Sources); n > 1 {
		corroboration = math.Min(1.3, 1.0+0.1*float64(n-1))
	}
	return math.Round(math.Min(10, base*corroboration)*100) / 100
}

func (rs *RiskScorer) CalculateOverallRiskScore(findings []models.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var total float64
	for _, f := range findings {
		total += f.RiskScore
	}
	avg := total / float64(len(findings))
	if avg > 10 {
		return 10
	}
	return math.Round(avg*100) / 100
}

// Summarize scores the report's findings and fills in its summary.
func (rs *RiskScorer) Summarize(r *models.Report) {
	rs.ScoreFindings(r.Findings)

	s := models.ReportSummary{
		TotalTargets:  len(r.Targets),
		TotalAssets:   len(r.Assets),
		TotalFindings: len(r.Findings),
		BySeverity:    make(map[string]int),
	}
	for _, st := range r.TargetStates {
		if st == models.StateReconDegraded || st == models.StateVulnDegraded {
			s.DegradedTargets++
		}
	}
	for _, f := range r.Findings {
		s.BySeverity[f.Severity.String()]++
	}
	s.RiskScore = rs.CalculateOverallRiskScore(r.Findings)
	r.Summary = s
}
