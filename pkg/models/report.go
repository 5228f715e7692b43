package models

import (
	"time"
)

const (
	RunStatusComplete  = "complete"
	RunStatusPartial   = "partial"
	RunStatusCancelled = "cancelled"
)

const (
	StageRecon = "recon"
	StageVuln  = "vuln"
)

// DegradedEntry records a target or batch that failed a stage without
// aborting the run.
type DegradedEntry struct {
	Scope  string   `json:"scope" yaml:"scope"`
	Target string   `json:"target" yaml:"target"`
	Batch  []string `json:"batch,omitempty" yaml:"batch,omitempty"`
	Stage  string   `json:"stage" yaml:"stage"`
	Tool   string   `json:"tool" yaml:"tool"`
	Reason string   `json:"reason" yaml:"reason"`
	// Err is the underlying error for errors.Is checks; not persisted.
	Err    error    `json:"-" yaml:"-"`
}

type CacheStats struct {
	Hits        int64 `json:"hits" yaml:"hits"`
	Misses      int64 `json:"misses" yaml:"misses"`
	Evictions   int64 `json:"evictions" yaml:"evictions"`
	Corruptions int64 `json:"corruptions" yaml:"corruptions"`
}

type ReportSummary struct {
	TotalTargets    int            `json:"total_targets" yaml:"total_targets"`
	DegradedTargets int            `json:"degraded_targets" yaml:"degraded_targets"`
	TotalAssets     int            `json:"total_assets" yaml:"total_assets"`
	TotalFindings   int            `json:"total_findings" yaml:"total_findings"`
	BySeverity      map[string]int `json:"by_severity" yaml:"by_severity"`
	RiskScore       float64        `json:"risk_score" yaml:"risk_score"`
}

// Report is the persisted output of one run. It is built once at the end of
// the run and never mutated after being written.
type Report struct {
	RunID        string                 `json:"run_id" yaml:"run_id"`
	Program      string                 `json:"program" yaml:"program"`
	Status       string                 `json:"status" yaml:"status"`
	StartedAt    time.Time              `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time              `json:"finished_at" yaml:"finished_at"`
	Duration     string                 `json:"duration" yaml:"duration"`
	Targets      []Target               `json:"targets" yaml:"targets"`
	TargetStates map[string]TargetState `json:"target_states" yaml:"target_states"`
	ToolVersions map[string]string      `json:"tool_versions" yaml:"tool_versions"`
	Cache        CacheStats             `json:"cache" yaml:"cache"`
	Degraded     []DegradedEntry        `json:"degraded" yaml:"degraded"`
	Jobs         []ScanJob              `json:"jobs" yaml:"jobs"`
	Assets       []Asset                `json:"assets,omitempty" yaml:"assets,omitempty"`
	Findings     []Finding              `json:"findings" yaml:"findings"`
	Summary      ReportSummary          `json:"summary" yaml:"summary"`
}

func (r *Report) CountBySeverity(s Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}
