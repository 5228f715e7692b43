package models

import (
	"strings"
	"time"
)

// RawFinding is a single record as emitted by a vulnerability tool adapter,
// before normalization and deduplication.
type RawFinding struct {
	Tool        string                 `json:"tool"`
	Category    string                 `json:"category"`
	Asset       string                 `json:"asset"`
	Title       string                 `json:"title"`
	Severity    string                 `json:"severity"`
	TemplateID  string                 `json:"template_id,omitempty"`
	MatchedAt   string                 `json:"matched_at,omitempty"`
	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	DetectedAt  time.Time              `json:"detected_at"`
}

type Finding struct {
	ID          string                 `json:"id" yaml:"id"`
	DedupKey    string                 `json:"dedup_key" yaml:"dedup_key"`
	SourceTool  string                 `json:"source_tool" yaml:"source_tool"`
	Sources     []string               `json:"sources" yaml:"sources"`
	Category    string                 `json:"category" yaml:"category"`
	AssetRef    string                 `json:"asset_ref" yaml:"asset_ref"`
	Severity    Severity               `json:"severity" yaml:"severity"`
	Title       string                 `json:"title" yaml:"title"`
	TemplateID  string                 `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Evidence    map[string]interface{} `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	Tags        []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	RiskScore   float64                `json:"risk_score" yaml:"risk_score"`
	Detections  int                    `json:"detections" yaml:"detections"`
	FirstSeen   time.Time              `json:"first_seen" yaml:"first_seen"`
	LastSeen    time.Time              `json:"last_seen" yaml:"last_seen"`
}

func (f *Finding) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func (f *Finding) AddTag(tag string) {
	if tag == "" || f.HasTag(tag) {
		return
	}
	f.Tags = append(f.Tags, tag)
}

func (f *Finding) AddSource(tool string) {
	for _, s := range f.Sources {
		if s == tool {
			return
		}
	}
	f.Sources = append(f.Sources, tool)
}

// IsPayable reports whether the finding is high or critical and carries at
// least one of the given tags.
func (f *Finding) IsPayable(payableTags []string) bool {
	if f.Severity < SeverityHigh {
		return false
	}
	for _, t := range payableTags {
		if f.HasTag(t) {
			return true
		}
	}
	return false
}
