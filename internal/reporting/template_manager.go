package reporting

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/icarus10149/icarus-bounty-scanner/internal/scope"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

const markdownTemplateName = "report.md.tmpl"

type TemplateManager struct {
	templates map[string]*template.Template
	funcs     template.FuncMap
	mu        sync.RWMutex
}

func NewTemplateManager() *TemplateManager {
	tm := &TemplateManager{
		templates: make(map[string]*template.Template),
		funcs:     templateFuncs(),
	}
	if err := tm.Register(markdownTemplateName, defaultMarkdownTemplate); err != nil {
		panic(err)
	}
	return tm
}

func (tm *TemplateManager) Register(name, tpl string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	parsed, err := template.New(name).Funcs(tm.funcs).Parse(tpl)
	if err != nil {
		return fmt.Errorf("parse %q: %w", name, err)
	}
	tm.templates[name] = parsed
	return nil
}

// LoadDir registers every *.tmpl file under dir, replacing built-in
// templates of the same name.
func (tm *TemplateManager) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(d.Name()) != ".tmpl" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %q: %w", path, err)
		}
		return tm.Register(d.Name(), string(b))
	})
}

func (tm *TemplateManager) Get(name string) (*template.Template, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.templates[name]
	return t, ok
}

type domainGroup struct {
	Domain   string
	Findings []models.Finding
}

// groupByDomain buckets findings by registrable domain, keeping the
// finding order inside each bucket.
func groupByDomain(findings []models.Finding) []domainGroup {
	idx := make(map[string]int)
	var groups []domainGroup
	for _, f := range findings {
		d := scope.RegistrableDomain(f.AssetRef)
		i, ok := idx[d]
		if !ok {
			i = len(groups)
			idx[d] = i
			groups = append(groups, domainGroup{Domain: d})
		}
		groups[i].Findings = append(groups[i].Findings, f)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Domain < groups[j].Domain })
	return groups
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"groupByDomain": groupByDomain,
		"join":          strings.Join,
		"upper":         strings.ToUpper,
		"severities":    models.AllSeverities,
		"count": func(r *models.Report, s models.Severity) int {
			return r.CountBySeverity(s)
		},
		"ts": func(v interface{}) string {
			switch t := v.(type) {
			case interface{ Format(string) string }:
				return t.Format("2006-01-02 15:04:05 MST")
			default:
				return fmt.Sprint(v)
			}
		},
		"mdEscape": func(s string) string {
			return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
		},
	}
}

const defaultMarkdownTemplate = `# Scan report: {{ .Program }}

| | |
|---|---|
| Run | ` + "`{{ .RunID }}`" + ` |
| Status | **{{ .Status }}** |
| Started | {{ ts .StartedAt }} |
| Duration | {{ .Duration }} |
| Targets | {{ .Summary.TotalTargets }} ({{ .Summary.DegradedTargets }} degraded) |
| Assets | {{ .Summary.TotalAssets }} |
| Risk score | {{ printf "%.2f" .Summary.RiskScore }} |
| Cache | {{ .Cache.Hits }} hits / {{ .Cache.Misses }} misses |

## Findings by severity

| Severity | Count |
|---|---|
{{- range severities }}
{{- $n := count $ . }}{{ if gt $n 0 }}
| {{ upper .String }} | {{ $n }} |
{{- end }}{{ end }}

{{ if .Findings -}}
## Findings
{{ range groupByDomain .Findings }}
### {{ .Domain }}

| Severity | Title | Asset | Template | Sources |
|---|---|---|---|---|
{{- range .Findings }}
| {{ upper .Severity.String }} | {{ mdEscape .Title }} | {{ .AssetRef }} | {{ .TemplateID }} | {{ join .Sources ", " }} |
{{- end }}
{{ end }}
{{- else -}}
No findings.
{{ end }}
{{- if .Degraded }}
## Degraded

{{ range .Degraded -}}
- {{ .Stage }} / {{ .Tool }} on {{ .Target }}: {{ mdEscape .Reason }}
{{ end }}
{{- end }}
{{- if .ToolVersions }}
## Tools

{{ range $name, $v := .ToolVersions -}}
- {{ $name }} {{ $v }}
{{ end }}
{{- end }}`
