package reporting

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

const filePrefix = "icarus_"

// Writer persists each run's report exactly once. Every file lands
// atomically; a failed write leaves nothing at the output path.
type Writer struct {
	dir        string
	formats    []string
	formatters map[string]Formatter
	logger     *logrus.Logger

	mu      sync.Mutex
	written map[string][]string
}

// ReportInfo is the listing entry for a persisted report.
type ReportInfo struct {
	RunID     string
	Program   string
	Status    string
	StartedAt time.Time
	Findings  int
	Degraded  int
	Path      string
}

// NewWriter prepares dir and the formatter registry. JSON is always
// written; templateDir may override the built-in markdown template.
func NewWriter(dir string, formats []string, templateDir string, logger *logrus.Logger) (*Writer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tm := NewTemplateManager()
	if templateDir != "" {
		if err := tm.LoadDir(templateDir); err != nil {
			return nil, models.NewConfigError("report.template_dir", "%v", err)
		}
	}

	w := &Writer{
		dir:        dir,
		formatters: make(map[string]Formatter),
		logger:     logger,
		written:    make(map[string][]string),
	}
	w.RegisterFormatter("json", JSONFormatter{})
	w.RegisterFormatter("yaml", YAMLFormatter{})
	w.RegisterFormatter("markdown", NewMarkdownFormatter(tm))

	w.formats = []string{"json"}
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "md" {
			f = "markdown"
		}
		if f == "" || f == "json" {
			continue
		}
		if _, ok := w.formatters[f]; !ok {
			return nil, models.NewConfigError("report.formats", "unsupported report format %q", f)
		}
		w.formats = append(w.formats, f)
	}
	return w, nil
}

func (w *Writer) RegisterFormatter(name string, f Formatter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.formatters[name] = f
}

// SetFormats replaces the configured format list. Unknown names fail the
// next Write.
func (w *Writer) SetFormats(formats ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.formats = append([]string(nil), formats...)
}

func (w *Writer) SupportedFormats() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.formatters))
	for k := range w.formatters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Write persists r in every configured format and returns the paths. A
// second call for the same run ID returns ErrReportAlreadyWritten. Any
// other failure wraps ErrWriteFailure and removes files already written by
// this call.
func (w *Writer) Write(r *models.Report) ([]string, error) {
	if r == nil || r.RunID == "" {
		return nil, fmt.Errorf("%w: report without run id", models.ErrWriteFailure)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.written[r.RunID]; ok {
		return nil, fmt.Errorf("%w: %s", models.ErrReportAlreadyWritten, r.RunID)
	}
	if existing, _ := filepath.Glob(filepath.Join(w.dir, filePrefix+"*_"+r.RunID+".*")); len(existing) > 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrReportAlreadyWritten, r.RunID)
	}

	base := w.baseName(r)
	var paths []string
	for _, name := range w.formats {
		f, ok := w.formatters[name]
		if !ok {
			w.rollback(paths)
			return nil, fmt.Errorf("%w: unsupported format %q", models.ErrWriteFailure, name)
		}
		path := filepath.Join(w.dir, base+"."+f.FileExtension())
		err := utils.WriteFileAtomic(path, 0o644, func(out io.Writer) error {
			return f.Render(out, r)
		})
		if err != nil {
			w.rollback(paths)
			return nil, fmt.Errorf("%w: %s: %v", models.ErrWriteFailure, path, err)
		}
		paths = append(paths, path)
	}

	w.written[r.RunID] = paths
	w.logger.WithFields(logrus.Fields{
		"run_id":   r.RunID,
		"findings": len(r.Findings),
		"status":   r.Status,
	}).Infof("Report written to %s", strings.Join(paths, ", "))
	return paths, nil
}

// Render formats r with a registered formatter without touching disk.
func (w *Writer) Render(out io.Writer, format string, r *models.Report) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "md" {
		format = "markdown"
	}
	w.mu.Lock()
	f, ok := w.formatters[format]
	w.mu.Unlock()
	if !ok {
		return models.NewConfigError("format", "unsupported report format %q (supported: %s)", format, strings.Join(w.SupportedFormats(), ", "))
	}
	return f.Render(out, r)
}

func (w *Writer) rollback(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			w.logger.Warnf("Failed to remove partial report %s: %v", p, err)
		}
	}
}

func (w *Writer) baseName(r *models.Report) string {
	stamp := r.StartedAt.UTC().Format("20060102_150405")
	return fmt.Sprintf("%s%s_%s_%s", filePrefix, sanitizeFilename(r.Program), stamp, r.RunID)
}

// List returns the persisted reports, newest first. Unreadable files are
// skipped with a warning.
func (w *Writer) List() ([]ReportInfo, error) {
	paths, err := filepath.Glob(filepath.Join(w.dir, filePrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	infos := make([]ReportInfo, 0, len(paths))
	for _, p := range paths {
		r, err := readReport(p)
		if err != nil {
			w.logger.Warnf("Skipping unreadable report %s: %v", p, err)
			continue
		}
		infos = append(infos, ReportInfo{
			RunID:     r.RunID,
			Program:   r.Program,
			Status:    r.Status,
			StartedAt: r.StartedAt,
			Findings:  len(r.Findings),
			Degraded:  r.Summary.DegradedTargets,
			Path:      p,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.After(infos[j].StartedAt) })
	return infos, nil
}

// Load reads a report by run ID. A unique prefix of the ID is accepted.
func (w *Writer) Load(runID string) (*models.Report, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("empty run id")
	}
	paths, err := filepath.Glob(filepath.Join(w.dir, filePrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	var match string
	for _, p := range paths {
		id := runIDFromPath(p)
		if id == runID {
			match = p
			break
		}
		if strings.HasPrefix(id, runID) {
			if match != "" {
				return nil, fmt.Errorf("run id %q is ambiguous", runID)
			}
			match = p
		}
	}
	if match == "" {
		return nil, fmt.Errorf("report %s not found in %s", runID, w.dir)
	}
	return readReport(match)
}

// Dir is the output directory.
func (w *Writer) Dir() string { return w.dir }

func runIDFromPath(p string) string {
	name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	if i := strings.LastIndex(name, "_"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func readReport(path string) (*models.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r models.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &r, nil
}

func sanitizeFilename(s string) string {
	var out []rune
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "default"
	}
	return string(out)
}
