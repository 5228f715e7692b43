package reporting

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// Formatter renders a report into one output format.
type Formatter interface {
	Render(w io.Writer, r *models.Report) error
	FileExtension() string
}

type JSONFormatter struct{}

func (JSONFormatter) Render(w io.Writer, r *models.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func (JSONFormatter) FileExtension() string { return "json" }

type YAMLFormatter struct{}

func (YAMLFormatter) Render(w io.Writer, r *models.Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

func (YAMLFormatter) FileExtension() string { return "yaml" }

type MarkdownFormatter struct {
	templates *TemplateManager
}

func NewMarkdownFormatter(tm *TemplateManager) *MarkdownFormatter {
	if tm == nil {
		tm = NewTemplateManager()
	}
	return &MarkdownFormatter{templates: tm}
}

func (m *MarkdownFormatter) Render(w io.Writer, r *models.Report) error {
	tpl, ok := m.templates.Get(markdownTemplateName)
	if !ok {
		return fmt.Errorf("template %s not registered", markdownTemplateName)
	}
	return tpl.Execute(w, r)
}

func (m *MarkdownFormatter) FileExtension() string { return "md" }
