package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/icarus10149/icarus-bounty-scanner/internal/reporting"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/utils"
)

func NewOutputCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "output",
		Short: "List and view written reports",
		Long:  `List the reports in the output directory and render any of them in the terminal.`,
	}
	cmd.AddCommand(newOutputListCommand())
	cmd.AddCommand(newOutputShowCommand())
	return cmd
}

func newOutputListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available reports, newest first",
		RunE:  runOutputList,
	}
}

func newOutputShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Render a report (a unique run ID prefix is enough)",
		Args:  cobra.ExactArgs(1),
		RunE:  runOutputShow,
	}
	cmd.Flags().StringP("format", "f", "markdown", "Render format (json, yaml, markdown)")
	return cmd
}

func openWriter() (*reporting.Writer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	templateDir := ""
	if cfg.Report.TemplateDir != "" {
		templateDir = cfg.Path(cfg.Report.TemplateDir)
	}
	return reporting.NewWriter(cfg.Path(cfg.Report.Dir), nil, templateDir, logrus.StandardLogger())
}

func runOutputList(cmd *cobra.Command, args []string) error {
	w, err := openWriter()
	if err != nil {
		return err
	}
	reports, err := w.List()
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}
	if len(reports) == 0 {
		logrus.Infof("No reports found in %s", w.Dir())
		return nil
	}

	fmt.Printf("Available reports in %s:\n", colorInfo(w.Dir()))
	fmt.Println("═══════════════════════════════════════════════════════════════")
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tPROGRAM\tSTATUS\tFINDINGS\tDEGRADED\tSTARTED\tSIZE")
	for _, r := range reports {
		var size int64
		if fi, err := os.Stat(r.Path); err == nil {
			size = fi.Size()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			utils.ShortID(r.RunID),
			r.Program,
			formatStatusWithColor(r.Status),
			r.Findings,
			r.Degraded,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			utils.HumanizeBytes(size),
		)
	}
	return tw.Flush()
}

func runOutputShow(cmd *cobra.Command, args []string) error {
	w, err := openWriter()
	if err != nil {
		return err
	}
	report, err := w.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load report: %w", err)
	}
	format, _ := cmd.Flags().GetString("format")
	return w.Render(os.Stdout, format, report)
}
