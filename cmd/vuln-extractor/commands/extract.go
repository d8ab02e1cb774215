package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/vuln-extractor/cmd/vuln-extractor/ui"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/pkg/extractor"
)

var (
	extractPDFPath    string
	extractReportID   string
	extractReportName string
	extractStrategy   string
	extractSoftDedupe bool
	extractImport     bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract findings from a Nessus PDF report",
	Long: `Extract every finding from a Nessus PDF report with two cross-checked
LLM calls per unit of work, and write the lane snapshots and the final
deduplicated artifact.`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVarP(&extractPDFPath, "pdf", "p", "", "Path to PDF file (required)")
	extractCmd.Flags().StringVar(&extractReportID, "report-id", "", "Report id stamped on every record (default: random UUID)")
	extractCmd.Flags().StringVar(&extractReportName, "report-name", "", "Report name used on import (default: PDF file name)")
	extractCmd.Flags().StringVarP(&extractStrategy, "strategy", "s", "", "Extraction strategy: paged or severity")
	extractCmd.Flags().BoolVar(&extractSoftDedupe, "soft-dedupe", false, "Apply soft deduplication to the final artifact")
	extractCmd.Flags().BoolVar(&extractImport, "import", false, "Import the result into the configured database")
	_ = extractCmd.MarkFlagRequired("pdf")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if extractStrategy != "" {
		cfg.Extraction.Strategy = extractStrategy
	}
	if cmd.Flags().Changed("soft-dedupe") {
		cfg.Extraction.ApplySoftDedupe = extractSoftDedupe
	}

	logger := newLogger(cfg)
	client, err := extractor.NewClient(ctx, cfg, extractor.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	ui.Section("Vulnerability Extraction")
	ui.Info("PDF file: %s", extractPDFPath)
	ui.Info("Strategy: %s", cfg.Extraction.Strategy)
	ui.Info("Model: %s (%s)", cfg.Oracle.Model, cfg.Oracle.Provider)
	ui.Newline()

	progress := newExtractProgress()
	start := time.Now()
	res, err := client.Extract(ctx, extractor.Request{
		PDFPath:  extractPDFPath,
		ReportID: extractReportID,
		Hooks:    progress.hooks(),
	})
	progress.stop()
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	ui.Success("Extraction completed in %s", ui.FormatDuration(time.Since(start)))
	printSummary(res)

	if !extractImport {
		return nil
	}

	name := extractReportName
	if name == "" {
		name = reportNameFor(extractPDFPath)
	}
	repo, closeDB, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	imported, err := repo.ImportReport(ctx, res.ReportID, name, res.Records)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	printImport(imported)
	return nil
}

// extractProgress drives a progress bar once the unit count is known and a
// spinner before that or when it never is.
type extractProgress struct {
	spinner *ui.Spinner
	bar     *ui.ProgressBar
}

func newExtractProgress() *extractProgress {
	p := &extractProgress{spinner: ui.NewSpinner("Preparing document...")}
	p.spinner.Start()
	return p
}

func (p *extractProgress) hooks() extractor.Hooks {
	return extractor.Hooks{
		OnPlanned: func(total int) {
			if total <= 0 {
				return
			}
			p.spinner.Stop()
			p.bar = ui.NewProgressBar(total, "Extracting")
		},
		OnUnitStart: func(label string) {
			if p.bar == nil {
				p.spinner.UpdateMessage("Extracting " + label)
			}
		},
		OnUnitDone: func(u extractor.UnitProgress) {
			if p.bar != nil {
				p.bar.Advance(fmt.Sprintf("%s (+%d)", u.Label, u.Added))
				return
			}
			ui.Debug("%s: %d returned, %d new, %d calls", u.Label, u.Returned, u.Added, u.Calls)
		},
	}
}

func (p *extractProgress) stop() {
	if p.bar != nil {
		p.bar.Finish()
		return
	}
	p.spinner.Stop()
}

func printSummary(res *extractor.Result) {
	m := res.Metrics
	ui.Section("Extraction Summary")

	rows := [][]string{
		{"Report ID", res.ReportID},
		{"Records", strconv.Itoa(len(res.Records))},
		{"Oracle calls", strconv.Itoa(m.TotalOracleCalls)},
		{"Mismatches resolved", strconv.Itoa(m.MismatchedUnitsResolved)},
		{"Failed units", strconv.Itoa(m.FailedUnits)},
		{"Soft duplicates", strconv.Itoa(m.SoftDuplicatesRemoved)},
		{"Truncated output seen", strconv.FormatBool(m.SawMaxTokens)},
		{"Artifact", res.Paths.Final},
	}
	if res.Channel != "" {
		rows = append(rows, []string{"Progress channel", res.Channel})
	}
	ui.Table([]string{"Metric", "Value"}, rows)

	ui.Newline()
	counts := make([][]string, 0, len(domain.SeverityOrder))
	for _, sev := range domain.SeverityOrder {
		counts = append(counts, []string{
			ui.SeverityLabel(sev),
			strconv.Itoa(m.SeverityCountsStrict[sev]),
			strconv.Itoa(m.SeverityCountsSoft[sev]),
		})
	}
	ui.Table([]string{"Severity", "Strict", "Soft"}, counts)
}

func printImport(res *domain.ImportResult) {
	ui.Newline()
	ui.Success("Imported report %s", res.ReportID)
	ui.Table([]string{"Upserted", "Modified", "Matched", "Skipped"}, [][]string{{
		strconv.Itoa(res.Upserted),
		strconv.Itoa(res.Modified),
		strconv.Itoa(res.Matched),
		strconv.Itoa(res.Skipped),
	}})
	if res.Skipped > 0 {
		ui.Warning("%d records were missing host, severity, plugin id or name", res.Skipped)
	}
}
