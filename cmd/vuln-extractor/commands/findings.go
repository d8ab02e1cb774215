package commands

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical/vuln-extractor/cmd/vuln-extractor/ui"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
	"github.com/spherical/vuln-extractor/internal/storage"
)

var (
	findingsReportID string
	findingsSeverity string
	findingsCategory string
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List stored findings for a report",
	Long:  "List stored findings for a report. Without --report-id the most recently imported report is shown.",
	Args:  cobra.NoArgs,
	RunE:  runFindings,
}

func init() {
	findingsCmd.Flags().StringVar(&findingsReportID, "report-id", "", "Report id (default: latest report)")
	findingsCmd.Flags().StringVar(&findingsSeverity, "severity", "", "Only show this severity")
	findingsCmd.Flags().StringVar(&findingsCategory, "category", "", "Only show this category")
	rootCmd.AddCommand(findingsCmd)
}

// findingsFilter builds a storage filter from loose user input.
func findingsFilter(severity, category string) storage.FindingFilter {
	var filter storage.FindingFilter
	if sev := identity.NormalizeSeverity(severity); sev != nil {
		filter.Severity = *sev
	}
	if category != "" {
		filter.Category = identity.NormalizeCategory(category)
	}
	return filter
}

func runFindings(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	repo, closeDB, err := openRepository(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer closeDB()

	reportID := findingsReportID
	if reportID == "" {
		latest, err := repo.LatestReport(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			ui.Warning("No reports have been imported yet")
			return nil
		}
		if err != nil {
			return err
		}
		reportID = latest.ID
		ui.Section(fmt.Sprintf("%s (%s)", latest.Name, latest.UploadedAt.Format("2006-01-02 15:04")))
	}

	findings, err := repo.ListFindings(ctx, reportID, findingsFilter(findingsSeverity, findingsCategory))
	if err != nil {
		return err
	}
	if len(findings) == 0 {
		ui.Warning("No findings for report %s", reportID)
		return nil
	}

	ui.Table([]string{"Host", "Plugin", "Severity", "CVSSv3", "VPR", "Name", "Category"}, findingRows(findings))
	ui.Newline()
	ui.Info("%d findings", len(findings))
	return nil
}

func findingRows(findings []domain.VulnerabilityRecord) [][]string {
	rows := make([][]string, 0, len(findings))
	for _, f := range findings {
		sev := "-"
		if f.Severity != nil {
			sev = ui.SeverityLabel(*f.Severity)
		}
		rows = append(rows, []string{
			ui.FormatOptional(f.Host),
			ui.FormatOptional(f.PluginID),
			sev,
			ui.FormatScore(f.CVSSv3),
			ui.FormatScore(f.VPR),
			ui.FormatOptional(f.Name),
			string(f.Category),
		})
	}
	return rows
}
