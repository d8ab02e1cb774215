package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
)

var (
	importReportID   string
	importReportName string
)

var importCmd = &cobra.Command{
	Use:   "import <artifact.json>",
	Short: "Import a final extraction artifact into the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	importCmd.Flags().StringVar(&importReportID, "report-id", "", "Report id (default: the artifact's reportId)")
	importCmd.Flags().StringVar(&importReportName, "report-name", "", "Report name (default: artifact file name)")
	rootCmd.AddCommand(importCmd)
}

type artifact struct {
	ReportID string
	Records  []domain.VulnerabilityRecord
}

// readArtifact loads a final or lane snapshot file. An explicit reportID
// wins over the one recorded in the snapshot meta.
func readArtifact(path, reportID string) (*artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.IOError("read artifact", err)
	}

	var doc struct {
		Vulnerabilities json.RawMessage `json:"vulnerabilities"`
		Meta            struct {
			ReportID string `json:"reportId"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.ValidationError("artifact is not valid JSON", err)
	}
	if doc.Vulnerabilities == nil {
		return nil, domain.ValidationError("artifact has no vulnerabilities array", nil)
	}

	if reportID == "" {
		reportID = doc.Meta.ReportID
	}
	if reportID == "" {
		reportID = uuid.NewString()
	}

	return &artifact{
		ReportID: reportID,
		Records:  identity.DecodeRecords(doc.Vulnerabilities, reportID),
	}, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	art, err := readArtifact(args[0], importReportID)
	if err != nil {
		return err
	}

	name := importReportName
	if name == "" {
		name = reportNameFor(args[0])
	}

	repo, closeDB, err := openRepository(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer closeDB()

	res, err := repo.ImportReport(ctx, art.ReportID, name, art.Records)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	printImport(res)
	return nil
}
