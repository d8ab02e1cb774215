package domain

import "context"

// DocumentSource provides the bytes the oracle reads.
type DocumentSource interface {
	// Split renders a PDF into one attachment per page
	Split(ctx context.Context, pdfPath string) (*SplitDocument, error)

	// Load returns the whole PDF as a single attachment
	Load(ctx context.Context, pdfPath string) (Attachment, error)

	// Cleanup removes temporary files created during splitting
	Cleanup() error
}

// Oracle is the external extraction service. Implementations never retry.
type Oracle interface {
	// CallForDocument sends a prompt with a document attached
	CallForDocument(ctx context.Context, doc Attachment, prompt string) (*OracleResponse, error)

	// CallForText sends a prompt on its own
	CallForText(ctx context.Context, prompt string) (*OracleResponse, error)
}

// ProgressSink receives in-flight and final snapshots of a run.
// meta is JSON-serializable; lane snapshots carry a SnapshotMeta.
type ProgressSink interface {
	Publish(ctx context.Context, kind SnapshotKind, items []VulnerabilityRecord, meta any) error
}

// ReportStore persists the final record set of a run.
type ReportStore interface {
	ImportReport(ctx context.Context, reportID, reportName string, records []VulnerabilityRecord) (*ImportResult, error)
}
