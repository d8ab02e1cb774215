package domain

import (
	"encoding/json"
	"time"
)

// Severity is the Nessus risk rating of a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// SeverityOrder is the priority order used when iterating severities.
var SeverityOrder = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

// Category is the remediation bucket assigned to a finding.
type Category string

const (
	CategoryPatching       Category = "Patching"
	CategoryHardening      Category = "Hardening"
	CategoryCryptography   Category = "Cryptography"
	CategoryAuthentication Category = "Authentication"
	CategoryExposure       Category = "Exposure"
	CategoryApplication    Category = "Application"
	CategoryDisclosure     Category = "Disclosure"
	CategoryMalware        Category = "Malware"
	CategoryCompliance     Category = "Compliance"
	CategoryOther          Category = "Other"
)

// Categories lists every valid category, Other last.
var Categories = []Category{
	CategoryPatching,
	CategoryHardening,
	CategoryCryptography,
	CategoryAuthentication,
	CategoryExposure,
	CategoryApplication,
	CategoryDisclosure,
	CategoryMalware,
	CategoryCompliance,
	CategoryOther,
}

// VulnerabilityRecord is a single extracted finding.
// Nil pointers are absent values and serialize as null.
type VulnerabilityRecord struct {
	ReportID string    `json:"reportId"`
	Host     *string   `json:"host"`
	Severity *Severity `json:"severity"`
	CVSSv3   *float64  `json:"cvssV3"`
	VPR      *float64  `json:"vpr"`
	EPSS     *float64  `json:"epss"`
	PluginID *string   `json:"pluginId"`
	Name     *string   `json:"name"`
	USN      *string   `json:"usn"`
	Category Category  `json:"category"`
}

// Lane identifies one of the two independent oracle calls in an attempt.
type Lane string

const (
	LanePrimary   Lane = "primary"
	LaneSecondary Lane = "secondary"
)

// Lanes lists the lanes issued per attempt.
var Lanes = []Lane{LanePrimary, LaneSecondary}

// SnapshotKind selects the artifact a snapshot is published to.
type SnapshotKind string

const (
	SnapshotPrimary   SnapshotKind = "primary"
	SnapshotSecondary SnapshotKind = "secondary"
	SnapshotFinal     SnapshotKind = "final"
)

// SnapshotKindFor maps a lane to its snapshot artifact.
func SnapshotKindFor(lane Lane) SnapshotKind {
	if lane == LaneSecondary {
		return SnapshotSecondary
	}
	return SnapshotPrimary
}

// SnapshotStatus describes where a unit of work is in reconciliation.
type SnapshotStatus string

const (
	StatusCrossChecking    SnapshotStatus = "cross-checking"
	StatusMatched          SnapshotStatus = "matched"
	StatusMismatchResolved SnapshotStatus = "mismatch-resolved"
	StatusComplete         SnapshotStatus = "complete"
)

// SnapshotMeta is the metadata attached to lane snapshots.
type SnapshotMeta struct {
	Status                     SnapshotStatus `json:"status"`
	Lane                       Lane           `json:"lane,omitempty"`
	Unit                       string         `json:"unit,omitempty"`
	Page                       int            `json:"page,omitempty"`
	PageCount                  int            `json:"pageCount,omitempty"`
	Severity                   Severity       `json:"severity,omitempty"`
	Pass                       int            `json:"pass,omitempty"`
	Attempt                    int            `json:"attempt,omitempty"`
	TotalCalls                 int            `json:"totalCalls"`
	MismatchResolved           bool           `json:"mismatchResolved"`
	ResolvedFromPrimaryCount   *int           `json:"resolvedFromPrimaryCount,omitempty"`
	ResolvedFromSecondaryCount *int           `json:"resolvedFromSecondaryCount,omitempty"`
	UpdatedAt                  time.Time      `json:"updatedAt"`
}

// Attachment is a binary document sent alongside a prompt.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Empty reports whether the attachment carries no bytes.
func (a Attachment) Empty() bool {
	return len(a.Data) == 0
}

// Page is a single rendered page of a split document.
type Page struct {
	Number     int
	Attachment Attachment
	Path       string // rendered file inside the work directory
}

// SplitDocument is the result of splitting a source PDF into pages.
type SplitDocument struct {
	SourcePath string
	PageCount  int
	Pages      []Page
	WorkDir    string
}

// FinishReasonMaxTokens is the finish reason reported when output was truncated.
const FinishReasonMaxTokens = "MAX_TOKENS"

// OracleResponse is the parsed JSON payload of an oracle call.
type OracleResponse struct {
	Data         json.RawMessage
	FinishReason string
}

// Truncated reports whether the oracle stopped at its output token limit.
func (r *OracleResponse) Truncated() bool {
	return r != nil && r.FinishReason == FinishReasonMaxTokens
}

// ImportResult counts the outcome of persisting a report.
type ImportResult struct {
	ReportID string `json:"reportId"`
	Upserted int    `json:"upserted"`
	Modified int    `json:"modified"`
	Matched  int    `json:"matched"`
	Skipped  int    `json:"skipped"`
}
