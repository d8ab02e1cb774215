// Package storage persists extracted reports in SQLite or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
	"github.com/spherical/vuln-extractor/internal/observability"
)

// ReportMode is the only report mode this service produces.
const ReportMode = "Nessus"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		report_name TEXT NOT NULL,
		mode TEXT NOT NULL,
		uploaded_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vulnerabilities (
		report_id TEXT NOT NULL REFERENCES reports(id),
		host TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		cvss_v3 DOUBLE PRECISION,
		vpr DOUBLE PRECISION,
		epss DOUBLE PRECISION,
		name TEXT NOT NULL,
		usn TEXT,
		category TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (report_id, host, plugin_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vulnerabilities_report ON vulnerabilities (report_id)`,
}

// Report is a stored report header.
type Report struct {
	ID         string    `json:"id"`
	Name       string    `json:"reportName"`
	Mode       string    `json:"mode"`
	UploadedAt time.Time `json:"uploadedAt"`
	Findings   int       `json:"findings"`
}

// FindingFilter narrows ListFindings. Zero values match everything.
type FindingFilter struct {
	Severity domain.Severity
	Category domain.Category
}

// Open opens a database for the configured driver.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var driver string
	switch cfg.Driver {
	case "sqlite":
		driver = "sqlite3"
	case "postgres":
		driver = "postgres"
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported database driver: %s", cfg.Driver), nil)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, domain.StorageError("open database", err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite serialises writers
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Repository stores reports and their findings.
type Repository struct {
	db     *sql.DB
	logger *observability.Logger
	now    func() time.Time
}

// NewRepository creates a repository over db.
func NewRepository(db *sql.DB, logger *observability.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: observability.OrNop(logger).WithComponent("storage"),
		now:    time.Now,
	}
}

// EnsureSchema creates the tables when they are missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return domain.StorageError("create schema", err)
		}
	}
	return nil
}

type storedFinding struct {
	severity sql.NullString
	cvss     sql.NullFloat64
	vpr      sql.NullFloat64
	epss     sql.NullFloat64
	name     sql.NullString
	usn      sql.NullString
	category sql.NullString
}

// ImportReport upserts records by (reportId, host, pluginId) in a single
// transaction. Records missing host, severity, pluginId or name are skipped.
func (r *Repository) ImportReport(ctx context.Context, reportID, reportName string, records []domain.VulnerabilityRecord) (*domain.ImportResult, error) {
	reportName = strings.TrimSpace(reportName)
	if reportName == "" {
		return nil, domain.ValidationError("reportName is required", nil)
	}
	if strings.TrimSpace(reportID) == "" {
		return nil, domain.ValidationError("reportId is required", nil)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.StorageError("begin transaction", err)
	}
	defer tx.Rollback()

	now := r.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reports (id, report_name, mode, uploaded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET report_name = excluded.report_name`,
		reportID, reportName, ReportMode, now,
	); err != nil {
		return nil, domain.StorageError("insert report", err)
	}

	result := &domain.ImportResult{ReportID: reportID}
	for _, raw := range records {
		rec := identity.Renormalize(raw, reportID)
		if rec.Host == nil || rec.Severity == nil || rec.PluginID == nil || rec.Name == nil {
			result.Skipped++
			continue
		}

		var cur storedFinding
		err := tx.QueryRowContext(ctx, `
			SELECT severity, cvss_v3, vpr, epss, name, usn, category
			FROM vulnerabilities
			WHERE report_id = $1 AND host = $2 AND plugin_id = $3`,
			reportID, *rec.Host, *rec.PluginID,
		).Scan(&cur.severity, &cur.cvss, &cur.vpr, &cur.epss, &cur.name, &cur.usn, &cur.category)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vulnerabilities
					(report_id, host, plugin_id, severity, cvss_v3, vpr, epss, name, usn, category, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				reportID, *rec.Host, *rec.PluginID, string(*rec.Severity),
				nullFloat(rec.CVSSv3), nullFloat(rec.VPR), nullFloat(rec.EPSS),
				*rec.Name, nullString(rec.USN), string(rec.Category), now,
			); err != nil {
				return nil, domain.StorageError("insert finding", err)
			}
			result.Upserted++
		case err != nil:
			return nil, domain.StorageError("look up finding", err)
		default:
			result.Matched++
			if cur.equals(rec) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE vulnerabilities
				SET severity = $1, cvss_v3 = $2, vpr = $3, epss = $4, name = $5, usn = $6, category = $7, updated_at = $8
				WHERE report_id = $9 AND host = $10 AND plugin_id = $11`,
				string(*rec.Severity), nullFloat(rec.CVSSv3), nullFloat(rec.VPR), nullFloat(rec.EPSS),
				*rec.Name, nullString(rec.USN), string(rec.Category), now,
				reportID, *rec.Host, *rec.PluginID,
			); err != nil {
				return nil, domain.StorageError("update finding", err)
			}
			result.Modified++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.StorageError("commit import", err)
	}

	r.logger.Info().
		Str("report_id", reportID).
		Int("upserted", result.Upserted).
		Int("modified", result.Modified).
		Int("matched", result.Matched).
		Int("skipped", result.Skipped).
		Msg("report imported")
	return result, nil
}

// LatestReport returns the most recently uploaded report.
func (r *Repository) LatestReport(ctx context.Context) (*Report, error) {
	var rep Report
	err := r.db.QueryRowContext(ctx, `
		SELECT r.id, r.report_name, r.mode, r.uploaded_at,
			(SELECT COUNT(*) FROM vulnerabilities v WHERE v.report_id = r.id)
		FROM reports r
		ORDER BY r.uploaded_at DESC
		LIMIT 1`,
	).Scan(&rep.ID, &rep.Name, &rep.Mode, &rep.UploadedAt, &rep.Findings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.ErrorTypeStorage, "no reports stored", sql.ErrNoRows)
	}
	if err != nil {
		return nil, domain.StorageError("query latest report", err)
	}
	return &rep, nil
}

// ListFindings returns a report's findings ordered by host and pluginId.
func (r *Repository) ListFindings(ctx context.Context, reportID string, filter FindingFilter) ([]domain.VulnerabilityRecord, error) {
	query := `
		SELECT host, plugin_id, severity, cvss_v3, vpr, epss, name, usn, category
		FROM vulnerabilities
		WHERE report_id = $1`
	args := []interface{}{reportID}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	query += " ORDER BY host, plugin_id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.StorageError("query findings", err)
	}
	defer rows.Close()

	findings := []domain.VulnerabilityRecord{}
	for rows.Next() {
		var (
			host, pluginID, severity, name, category string
			cvss, vpr, epss                          sql.NullFloat64
			usn                                      sql.NullString
		)
		if err := rows.Scan(&host, &pluginID, &severity, &cvss, &vpr, &epss, &name, &usn, &category); err != nil {
			return nil, domain.StorageError("scan finding", err)
		}
		sev := domain.Severity(severity)
		findings = append(findings, domain.VulnerabilityRecord{
			ReportID: reportID,
			Host:     &host,
			PluginID: &pluginID,
			Severity: &sev,
			CVSSv3:   floatPtr(cvss),
			VPR:      floatPtr(vpr),
			EPSS:     floatPtr(epss),
			Name:     &name,
			USN:      stringPtr(usn),
			Category: domain.Category(category),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("iterate findings", err)
	}
	return findings, nil
}

func (s storedFinding) equals(rec domain.VulnerabilityRecord) bool {
	return s.severity.String == string(*rec.Severity) &&
		sameFloat(s.cvss, rec.CVSSv3) &&
		sameFloat(s.vpr, rec.VPR) &&
		sameFloat(s.epss, rec.EPSS) &&
		s.name.String == *rec.Name &&
		sameString(s.usn, rec.USN) &&
		s.category.String == string(rec.Category)
}

func sameFloat(n sql.NullFloat64, f *float64) bool {
	if f == nil {
		return !n.Valid
	}
	return n.Valid && n.Float64 == *f
}

func sameString(n sql.NullString, s *string) bool {
	if s == nil {
		return !n.Valid
	}
	return n.Valid && n.String == *s
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
