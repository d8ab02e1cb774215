package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/spherical/vuln-extractor/internal/domain"
)

// Table prints rows as aligned columns on stdout.
func Table(headers []string, rows [][]string) {
	WriteTable(os.Stdout, headers, rows)
}

// WriteTable prints rows as aligned columns on w.
func WriteTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	separator := make([]string, len(headers))
	for i := range separator {
		separator[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(tw, strings.Join(separator, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	_ = tw.Flush()
}

var severityColors = map[domain.Severity]*color.Color{
	domain.SeverityCritical: color.New(color.FgRed, color.Bold),
	domain.SeverityHigh:     color.New(color.FgRed),
	domain.SeverityMedium:   color.New(color.FgYellow),
	domain.SeverityLow:      color.New(color.FgCyan),
	domain.SeverityInfo:     color.New(color.FgBlue),
}

// SeverityLabel renders a severity in its display color.
func SeverityLabel(sev domain.Severity) string {
	if c, ok := severityColors[sev]; ok {
		return c.Sprint(string(sev))
	}
	return string(sev)
}

// FormatScore renders an optional score with one decimal, or "-".
func FormatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

// FormatOptional renders an optional string, or "-".
func FormatOptional(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

// FormatDuration formats a duration as 1h2m3s, 2m3s or 3s.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
