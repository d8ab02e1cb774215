// Package output publishes run snapshots to files and to Redis.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spherical/vuln-extractor/internal/domain"
)

// Document is the on-disk shape of every snapshot.
type Document struct {
	Vulnerabilities []domain.VulnerabilityRecord `json:"vulnerabilities"`
	Meta            any                          `json:"meta"`
}

// Paths are the artifact locations of one run.
type Paths struct {
	Primary   string
	Secondary string
	Final     string
}

// For returns the path a snapshot kind is written to.
func (p Paths) For(kind domain.SnapshotKind) string {
	switch kind {
	case domain.SnapshotPrimary:
		return p.Primary
	case domain.SnapshotSecondary:
		return p.Secondary
	default:
		return p.Final
	}
}

// Timestamp renders t as a filename-safe RFC3339 string with milliseconds.
func Timestamp(t time.Time) string {
	ts := t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return strings.NewReplacer(":", "-", ".", "-").Replace(ts)
}

// BuildPaths derives the artifact paths for a source document. Lane
// snapshots go to tempDir, the final artifact to outputDir.
func BuildPaths(outputDir, tempDir, sourcePath, strategy string, startedAt time.Time) Paths {
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	if base == "" || base == "." {
		base = "report"
	}
	stem := fmt.Sprintf("%s-%s", base, Timestamp(startedAt))
	return Paths{
		Primary:   filepath.Join(tempDir, stem+"-crosscheck-a.json"),
		Secondary: filepath.Join(tempDir, stem+"-crosscheck-b.json"),
		Final:     filepath.Join(outputDir, stem+"-"+strategy+".json"),
	}
}

// FileSink writes each snapshot as a whole file. Readers see either the
// previous content or the new content, never a partial write.
type FileSink struct {
	paths Paths
	mu    sync.Mutex
}

// NewFileSink creates the artifact directories and returns a sink.
func NewFileSink(paths Paths) (*FileSink, error) {
	for _, p := range []string{paths.Primary, paths.Secondary, paths.Final} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, domain.IOError("failed to create output directory", err)
		}
	}
	return &FileSink{paths: paths}, nil
}

// Paths returns the artifact locations.
func (s *FileSink) Paths() Paths {
	return s.paths
}

// Publish implements domain.ProgressSink.
func (s *FileSink) Publish(ctx context.Context, kind domain.SnapshotKind, items []domain.VulnerabilityRecord, meta any) error {
	if items == nil {
		items = []domain.VulnerabilityRecord{}
	}
	data, err := json.MarshalIndent(Document{Vulnerabilities: items, Meta: meta}, "", "  ")
	if err != nil {
		return domain.IOError("failed to encode snapshot", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFileAtomic(s.paths.For(kind), append(data, '\n'))
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return domain.IOError("failed to create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.IOError("failed to write snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.IOError("failed to sync snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.IOError("failed to close snapshot", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return domain.IOError("failed to move snapshot into place", err)
	}
	return nil
}
