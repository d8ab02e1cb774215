package output

import (
	"context"
	"errors"

	"github.com/spherical/vuln-extractor/internal/domain"
)

// MultiSink fans a snapshot out to several sinks. Every sink is tried;
// failures are joined.
type MultiSink []domain.ProgressSink

// Publish implements domain.ProgressSink.
func (m MultiSink) Publish(ctx context.Context, kind domain.SnapshotKind, items []domain.VulnerabilityRecord, meta any) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, kind, items, meta); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
