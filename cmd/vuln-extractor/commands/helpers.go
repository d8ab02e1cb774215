package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/observability"
	"github.com/spherical/vuln-extractor/internal/storage"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
}

// openRepository opens the configured database and makes sure the schema
// exists. The returned func closes the database.
func openRepository(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*storage.Repository, func(), error) {
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() { _ = db.Close() }

	repo := storage.NewRepository(db, logger)
	if err := repo.EnsureSchema(ctx); err != nil {
		closeDB()
		return nil, nil, err
	}
	return repo, closeDB, nil
}

// reportNameFor derives a report name from a file path.
func reportNameFor(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
