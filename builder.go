package koda

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jamespfennell/koda/feather"
	"github.com/jamespfennell/koda/internal/observability"
	"github.com/jamespfennell/koda/table"
	"github.com/jamespfennell/koda/warnings"
	"github.com/jonboulle/clockwork"
)

// ArchiveFetcher retrieves the archive of a cache unit into a work directory and returns
// the path of a tar archive. *Fetcher is the production implementation.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, key CacheKey, workDir string) (string, error)
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	// Directory holding the cache units. Required.
	CacheDir string

	// Required.
	Fetcher ArchiveFetcher

	// Maximum number of message files decoded in parallel. Zero or AllCPUs uses
	// GOMAXPROCS.
	Parallelism int

	// If nil, logging is disabled.
	Logger *slog.Logger

	// If nil, metrics are collected but not registered anywhere.
	Metrics *observability.Metrics

	// If nil, the real clock is used.
	Clock clockwork.Clock
}

// Builder builds cache units and reads them back.
type Builder struct {
	cacheDir    string
	fetcher     ArchiveFetcher
	parallelism int
	logger      *slog.Logger
	metrics     *observability.Metrics
	clock       clockwork.Clock
}

func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("no cache directory provided")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("no archive fetcher provided")
	}
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	b := &Builder{
		cacheDir:    opts.CacheDir,
		fetcher:     opts.Fetcher,
		parallelism: opts.Parallelism,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
	}
	if b.logger == nil {
		b.logger = observability.DiscardLogger()
	}
	if b.metrics == nil {
		b.metrics = observability.NewMetrics(nil)
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	return b, nil
}

// Path returns the path of the cache unit file for the key.
func (b *Builder) Path(key CacheKey) string {
	return filepath.Join(b.cacheDir, key.FileName())
}

// Exists reports whether the cache unit for the key has been built.
func (b *Builder) Exists(key CacheKey) bool {
	info, err := os.Stat(b.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Get returns the cache unit for the key, building it if it doesn't exist.
func (b *Builder) Get(ctx context.Context, key CacheKey) (*table.Table, error) {
	t, err := feather.ReadFile(b.Path(key))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: failed to read cache unit: %w", key, err)
	}
	return b.Build(ctx, key)
}

// Build downloads and decodes the archive for the key and writes the cache unit,
// replacing any existing one. Nothing is written if any step fails.
func (b *Builder) Build(ctx context.Context, key CacheKey) (*table.Table, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	start := b.clock.Now()
	logger := b.logger.With("operator", key.Operator, "feed", key.Feed, "date", key.DateString(), "hour", key.Hour)
	t, err := b.build(ctx, key, logger)
	b.metrics.UnitsBuilt.WithLabelValues(string(key.Feed), outcome(err)).Inc()
	if err != nil {
		logger.Error("failed to build cache unit", "error", err)
		return nil, err
	}
	b.metrics.BuildDuration.Observe(b.clock.Since(start).Seconds())
	b.metrics.RowsWritten.Observe(float64(t.NumRows()))
	logger.Info("built cache unit", "path", b.Path(key), "rows", t.NumRows(), "columns", t.NumColumns())
	return t, nil
}

func (b *Builder) build(ctx context.Context, key CacheKey, logger *slog.Logger) (*table.Table, error) {
	workDir, err := os.MkdirTemp(b.cacheDir, ".work-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove work directory", "path", workDir, "error", err)
		}
	}()

	archivePath, err := b.fetcher.FetchArchive(ctx, key, workDir)
	if err != nil {
		return nil, err
	}
	t, err := ExtractArchive(ctx, archivePath, ExtractOptions{
		Parallelism: b.parallelism,
		Key:         key,
		Logger:      logger,
		OnDecoded: func(string, int) {
			b.metrics.FilesDecoded.Inc()
		},
		OnDrift: func(string, warnings.SchemaDrift) {
			b.metrics.SchemaDrift.Inc()
		},
	})
	if err != nil {
		return nil, err
	}
	if err := feather.WriteFile(b.Path(key), t); err != nil {
		return nil, fmt.Errorf("%s: failed to write cache unit: %w", key, err)
	}
	return t, nil
}

func outcome(err error) string {
	var upstreamErr *UpstreamError
	var extractionErr *ExtractionError
	var malformedErr *MalformedMessageError
	var schemaErr *SchemaViolationError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &upstreamErr):
		return "upstream_error"
	case errors.As(err, &extractionErr):
		return "extraction_error"
	case errors.As(err, &malformedErr):
		return "malformed_message"
	case errors.As(err, &schemaErr):
		return "schema_violation"
	}
	return "error"
}
