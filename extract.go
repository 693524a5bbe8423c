package koda

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/jamespfennell/koda/internal/observability"
	"github.com/jamespfennell/koda/table"
	"github.com/jamespfennell/koda/warnings"
	"golang.org/x/sync/errgroup"
)

// AllCPUs is the parallelism value that decodes with as many workers as GOMAXPROCS.
const AllCPUs = -1

// placeholderColumn is added to tables without columns, which Feather cannot store.
const placeholderColumn = "_"

// ExtractOptions configures ExtractArchive.
type ExtractOptions struct {
	// Maximum number of files decoded in parallel. Zero or AllCPUs uses GOMAXPROCS.
	Parallelism int

	// Key of the cache unit the archive belongs to, used in errors and logs.
	Key CacheKey

	// If nil, logging is disabled.
	Logger *slog.Logger

	// OnDecoded is called after each file is decoded. It may be called concurrently.
	OnDecoded func(file string, rows int)

	// OnDrift is called for each schema drift warning. It may be called concurrently.
	OnDrift func(file string, w warnings.SchemaDrift)
}

func (opts *ExtractOptions) parallelism() int {
	if opts.Parallelism <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return opts.Parallelism
}

// IsMessageFile reports whether the archive entry is a GTFS realtime message that should
// be decoded. Copies marked as duplicates by the provider are skipped.
func IsMessageFile(name string) bool {
	return strings.HasSuffix(name, ".pb") && !strings.Contains(name, "Duplicate")
}

type decodedFile struct {
	name  string
	table *table.Table
}

// ExtractArchive decodes every message file in the tar archive and returns the
// normalized, deduplicated content of the cache unit.
//
// Files are decoded in parallel. If any file fails to decode, or the archive cannot be
// read to the end, the whole archive fails and pending decodes are cancelled.
func ExtractArchive(ctx context.Context, archivePath string, opts ExtractOptions) (*table.Table, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, &ExtractionError{Key: opts.Key, Archive: archivePath, Err: err}
	}
	defer file.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallelism())
	var files []*decodedFile
	readErr := func() error {
		tr := tar.NewReader(file)
		for {
			header, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return &ExtractionError{Key: opts.Key, Archive: archivePath, Err: err}
			}
			if header.Typeflag != tar.TypeReg || !IsMessageFile(header.Name) {
				continue
			}
			content, err := io.ReadAll(tr)
			if err != nil {
				return &ExtractionError{Key: opts.Key, Archive: archivePath, Err: fmt.Errorf("failed to read %s: %w", header.Name, err)}
			}
			if gctx.Err() != nil {
				return nil
			}
			result := &decodedFile{name: header.Name}
			files = append(files, result)
			g.Go(func() error {
				t, err := decodeFile(gctx, opts, result.name, content)
				if err != nil {
					return err
				}
				result.table = t
				return nil
			})
		}
	}()
	if readErr != nil {
		cancel()
		_ = g.Wait()
		return nil, readErr
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.Debug("decoded archive", "archive", archivePath, "files", len(files))

	tables := make([]*table.Table, len(files))
	for i, f := range files {
		tables[i] = f.table
	}
	merged := table.Concat(tables...)
	if err := Transform(merged); err != nil {
		var schemaErr *SchemaViolationError
		if errors.As(err, &schemaErr) {
			schemaErr.Key = opts.Key
		}
		return nil, err
	}
	return merged, nil
}

func decodeFile(ctx context.Context, opts ExtractOptions, name string, content []byte) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := Decode(content)
	if err != nil {
		var malformedErr *MalformedMessageError
		if errors.As(err, &malformedErr) {
			malformedErr.Key = opts.Key
			malformedErr.File = name
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, drift := Unpack(t)
	for _, w := range drift {
		if opts.Logger != nil {
			opts.Logger.Warn("schema drift", "file", name, "column", w.Column, "warning", w.Error())
		}
		if opts.OnDrift != nil {
			opts.OnDrift(name, w)
		}
	}
	if opts.OnDecoded != nil {
		opts.OnDecoded(name, t.NumRows())
	}
	return t, nil
}

// Transform applies the cache unit transformations to the concatenated content of an
// archive: empty rows are dropped, integer columns are cast, column names are
// normalized and duplicate rows are removed. A table without columns gets a placeholder
// boolean column.
func Transform(t *table.Table) error {
	t.DropEmptyRows()
	if err := castIntegerColumns(t); err != nil {
		return err
	}
	if err := normalizeSeparators(t); err != nil {
		return err
	}
	if err := Normalize(t); err != nil {
		return err
	}
	Deduplicate(t)
	if t.NumColumns() == 0 {
		t.AddColumn(placeholderColumn)
		for i := 0; i < t.NumRows(); i++ {
			t.Set(i, placeholderColumn, false)
		}
	}
	return nil
}
