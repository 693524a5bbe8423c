// Package report merges cache units into a single zipped CSV file.
package report

import (
	"archive/zip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jamespfennell/koda/csv"
	"github.com/jamespfennell/koda/table"
)

const (
	DefaultZipName = "merged_output.zip"
	DefaultCSVName = "merged_output.csv"
)

// AppendToZip appends the rows of the tables to the CSV file csvName inside the zip
// archive at zipPath and returns the merged table. If the archive exists, its CSV file
// is read first and the new rows are added after the existing ones; otherwise the
// archive is created. The archive is replaced atomically.
func AppendToZip(zipPath, csvName string, tables ...*table.Table) (*table.Table, error) {
	existing, err := readZip(zipPath, csvName)
	if err != nil {
		return nil, err
	}
	merged := table.Concat(append([]*table.Table{existing}, tables...)...)
	if err := writeZip(zipPath, csvName, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ReadZip reads the CSV file csvName from the zip archive at zipPath.
func ReadZip(zipPath, csvName string) (*table.Table, error) {
	t, err := readZip(zipPath, csvName)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%s: %w", zipPath, fs.ErrNotExist)
	}
	return t, nil
}

func readZip(zipPath, csvName string) (*table.Table, error) {
	zr, err := zip.OpenReader(zipPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", zipPath, err)
	}
	defer zr.Close()
	f, err := zr.Open(csvName)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s in %s: %w", csvName, zipPath, err)
	}
	defer f.Close()
	t, err := csv.ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s in %s: %w", csvName, zipPath, err)
	}
	return t, nil
}

func writeZip(zipPath, csvName string, t *table.Table) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(zipPath), "."+filepath.Base(zipPath)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	zw := zip.NewWriter(tmp)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: csvName, Method: zip.Deflate})
	if err != nil {
		return err
	}
	if err := csv.WriteTable(w, t); err != nil {
		return fmt.Errorf("failed to write %s: %w", csvName, err)
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), zipPath)
}
