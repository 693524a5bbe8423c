// Package csv reads and writes tables as CSV files with a header row.
package csv

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jamespfennell/koda/table"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ReadTable reads a CSV file whose first row is the header. Every value is a string and
// empty cells are empty in the table.
func ReadTable(r io.Reader) (*table.Table, error) {
	csvReader := BOMAwareCSVReader(r)
	header, err := csvReader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("CSV file contains no rows")
	} else if err != nil {
		return nil, err
	}
	t := table.New(header...)
	csvReader.ReuseRecord = true
	for {
		cells, err := csvReader.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, err
		}
		row := make([]any, len(header))
		for i, cell := range cells {
			if cell != "" {
				row[i] = cell
			}
		}
		t.AppendRow(row)
	}
}

// WriteTable writes the table with a header row. Empty cells are written as empty
// strings and lists or objects as JSON.
func WriteTable(w io.Writer, t *table.Table) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(t.Columns()); err != nil {
		return err
	}
	record := make([]string, t.NumColumns())
	for i := 0; i < t.NumRows(); i++ {
		for j, v := range t.Row(i) {
			s, err := formatValue(v)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", i, t.Columns()[j], err)
			}
			record[j] = s
		}
		if err := csvWriter.Write(record); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

func formatValue(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return string(v), nil
	case bool:
		if v {
			return "True", nil
		}
		return "False", nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// From: https://stackoverflow.com/a/76023436
//
// BOMAwareCSVReader will detect a UTF BOM (Byte Order Mark) at the
// start of the data and transform to UTF8 accordingly.
// If there is no BOM, it will read the data without any transformation.
func BOMAwareCSVReader(reader io.Reader) *csv.Reader {
	var transformer = unicode.BOMOverride(encoding.Nop.NewDecoder())
	return csv.NewReader(transform.NewReader(reader, transformer))
}
