// Package feather reads and writes tables as Feather (Arrow IPC file) files with zstd
// compressed buffers.
package feather

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jamespfennell/koda/table"
)

// Write encodes the table to w.
//
// The type of each column is inferred from its values: boolean if every non-empty value
// is a bool, int64 if every value is an integer, float64 if every value is a number,
// and string otherwise. Lists and objects are stored as JSON strings.
func Write(w io.Writer, t *table.Table) error {
	mem := memory.NewGoAllocator()
	fields := make([]arrow.Field, t.NumColumns())
	for i, c := range t.Columns() {
		fields[i] = arrow.Field{Name: c, Type: inferType(t.Column(c)), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i, c := range t.Columns() {
		if err := appendColumn(b.Field(i), t.Column(c)); err != nil {
			return fmt.Errorf("failed to encode column %q: %w", c, err)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem), ipc.WithZstd())
	if err != nil {
		return fmt.Errorf("failed to create Feather writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to write Feather record: %w", err)
	}
	return fw.Close()
}

// WriteFile writes the table to path. The table is written to a temporary file in the
// same directory which is then renamed, so path never holds a partial table.
func WriteFile(path string, t *table.Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if err := Write(tmp, t); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

// ReadFile reads a table written by WriteFile.
func ReadFile(path string) (*table.Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Read(file)
}

// Read decodes a Feather file.
func Read(r ipc.ReadAtSeeker) (*table.Table, error) {
	mem := memory.NewGoAllocator()
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to open Feather file: %w", err)
	}
	defer fr.Close()

	schema := fr.Schema()
	columns := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		columns[i] = f.Name
	}
	t := table.New(columns...)
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read Feather record %d: %w", i, err)
		}
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make([]any, len(columns))
			for c := range columns {
				v, err := value(rec.Column(c), r)
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", columns[c], err)
				}
				row[c] = v
			}
			t.AppendRow(row)
		}
	}
	return t, nil
}

func inferType(values []any) arrow.DataType {
	allBool, allInt, allNumber := true, true, true
	empty := true
	for _, v := range values {
		if v == nil {
			continue
		}
		empty = false
		switch v := v.(type) {
		case bool:
			allInt, allNumber = false, false
		case int64:
			allBool = false
		case float64:
			allBool, allInt = false, false
		case json.Number:
			allBool = false
			if _, err := v.Int64(); err != nil {
				allInt = false
				if _, err := v.Float64(); err != nil {
					allNumber = false
				}
			}
		default:
			allBool, allInt, allNumber = false, false, false
		}
	}
	switch {
	case empty:
		return arrow.BinaryTypes.String
	case allBool:
		return arrow.FixedWidthTypes.Boolean
	case allInt:
		return arrow.PrimitiveTypes.Int64
	case allNumber:
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.BinaryTypes.String
}

func appendColumn(b array.Builder, values []any) error {
	for _, v := range values {
		if v == nil {
			b.AppendNull()
			continue
		}
		switch b := b.(type) {
		case *array.BooleanBuilder:
			b.Append(v.(bool))
		case *array.Int64Builder:
			n, err := toInt64(v)
			if err != nil {
				return err
			}
			b.Append(n)
		case *array.Float64Builder:
			f, err := toFloat64(v)
			if err != nil {
				return err
			}
			b.Append(f)
		case *array.StringBuilder:
			s, err := toString(v)
			if err != nil {
				return err
			}
			b.Append(s)
		default:
			return fmt.Errorf("unsupported builder %T", b)
		}
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("cannot encode %T as int64", v)
}

func toFloat64(v any) (float64, error) {
	switch v := v.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	}
	return 0, fmt.Errorf("cannot encode %T as float64", v)
}

// toString formats a value for a string column.
func toString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return string(v), nil
	case bool:
		return strconv.FormatBool(v), nil
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

func value(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	switch col := col.(type) {
	case *array.Boolean:
		return col.Value(i), nil
	case *array.Int64:
		return col.Value(i), nil
	case *array.Float64:
		return col.Value(i), nil
	case *array.String:
		return col.Value(i), nil
	}
	return nil, fmt.Errorf("unsupported Arrow type %s", col.DataType())
}
