package feather

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/go-cmp/cmp"
	"github.com/jamespfennell/koda/table"
)

func TestRoundTrip(t *testing.T) {
	in := table.New("trip_id", "stop_id", "arrival_time", "arrival_delay", "vehicle_position_latitude", "is_deleted", "empty")
	in.AppendRow([]any{"trip1", "stop1", int64(1000), int64(30), 58.4, true, nil})
	in.AppendRow([]any{"trip1", "stop2", nil, int64(-5), 58.5, false, nil})
	in.AppendRow([]any{nil, "stop3", int64(3000), nil, nil, nil, nil})

	var b bytes.Buffer
	if err := Write(&b, in); err != nil {
		t.Fatalf("Write() failed: %s", err)
	}
	out, err := Read(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("Read() failed: %s", err)
	}

	if diff := cmp.Diff(in.Columns(), out.Columns()); diff != "" {
		t.Errorf("columns not the same: %s", diff)
	}
	if diff := cmp.Diff(in.Records(), out.Records()); diff != "" {
		t.Errorf("records not the same: %s", diff)
	}
}

func TestWriteConvertsDecodedValues(t *testing.T) {
	in := table.New("stop_sequence", "odometer", "label", "list")
	in.AppendRow([]any{json.Number("1"), json.Number("10.5"), "a", []any{"x", "y"}})
	in.AppendRow([]any{json.Number("2"), json.Number("11"), json.Number("7"), nil})

	var b bytes.Buffer
	if err := Write(&b, in); err != nil {
		t.Fatalf("Write() failed: %s", err)
	}
	out, err := Read(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("Read() failed: %s", err)
	}

	want := []map[string]any{
		{"stop_sequence": int64(1), "odometer": 10.5, "label": "a", "list": `["x","y"]`},
		{"stop_sequence": int64(2), "odometer": 11.0, "label": "7"},
	}
	if diff := cmp.Diff(want, out.Records()); diff != "" {
		t.Errorf("records not the same: %s", diff)
	}
}

func TestInferType(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		values []any
		want   arrow.DataType
	}{
		{"empty", []any{nil, nil}, arrow.BinaryTypes.String},
		{"bool", []any{true, nil, false}, arrow.FixedWidthTypes.Boolean},
		{"int", []any{int64(1), json.Number("2")}, arrow.PrimitiveTypes.Int64},
		{"float", []any{int64(1), json.Number("2.5")}, arrow.PrimitiveTypes.Float64},
		{"mixed", []any{int64(1), "a"}, arrow.BinaryTypes.String},
		{"bool and int", []any{true, int64(1)}, arrow.BinaryTypes.String},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			if got := inferType(tc.values); !arrow.TypeEqual(got, tc.want) {
				t.Errorf("inferType() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit.feather")
	in := table.New("_")
	in.AppendRow([]any{false})

	if err := WriteFile(path, in); err != nil {
		t.Fatalf("WriteFile() failed: %s", err)
	}
	out, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %s", err)
	}
	if diff := cmp.Diff(in.Records(), out.Records()); diff != "" {
		t.Errorf("records not the same: %s", diff)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %s", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the cache unit in the directory, got %d entries", len(entries))
	}
}
