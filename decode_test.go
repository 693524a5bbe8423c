package koda

import (
	"encoding/json"
	"errors"
	"testing"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/go-cmp/cmp"
	"github.com/jamespfennell/koda/internal/testutil"
	"github.com/jamespfennell/koda/table"
	"google.golang.org/protobuf/proto"
)

func TestDecode(t *testing.T) {
	b := testutil.MustMarshal(t, nil, []*gtfsrt.FeedEntity{
		testutil.TripUpdate("1", "trip1", 1000, "stop1"),
	})

	result, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() failed: %s", err)
	}

	wantColumns := []string{"id", "tripUpdate_stopTimeUpdate", "tripUpdate_trip_tripId"}
	if diff := cmp.Diff(wantColumns, result.Columns()); diff != "" {
		t.Errorf("columns not the same: %s", diff)
	}
	want := []map[string]any{
		{
			"id":                     "1",
			"tripUpdate_trip_tripId": "trip1",
			"tripUpdate_stopTimeUpdate": []any{
				map[string]any{
					"stopSequence": json.Number("1"),
					"stopId":       "stop1",
					"arrival":      map[string]any{"time": "1000"},
				},
			},
		},
	}
	if diff := cmp.Diff(want, result.Records()); diff != "" {
		t.Errorf("records not the same: %s", diff)
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	b := testutil.MustMarshal(t, nil, []*gtfsrt.FeedEntity{
		testutil.TripUpdate("1", "trip1", 1000, "stop1", "stop2"),
		{
			Id: proto.String("2"),
			Vehicle: &gtfsrt.VehiclePosition{
				Trip:      &gtfsrt.TripDescriptor{TripId: proto.String("trip2")},
				Timestamp: proto.Uint64(1200),
			},
		},
	})

	first, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() failed: %s", err)
	}
	second, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() failed: %s", err)
	}
	if diff := cmp.Diff(first.Columns(), second.Columns()); diff != "" {
		t.Errorf("columns not the same: %s", diff)
	}
	if diff := cmp.Diff(first.Records(), second.Records()); diff != "" {
		t.Errorf("records not the same: %s", diff)
	}
}

func TestDecodeTripUpdateWithoutStopTimeUpdates(t *testing.T) {
	b := testutil.MustMarshal(t, nil, []*gtfsrt.FeedEntity{
		testutil.TripUpdate("9", "trip9", 0),
		{
			Id: proto.String("10"),
			Alert: &gtfsrt.Alert{
				HeaderText: &gtfsrt.TranslatedString{},
			},
		},
	})

	result, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() failed: %s", err)
	}
	want := []map[string]any{
		{"id": "9", "tripUpdate_trip_tripId": "trip9", "tripUpdate_stopTimeUpdate": []any{}},
		{"id": "10", "alert_informedEntity": []any{}, "alert_headerText_translation": []any{}},
	}
	if diff := cmp.Diff(want, result.Records()); diff != "" {
		t.Errorf("records not the same: %s", diff)
	}

	unpacked, _ := Unpack(result)
	if unpacked.NumRows() != 0 {
		t.Errorf("Unpack() returned %d rows, want 0: %v", unpacked.NumRows(), unpacked.Records())
	}
}

func TestDecodeEmptyMessage(t *testing.T) {
	result, err := Decode(testutil.MustMarshal(t, nil, nil))
	if err != nil {
		t.Fatalf("Decode() failed: %s", err)
	}
	if result.NumRows() != 0 || result.NumColumns() != 0 {
		t.Errorf("expected empty table, got %d rows and %d columns", result.NumRows(), result.NumColumns())
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("this is not a protobuf message"))
	var malformedErr *MalformedMessageError
	if !errors.As(err, &malformedErr) {
		t.Fatalf("Decode() error = %v, want *MalformedMessageError", err)
	}
}

func TestUnpack(t *testing.T) {
	for _, tc := range []struct {
		desc        string
		in          *table.Table
		wantColumns []string
		wantRecords []map[string]any
		wantDrift   []string
	}{
		{
			desc: "list of three objects",
			in: table.FromRecords([]map[string]any{
				{"id": "1", "field": []any{
					map[string]any{"x": "a"},
					map[string]any{"x": "b"},
					map[string]any{"x": "c"},
				}},
			}),
			wantColumns: []string{"id", "field_x"},
			wantRecords: []map[string]any{
				{"id": "1", "field_x": "a"},
				{"id": "1", "field_x": "b"},
				{"id": "1", "field_x": "c"},
			},
		},
		{
			desc: "empty list drops the row",
			in: table.FromRecords([]map[string]any{
				{"id": "1", "field": []any{}},
				{"id": "2", "field": []any{map[string]any{"x": "a"}}},
			}),
			wantColumns: []string{"id", "field_x"},
			wantRecords: []map[string]any{
				{"id": "2", "field_x": "a"},
			},
		},
		{
			desc: "only empty lists",
			in: table.FromRecords([]map[string]any{
				{"id": "1", "field": []any{}},
				{"id": "2", "field": []any{}},
			}),
			wantColumns: []string{"id"},
			wantRecords: []map[string]any{},
		},
		{
			desc: "nested objects use dots",
			in: table.FromRecords([]map[string]any{
				{"stopTimeUpdate": []any{
					map[string]any{"stopId": "s1", "arrival": map[string]any{"delay": json.Number("30")}},
				}},
			}),
			wantColumns: []string{"stopTimeUpdate_arrival.delay", "stopTimeUpdate_stopId"},
			wantRecords: []map[string]any{
				{"stopTimeUpdate_stopId": "s1", "stopTimeUpdate_arrival.delay": json.Number("30")},
			},
		},
		{
			desc: "nested lists",
			in: table.FromRecords([]map[string]any{
				{"alert": []any{
					map[string]any{"translation": []any{
						map[string]any{"text": "hej"},
						map[string]any{"text": "hello"},
					}},
				}},
			}),
			wantColumns: []string{"alert_translation_text"},
			wantRecords: []map[string]any{
				{"alert_translation_text": "hej"},
				{"alert_translation_text": "hello"},
			},
		},
		{
			desc: "object column keeps empty rows",
			in: table.FromRecords([]map[string]any{
				{"id": "1", "position": map[string]any{"latitude": json.Number("58.4")}},
				{"id": "2"},
			}),
			wantColumns: []string{"id", "position_latitude"},
			wantRecords: []map[string]any{
				{"id": "1", "position_latitude": json.Number("58.4")},
				{"id": "2"},
			},
		},
		{
			desc: "mixed list is reported",
			in: table.FromRecords([]map[string]any{
				{"id": "1", "mixed": []any{map[string]any{"x": "a"}, "b"}},
			}),
			wantColumns: []string{"id", "mixed"},
			wantRecords: []map[string]any{
				{"id": "1", "mixed": []any{map[string]any{"x": "a"}, "b"}},
			},
			wantDrift: []string{"mixed"},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			result, drift := Unpack(tc.in)

			if diff := cmp.Diff(tc.wantColumns, result.Columns()); diff != "" {
				t.Errorf("columns not the same: %s", diff)
			}
			if diff := cmp.Diff(tc.wantRecords, result.Records()); diff != "" {
				t.Errorf("records not the same: %s", diff)
			}
			var driftColumns []string
			for _, w := range drift {
				driftColumns = append(driftColumns, w.Column)
			}
			if diff := cmp.Diff(tc.wantDrift, driftColumns); diff != "" {
				t.Errorf("drift not the same: %s", diff)
			}

			again, _ := Unpack(result)
			if diff := cmp.Diff(result.Records(), again.Records()); diff != "" {
				t.Errorf("unpacking twice changed the table: %s", diff)
			}
		})
	}
}
