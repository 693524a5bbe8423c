package testutil

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

func MustMarshal(t *testing.T, header *gtfsrt.FeedHeader, entities []*gtfsrt.FeedEntity) []byte {
	t.Helper()
	if header == nil {
		header = &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		}
	}
	message := gtfsrt.FeedMessage{
		Header: header,
		Entity: entities,
	}
	b, err := proto.Marshal(&message)
	if err != nil {
		t.Fatalf("failed to marshal GTFS-RT message: %s", err)
	}
	return b
}

// TripUpdate returns an entity with a trip update for the trip with one stop time update
// per stop. Arrival times start at arrivalTime and increase by a minute for each stop.
func TripUpdate(id, tripID string, arrivalTime int64, stopIDs ...string) *gtfsrt.FeedEntity {
	var updates []*gtfsrt.TripUpdate_StopTimeUpdate
	for i, stopID := range stopIDs {
		updates = append(updates, &gtfsrt.TripUpdate_StopTimeUpdate{
			StopSequence: proto.Uint32(uint32(i + 1)),
			StopId:       proto.String(stopID),
			Arrival: &gtfsrt.TripUpdate_StopTimeEvent{
				Time: proto.Int64(arrivalTime + int64(60*i)),
			},
		})
	}
	return &gtfsrt.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfsrt.TripUpdate{
			Trip: &gtfsrt.TripDescriptor{
				TripId: proto.String(tripID),
			},
			StopTimeUpdate: updates,
		},
	}
}

// MustWriteTar writes a tar archive containing the files to a new file in dir and returns
// its path.
func MustWriteTar(t *testing.T, dir string, files map[string][]byte) string {
	t.Helper()
	var b bytes.Buffer
	tw := tar.NewWriter(&b)
	for _, name := range sortedNames(files) {
		content := files[name]
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatalf("failed to write tar header: %s", err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("failed to write tar content: %s", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %s", err)
	}
	path := filepath.Join(dir, "archive.tar")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write %s: %s", path, err)
	}
	return path
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
