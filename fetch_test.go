package koda

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/jamespfennell/koda/internal/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const (
	helperEnv     = "KODA_TEST_HELPER_DECOMPRESSOR"
	helperModeEnv = "KODA_TEST_HELPER_MODE"
)

// TestHelperDecompressor is not a real test. It is run as a subprocess by the fetcher
// tests in place of the decompression utility: it copies {input} to {output}/message.pb.
func TestHelperDecompressor(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: -- input output")
		os.Exit(2)
	}
	input, output := args[1], args[2]
	if err := os.MkdirAll(filepath.Join(output, "2024", "01"), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if os.Getenv(helperModeEnv) == "fail" {
		fmt.Println("ERROR: Can not open the file as archive")
		os.Exit(2)
	}
	content, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := os.WriteFile(filepath.Join(output, "2024", "01", "message.pb"), content, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func helperDecompressor(t *testing.T, mode string) []string {
	t.Setenv(helperEnv, "1")
	t.Setenv(helperModeEnv, mode)
	return []string{os.Args[0], "-test.run=^TestHelperDecompressor$", "--", "{input}", "{output}"}
}

var testKey = CacheKey{
	Operator: "otraf",
	Feed:     TripUpdates,
	Date:     time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC),
	Hour:     10,
}

func newTestServer(t *testing.T, status int, body []byte) (*httptest.Server, *atomic.Int32) {
	requests := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server, requests
}

func TestFetcherURL(t *testing.T) {
	v2 := NewFetcher(FetcherOptions{APIKey: "secret"})
	require.Equal(t,
		"https://koda.linkoping-ri.se/KoDa/api/v2/gtfs-rt/otraf/TripUpdates?date=2024-01-15&hour=10&key=secret",
		v2.URL(testKey))

	v1 := NewFetcher(FetcherOptions{BaseURL: "http://localhost:8080/KoDa/"})
	require.Equal(t,
		"http://localhost:8080/KoDa/api/v0.1?company=otraf&date=2024-01-15&feed=TripUpdates",
		v1.URL(testKey))
}

func TestFetchArchive(t *testing.T) {
	message := testutil.MustMarshal(t, nil, []*gtfsrt.FeedEntity{
		testutil.TripUpdate("1", "trip1", 1000, "stop1"),
	})
	server, _ := newTestServer(t, http.StatusOK, message)
	workDir := t.TempDir()
	fetcher := NewFetcher(FetcherOptions{
		BaseURL:      server.URL,
		APIKey:       "secret",
		Decompressor: helperDecompressor(t, "ok"),
	})

	tarPath, err := fetcher.FetchArchive(context.Background(), testKey, workDir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(workDir, "otraf-tripupdates-2024-01-15"))
	require.ErrorIs(t, err, fs.ErrNotExist, "decompressed files were not removed")

	result, err := ExtractArchive(context.Background(), tarPath, ExtractOptions{Key: testKey})
	require.NoError(t, err)
	require.Equal(t, 1, result.NumRows())
	require.Equal(t, "trip1", result.Get(0, "trip_id"))
}

func TestFetchArchiveErrorDocument(t *testing.T) {
	for _, tc := range []struct {
		desc        string
		status      int
		body        string
		wantMessage string
	}{
		{
			desc:        "json error",
			status:      http.StatusOK,
			body:        `{"error": "Data not available for the requested date"}`,
			wantMessage: "Data not available for the requested date",
		},
		{
			desc:        "plain error",
			status:      http.StatusOK,
			body:        `error: invalid key`,
			wantMessage: "error: invalid key",
		},
		{
			desc:   "status only",
			status: http.StatusNotFound,
			body:   `Not found`,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			server, _ := newTestServer(t, tc.status, []byte(tc.body))
			fetcher := NewFetcher(FetcherOptions{
				BaseURL:      server.URL,
				Decompressor: helperDecompressor(t, "ok"),
			})

			_, err := fetcher.FetchArchive(context.Background(), testKey, t.TempDir())

			var upstreamErr *UpstreamError
			require.ErrorAs(t, err, &upstreamErr)
			require.Equal(t, tc.status, upstreamErr.StatusCode)
			require.Equal(t, tc.wantMessage, upstreamErr.Message)
			require.Equal(t, testKey, upstreamErr.Key)
		})
	}
}

func TestFetchArchiveDecompressorFails(t *testing.T) {
	server, _ := newTestServer(t, http.StatusOK, []byte("BZh91AY&SY not really"))
	workDir := t.TempDir()
	fetcher := NewFetcher(FetcherOptions{
		BaseURL:      server.URL,
		Decompressor: helperDecompressor(t, "fail"),
	})

	_, err := fetcher.FetchArchive(context.Background(), testKey, workDir)

	var extractionErr *ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	require.True(t, strings.Contains(extractionErr.Output, "Can not open the file as archive"), "output: %q", extractionErr.Output)
	_, statErr := os.Stat(filepath.Join(workDir, "otraf-tripupdates-2024-01-15"))
	require.True(t, errors.Is(statErr, fs.ErrNotExist), "decompressed files were not removed")
}

func TestFetchArchiveRepackageFails(t *testing.T) {
	message := testutil.MustMarshal(t, nil, []*gtfsrt.FeedEntity{
		testutil.TripUpdate("1", "trip1", 1000, "stop1"),
	})
	server, _ := newTestServer(t, http.StatusOK, message)
	workDir := t.TempDir()
	// A directory in place of the tar archive makes repackaging fail.
	blocker := filepath.Join(workDir, "otraf-tripupdates-2024-01-15.tar")
	require.NoError(t, os.MkdirAll(blocker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "keep"), nil, 0o644))
	fetcher := NewFetcher(FetcherOptions{
		BaseURL:      server.URL,
		Decompressor: helperDecompressor(t, "ok"),
	})

	_, err := fetcher.FetchArchive(context.Background(), testKey, workDir)

	var extractionErr *ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	require.ErrorContains(t, err, "failed to repackage archive")
	_, statErr := os.Stat(filepath.Join(workDir, "otraf-tripupdates-2024-01-15"))
	require.True(t, errors.Is(statErr, fs.ErrNotExist), "decompressed files were not removed")
}

func TestReadErrorDocument(t *testing.T) {
	prefix := []byte(`{"error": `)

	got := readErrorDocument(append([]byte(nil), prefix...), strings.NewReader(`"quota"}`))
	require.Equal(t, `{"error": "quota"}`, string(got))

	got = readErrorDocument(append([]byte(nil), prefix...), iotest.ErrReader(errors.New("connection reset")))
	require.Equal(t, string(prefix), string(got))
}

func TestFetchArchiveWaitsBeforeRemovingDecompressedFiles(t *testing.T) {
	message := testutil.MustMarshal(t, nil, []*gtfsrt.FeedEntity{
		testutil.TripUpdate("1", "trip1", 1000, "stop1"),
	})
	server, _ := newTestServer(t, http.StatusOK, message)
	workDir := t.TempDir()
	clock := clockwork.NewFakeClock()
	fetcher := NewFetcher(FetcherOptions{
		BaseURL:      server.URL,
		Decompressor: helperDecompressor(t, "ok"),
		ReleaseDelay: DefaultReleaseDelay,
		Clock:        clock,
	})

	done := make(chan error, 1)
	go func() {
		_, err := fetcher.FetchArchive(context.Background(), testKey, workDir)
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	decompressed := filepath.Join(workDir, "otraf-tripupdates-2024-01-15")
	_, err := os.Stat(decompressed)
	require.NoError(t, err, "decompressed files removed before the release delay")

	clock.Advance(DefaultReleaseDelay)
	require.NoError(t, <-done)
	_, err = os.Stat(decompressed)
	require.ErrorIs(t, err, fs.ErrNotExist)
}
