package koda

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jamespfennell/koda/internal/observability"
	"github.com/jonboulle/clockwork"
)

// DefaultBaseURL is the root of the KoDa API.
const DefaultBaseURL = "https://koda.linkoping-ri.se/KoDa"

// DefaultDecompressor is the command used to unpack downloaded archives. {input} and
// {output} are replaced by the downloaded file and the directory to extract into.
var DefaultDecompressor = []string{"7z", "e", "-o{output}", "{input}"}

// DefaultReleaseDelay is how long to wait before deleting the decompressed files, so
// that the decompression utility has released them.
const DefaultReleaseDelay = 500 * time.Millisecond

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// Root of the API. If empty, DefaultBaseURL is used.
	BaseURL string

	// API key. If empty, the legacy keyless API is used.
	APIKey string

	// HTTP client to use. If nil, a client with no timeout is used.
	Client *http.Client

	// Decompression command template. If empty, DefaultDecompressor is used.
	Decompressor []string

	// Delay before deleting decompressed files. If zero, no delay is applied.
	ReleaseDelay time.Duration

	// Clock used for the release delay. If nil, the real clock is used.
	Clock clockwork.Clock

	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Fetcher downloads the archive of a cache unit and converts it to a tar archive.
type Fetcher struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	decompressor []string
	releaseDelay time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	f := &Fetcher{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		client:       opts.Client,
		decompressor: opts.Decompressor,
		releaseDelay: opts.ReleaseDelay,
		clock:        opts.Clock,
		logger:       opts.Logger,
	}
	if f.baseURL == "" {
		f.baseURL = DefaultBaseURL
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if len(f.decompressor) == 0 {
		f.decompressor = DefaultDecompressor
	}
	if f.clock == nil {
		f.clock = clockwork.NewRealClock()
	}
	if f.logger == nil {
		f.logger = observability.DiscardLogger()
	}
	return f
}

// URL returns the API URL of the archive for the key.
func (f *Fetcher) URL(key CacheKey) string {
	if f.apiKey == "" {
		params := url.Values{
			"company": {key.Operator},
			"feed":    {string(key.Feed)},
			"date":    {key.DateString()},
		}
		return fmt.Sprintf("%s/api/v0.1?%s", f.baseURL, params.Encode())
	}
	params := url.Values{
		"date": {key.DateString()},
		"hour": {strconv.Itoa(key.Hour)},
		"key":  {f.apiKey},
	}
	return fmt.Sprintf("%s/api/v2/gtfs-rt/%s/%s?%s", f.baseURL, url.PathEscape(key.Operator), url.PathEscape(string(key.Feed)), params.Encode())
}

// FetchArchive downloads the archive for the key into workDir and returns the path of a
// tar archive containing its files.
func (f *Fetcher) FetchArchive(ctx context.Context, key CacheKey, workDir string) (string, error) {
	base := strings.ToLower(fmt.Sprintf("%s-%s-%s", key.Operator, key.Feed, key.DateString()))
	downloadPath := filepath.Join(workDir, base+".bz2")
	statusCode, err := f.download(ctx, key, downloadPath)
	if err != nil {
		return "", err
	}
	if err := checkErrorDocument(key, downloadPath, statusCode); err != nil {
		return "", err
	}
	decompressedPath := filepath.Join(workDir, base)
	tarPath := filepath.Join(workDir, base+".tar")
	if err := f.convert(ctx, key, downloadPath, decompressedPath, tarPath); err != nil {
		return "", err
	}
	return tarPath, nil
}

func (f *Fetcher) download(ctx context.Context, key CacheKey, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(key), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	f.logger.Debug("downloading archive", "operator", key.Operator, "feed", key.Feed, "date", key.DateString(), "hour", key.Hour)
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to download archive: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("%s: failed to download archive: %w", key, err)
	}
	f.logger.Debug("downloaded archive", "path", path, "bytes", n, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

// checkErrorDocument returns an *UpstreamError if the downloaded file is an error
// document rather than an archive.
func checkErrorDocument(key CacheKey, path string, statusCode int) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()
	start := make([]byte, 10)
	n, err := io.ReadFull(file, start)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	start = start[:n]
	if !bytes.Contains(start, []byte("error")) {
		if statusCode < 200 || statusCode > 299 {
			return &UpstreamError{Key: key, StatusCode: statusCode}
		}
		return nil
	}
	return &UpstreamError{Key: key, StatusCode: statusCode, Message: errorMessage(readErrorDocument(start, file))}
}

// readErrorDocument returns the prefix followed by at most 1KiB more of the document. If
// the rest cannot be read, only the prefix is returned.
func readErrorDocument(prefix []byte, r io.Reader) []byte {
	rest, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return prefix
	}
	return append(prefix, rest...)
}

func errorMessage(doc []byte) string {
	var parsed struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(doc, &parsed); err == nil && parsed.Error != nil {
		msg := fmt.Sprint(parsed.Error)
		if parsed.Message != "" {
			msg = msg + ": " + parsed.Message
		}
		return msg
	}
	if len(doc) > 80 {
		doc = doc[:80]
	}
	return string(bytes.Trim(doc, "{}\" \n"))
}

// convert runs the decompression utility on the downloaded archive and packs its output
// into a tar archive. The decompressed files are always removed.
func (f *Fetcher) convert(ctx context.Context, key CacheKey, downloadPath, decompressedPath, tarPath string) (err error) {
	defer func() {
		if cleanupErr := f.removeDecompressed(ctx, decompressedPath); cleanupErr != nil {
			f.logger.Warn("failed to remove decompressed files", "path", decompressedPath, "error", cleanupErr)
		}
	}()
	args := make([]string, len(f.decompressor))
	for i, arg := range f.decompressor {
		arg = strings.ReplaceAll(arg, "{input}", downloadPath)
		args[i] = strings.ReplaceAll(arg, "{output}", decompressedPath)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ExtractionError{Key: key, Archive: downloadPath, Output: string(output), Err: fmt.Errorf("%s failed: %w", args[0], err)}
	}
	if err := writeTar(decompressedPath, tarPath); err != nil {
		_ = os.Remove(tarPath)
		return &ExtractionError{Key: key, Archive: downloadPath, Err: fmt.Errorf("failed to repackage archive: %w", err)}
	}
	return nil
}

func (f *Fetcher) removeDecompressed(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if f.releaseDelay > 0 {
		select {
		case <-f.clock.After(f.releaseDelay):
		case <-ctx.Done():
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	f.logger.Debug("removed decompressed files", "path", path)
	return nil
}

// writeTar packs the file or directory at root into a tar archive. Entries are named
// relative to the parent of root.
func writeTar(root, tarPath string) error {
	out, err := os.Create(tarPath)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(out)
	parent := filepath.Dir(root)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if walkErr != nil {
		_ = out.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
