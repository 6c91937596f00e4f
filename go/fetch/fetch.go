// Package fetch streams remote parquet files to the scratch directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"go.discomap.org/ingest/go/alog"
)

const (
	// DefaultTimeout bounds one complete request, connect through body.
	DefaultTimeout = 300 * time.Second

	// DefaultUserAgent is sent with every request.
	DefaultUserAgent = "DiscoMap/1.0"

	// Bodies are streamed to disk in chunks of this size so large files
	// never need to be buffered in heap.
	chunkSize = 16 * 1024
)

// Error is the failure of a single fetch: transport error, non-2xx
// status, timeout, or a body shorter than the advertised length.
type Error struct {
	URL        string
	StatusCode int // 0 when the failure happened before a response.
	Err        error
}

// Error implements error.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher downloads remote files into a scratch directory. It follows
// redirects and never retries; retry policy belongs to the batch runner.
type Fetcher struct {
	client     *http.Client
	scratchDir string
	userAgent  string
}

// New returns a Fetcher writing into scratchDir, creating it if needed.
func New(scratchDir string, timeout time.Duration, userAgent string) (*Fetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating scratch dir %q", scratchDir)
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		scratchDir: scratchDir,
		userAgent:  userAgent,
	}, nil
}

// Filename derives the local artifact name for a URL: the last path
// segment, with ".parquet" appended if absent.
func Filename(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(name)
	if !strings.HasSuffix(name, ".parquet") {
		name += ".parquet"
	}
	return name
}

// Fetch streams the body of rawURL to a file in the scratch directory
// and returns its path and byte count. On any failure after the
// destination was created the partial artifact is removed before the
// error is surfaced. The caller owns deletion of the returned file.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, &Error{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, &Error{URL: rawURL, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &Error{URL: rawURL, StatusCode: resp.StatusCode, Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "parquet") && !strings.Contains(ct, "octet-stream") {
		alog.Warningf("Unexpected Content-Type %q for %s", ct, rawURL)
	}

	dest := filepath.Join(f.scratchDir, Filename(rawURL))
	out, err := os.Create(dest)
	if err != nil {
		return "", 0, &Error{URL: rawURL, Err: errors.Wrap(err, "creating artifact")}
	}

	buf := make([]byte, chunkSize)
	written, err := io.CopyBuffer(out, resp.Body, buf)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && resp.ContentLength > 0 && written < resp.ContentLength {
		err = errors.Errorf("body truncated at %d of %d bytes", written, resp.ContentLength)
	}
	if err != nil {
		if removeErr := os.Remove(dest); removeErr != nil {
			alog.Errorf("Failed to remove partial artifact %s: %s", dest, removeErr)
		}
		return "", 0, &Error{URL: rawURL, Err: err}
	}

	alog.Debugf("Fetched %s (%s) to %s", rawURL, humanize.Bytes(uint64(written)), dest)
	return dest, written, nil
}
