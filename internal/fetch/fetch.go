// Package fetch downloads MRF documents over HTTP or S3 into a
// content-addressed disk cache, so repeated ingests of the same URL never
// re-download multi-gigabyte files.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrExpiredLink marks a fetch rejected with an access-denied response whose
// body carries an expiration signature. Signed MRF URLs routinely expire;
// this is a user-visible condition, not a transient failure.
var ErrExpiredLink = errors.New("link expired or access denied")

var httpClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	},
	Timeout: 3 * time.Hour, // large files at slow CDN speeds can take over an hour
}

// Fetcher resolves URLs to local cached files.
type Fetcher struct {
	CacheDir string
	// S3 handles s3:// URLs; nil means they are rejected.
	S3 *S3Client
	// OnProgress receives (downloaded, total) byte counts; total is -1 when
	// the server sent no Content-Length.
	OnProgress func(downloaded, total int64)
}

// CachePath is where a URL's payload lands: a SHA-256 prefix of the URL plus
// the URL's basename for readability.
func (f *Fetcher) CachePath(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:])[:16] + "_" + FileNameFromURL(url)
	return filepath.Join(f.CacheDir, name)
}

// Fetch returns a local path holding the URL's payload, downloading on cache
// miss. The payload is stored as received; gzipped content is not expanded
// here, the stream reader sniffs it at ingest time.
func (f *Fetcher) Fetch(ctx context.Context, url string) (path string, cacheHit bool, err error) {
	dest := f.CachePath(url)
	if _, statErr := os.Stat(dest); statErr == nil {
		return dest, true, nil
	}

	tmp, err := os.CreateTemp(f.CacheDir, "fetch-*.part")
	if err != nil {
		return "", false, fmt.Errorf("creating cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if strings.HasPrefix(url, "s3://") {
		if f.S3 == nil {
			tmp.Close()
			return "", false, fmt.Errorf("no S3 client configured for %s", url)
		}
		if _, err := f.S3.Download(ctx, url, tmp); err != nil {
			tmp.Close()
			return "", false, err
		}
	} else if err := f.downloadHTTP(ctx, url, tmp); err != nil {
		tmp.Close()
		return "", false, err
	}

	if err := tmp.Close(); err != nil {
		return "", false, fmt.Errorf("closing cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", false, fmt.Errorf("publishing cache file: %w", err)
	}
	return dest, false, nil
}

// downloadHTTP performs a GET with exponential-backoff retries, streaming the
// body into w. Client errors are not retried; an access-denied response with
// an expiration signature surfaces as ErrExpiredLink.
func (f *Fetcher) downloadHTTP(ctx context.Context, url string, w io.Writer) error {
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, reqErr := http.NewRequestWithContext(ctx, "GET", url, nil)
		if reqErr != nil {
			return fmt.Errorf("creating request: %w", reqErr)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			if strings.Contains(string(body), "AccessDenied") || strings.Contains(string(body), "Expired") {
				return fmt.Errorf("%w: %s", ErrExpiredLink, url)
			}
			return fmt.Errorf("HTTP 403 fetching %s", url)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return lastErr // don't retry client errors
			}
			continue
		}

		err = f.copyBody(resp, w)
		resp.Body.Close()
		return err
	}

	return fmt.Errorf("download failed after retries: %w", lastErr)
}

func (f *Fetcher) copyBody(resp *http.Response, w io.Writer) error {
	total := resp.ContentLength

	var reader io.Reader = resp.Body
	if f.OnProgress != nil {
		reader = &progressReader{reader: resp.Body, total: total, callback: f.OnProgress}
	}
	countReader := &countingReader{reader: reader}

	if _, err := io.Copy(w, countReader); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	// Verify the full payload was received
	if total > 0 && countReader.n != total {
		return fmt.Errorf("download truncated: got %d of %d bytes", countReader.n, total)
	}
	return nil
}

// FileNameFromURL extracts a human-readable filename from a URL, ignoring
// query parameters.
func FileNameFromURL(url string) string {
	path := url
	for i, c := range url {
		if c == '?' {
			path = url[:i]
			break
		}
	}
	return filepath.Base(path)
}

type countingReader struct {
	reader io.Reader
	n      int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	cr.n += int64(n)
	return n, err
}

type progressReader struct {
	reader     io.Reader
	downloaded int64
	total      int64
	callback   func(downloaded, total int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		pr.callback(pr.downloaded, pr.total)
	}
	return n, err
}
