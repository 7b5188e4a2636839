// Package scratch owns the on-disk working area: uploaded parts, the URL
// fetch cache, session snapshots, and split output. Names carry random
// identifiers so concurrent callers never collide; cleanup is best-effort.
package scratch

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Dirs are the scratch subdirectories, created on Open.
type Dirs struct {
	Root     string
	Uploads  string // uploaded source files and parts
	URLCache string // content-addressed fetched payloads
	Sessions string // incremental session snapshots
	Split    string // jsplit shard output
}

// Open creates the scratch layout under root.
func Open(root string) (*Dirs, error) {
	d := &Dirs{
		Root:     root,
		Uploads:  filepath.Join(root, "uploads"),
		URLCache: filepath.Join(root, "url_cache"),
		Sessions: filepath.Join(root, "sessions"),
		Split:    filepath.Join(root, "split"),
	}
	for _, dir := range []string{d.Root, d.Uploads, d.URLCache, d.Sessions, d.Split} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating scratch dir %s: %w", dir, err)
		}
	}
	return d, nil
}

// NewUploadPath reserves a collision-free path for an uploaded file.
func (d *Dirs) NewUploadPath(prefix, ext string) string {
	return filepath.Join(d.Uploads, fmt.Sprintf("%s_%s%s", prefix, randomID(), ext))
}

// NewSplitDir creates a fresh directory for one split run.
func (d *Dirs) NewSplitDir() (string, error) {
	dir := filepath.Join(d.Split, "split_"+randomID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating split dir %s: %w", dir, err)
	}
	return dir, nil
}

// GC removes uploads, cached fetches, and split output older than maxAge.
// Session snapshots are kept; they are the only state a client can resume
// from. Individual removal failures are skipped, not fatal.
func (d *Dirs) GC(maxAge time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-maxAge)
	for _, dir := range []string{d.Uploads, d.URLCache, d.Split} {
		entries, readErr := os.ReadDir(dir)
		if readErr != nil {
			err = readErr
			continue
		}
		for _, e := range entries {
			info, infoErr := e.Info()
			if infoErr != nil || info.ModTime().After(cutoff) {
				continue
			}
			if rmErr := os.RemoveAll(filepath.Join(dir, e.Name())); rmErr == nil {
				removed++
			}
		}
	}
	return removed, err
}

func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
