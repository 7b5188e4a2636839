// Package engine is the facade over the core: it owns the source store, the
// session registry, scratch storage, and fetching, and exposes the operations
// a transport layer (CLI, HTTP) calls.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gyeh/cpt-compare/internal/compare"
	"github.com/gyeh/cpt-compare/internal/fetch"
	"github.com/gyeh/cpt-compare/internal/mrf"
	"github.com/gyeh/cpt-compare/internal/output"
	"github.com/gyeh/cpt-compare/internal/progress"
	"github.com/gyeh/cpt-compare/internal/rates"
	"github.com/gyeh/cpt-compare/internal/scratch"
	"github.com/gyeh/cpt-compare/internal/sheet"
	"github.com/gyeh/cpt-compare/internal/store"
)

// DefaultPreviewLimit caps the per-load preview entries.
const DefaultPreviewLimit = 10000

// Format identifies how a source file should be ingested.
type Format string

const (
	FormatJSON   Format = "json"
	FormatJSONGz Format = "json_gz"
	FormatCSV    Format = "csv"
	FormatExcel  Format = "excel"
)

// DetectFormat infers the format from a path's extension. The empty result
// never occurs; unrecognized extensions fall back to JSON, which the gzip
// sniffer and parser then validate.
func DetectFormat(path string) Format {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".gz"):
		return FormatJSONGz
	case strings.HasSuffix(lower, ".csv"):
		return FormatCSV
	case strings.HasSuffix(lower, ".xlsx"), strings.HasSuffix(lower, ".xls"):
		return FormatExcel
	default:
		return FormatJSON
	}
}

// PreviewEntry is one row of a load preview.
type PreviewEntry struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	RateCount   int     `json:"rate_count"`
	MaxRate     float64 `json:"max_rate"`
}

// LoadReport summarizes one load operation. Exactly one of two shapes comes
// back for JSON input: an ingested source (CodeCount, Preview) or an index
// document's URL references (IndexURLs), which are not ingested.
type LoadReport struct {
	SourceName   string             `json:"source_name"`
	CodeCount    int                `json:"cpt_code_count"`
	RateCount    int                `json:"total_rates"`
	ItemsScanned int64              `json:"items_scanned"`
	Preview      []PreviewEntry     `json:"preview,omitempty"`
	IndexURLs    []mrf.IndexFileRef `json:"index_urls,omitempty"`
	CacheHit     bool               `json:"cache_hit,omitempty"`
}

// Engine wires the core subsystems together.
type Engine struct {
	PreviewLimit int
	Progress     progress.Manager

	store    *store.Store
	sessions *compare.Sessions
	scratch  *scratch.Dirs
	fetcher  *fetch.Fetcher
	log      *zap.Logger

	mu           sync.Mutex
	sessionParts map[string][]string
}

// New builds an engine rooted at the given scratch layout.
func New(dirs *scratch.Dirs, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		PreviewLimit: DefaultPreviewLimit,
		Progress:     progress.NoopManager{},
		store:        store.New(),
		sessions:     compare.NewSessions(),
		scratch:      dirs,
		fetcher:      &fetch.Fetcher{CacheDir: dirs.URLCache},
		log:          log,
		sessionParts: map[string][]string{},
	}
}

// SetS3 enables s3:// fetching.
func (e *Engine) SetS3(client *fetch.S3Client) { e.fetcher.S3 = client }

// Scratch exposes the scratch layout for the surrounding transport layer.
func (e *Engine) Scratch() *scratch.Dirs { return e.scratch }

// LoadSourceFromPath ingests one file as a named source, replacing any
// previous content under that name. A JSON document that turns out to be an
// index is not ingested; its URL references come back in the report instead.
func (e *Engine) LoadSourceFromPath(path, sourceName string, format Format) (*LoadReport, error) {
	switch format {
	case FormatCSV:
		codes, err := sheet.LoadCSV(path)
		if err != nil {
			return nil, err
		}
		return e.install(sourceName, codes, int64(len(codes))), nil
	case FormatExcel:
		codes, err := sheet.LoadExcel(path)
		if err != nil {
			return nil, err
		}
		return e.install(sourceName, codes, int64(len(codes))), nil
	case FormatJSON, FormatJSONGz, "":
		return e.loadJSON(path, sourceName)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func (e *Engine) loadJSON(path, sourceName string) (*LoadReport, error) {
	stream, err := mrf.Open(path)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	codes := map[string]*mrf.CPTEntry{}
	var scanned int64
	result, err := mrf.Scan(stream, mrf.ScanCallbacks{
		OnItemScanned: func() { scanned++ },
	}, mergeInto(codes))
	if err != nil {
		return nil, err
	}

	if !result.SawInNetwork {
		if len(result.IndexURLs) == 0 {
			return nil, fmt.Errorf("%w: document has neither in_network data nor index references", mrf.ErrParse)
		}
		e.log.Info("loaded index document",
			zap.String("path", path), zap.Int("urls", len(result.IndexURLs)))
		return &LoadReport{SourceName: sourceName, IndexURLs: result.IndexURLs}, nil
	}

	e.log.Info("loaded source",
		zap.String("source", sourceName), zap.Int("codes", len(codes)), zap.Int64("items", scanned))
	return e.install(sourceName, codes, scanned), nil
}

// LoadSourceFromParts ingests an ordered part sequence as one byte-exact
// concatenated stream.
func (e *Engine) LoadSourceFromParts(paths []string, sourceName string) (*LoadReport, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no parts provided")
	}
	stream, err := mrf.OpenStream(paths)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	codes := map[string]*mrf.CPTEntry{}
	var scanned int64
	if err := mrf.ExtractInNetwork(stream, mrf.ScanCallbacks{
		OnItemScanned: func() { scanned++ },
	}, mergeInto(codes)); err != nil {
		return nil, err
	}

	e.log.Info("loaded source from parts",
		zap.String("source", sourceName), zap.Int("parts", len(paths)), zap.Int("codes", len(codes)))
	return e.install(sourceName, codes, scanned), nil
}

// LoadSourceViaSplit shards a monolithic JSON file into NDJSON with jsplit
// and ingests the shards. For very large plain files this outruns a single
// decoder pass.
func (e *Engine) LoadSourceViaSplit(path, sourceName string) (*LoadReport, error) {
	dir, err := e.scratch.NewSplitDir()
	if err != nil {
		return nil, err
	}
	split, err := mrf.SplitFile(path, dir)
	if err != nil {
		return nil, err
	}
	if len(split.InNetworkFiles) == 0 {
		return nil, fmt.Errorf("%w: split produced no in_network shards", mrf.ErrParse)
	}

	codes := map[string]*mrf.CPTEntry{}
	var scanned int64
	if err := mrf.ScanInNetworkNDJSON(split.InNetworkFiles, mrf.ScanCallbacks{
		OnItemScanned: func() { scanned++ },
	}, mergeInto(codes)); err != nil {
		return nil, err
	}

	e.log.Info("loaded source via split",
		zap.String("source", sourceName), zap.Int("shards", len(split.InNetworkFiles)), zap.Int("codes", len(codes)))
	return e.install(sourceName, codes, scanned), nil
}

// FetchAndIngestURL downloads a URL through the disk cache and ingests it.
// Expired or access-denied links surface as fetch.ErrExpiredLink.
func (e *Engine) FetchAndIngestURL(ctx context.Context, url, sourceName string) (*LoadReport, error) {
	tracker := e.Progress.NewTracker(0, 1, fetch.FileNameFromURL(url))
	tracker.SetStage("downloading")
	e.fetcher.OnProgress = tracker.SetProgress

	path, cacheHit, err := e.fetcher.Fetch(ctx, url)
	e.fetcher.OnProgress = nil
	tracker.Done()
	if err != nil {
		return nil, err
	}
	e.log.Info("fetched url", zap.String("url", url), zap.Bool("cache_hit", cacheHit))

	report, err := e.loadJSON(path, sourceName)
	if err != nil {
		return nil, err
	}
	report.CacheHit = cacheHit
	return report, nil
}

// ListSources lists loaded sources.
func (e *Engine) ListSources() []store.Info { return e.store.List() }

// DeleteSource drops a source, reporting whether it existed.
func (e *Engine) DeleteSource(name string) bool { return e.store.Delete(name) }

// Compare runs a batch comparison of two loaded sources.
func (e *Engine) Compare(source1, source2 string, opts compare.Options) (*compare.Report, error) {
	return compare.Batch(e.store, source1, source2, opts)
}

// SessionBeginOrResume returns the id of a live session against baseline,
// creating one when needed.
func (e *Engine) SessionBeginOrResume(sessionID, source1Name, baselineName string) (string, error) {
	baseline, ok := e.store.Get(baselineName)
	if !ok {
		return "", fmt.Errorf("%w: %q", compare.ErrMissingSource, baselineName)
	}
	s, err := e.sessions.BeginOrResume(sessionID, source1Name, baseline)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// SessionProcessPart streams one part through a session and persists the
// post-commit snapshot. A failed part persists nothing and leaves the
// session at its previous snapshot.
func (e *Engine) SessionProcessPart(sessionID, partPath string, p compare.Params) (*compare.Snapshot, error) {
	s, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", compare.ErrSessionNotFound, sessionID)
	}

	stream, err := mrf.Open(partPath)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	snap, err := s.ProcessPart(stream, filepath.Base(partPath), p)
	if err != nil {
		e.log.Warn("part aborted, session unchanged",
			zap.String("session", sessionID), zap.String("part", partPath), zap.Error(err))
		return nil, err
	}

	e.mu.Lock()
	e.sessionParts[sessionID] = append(e.sessionParts[sessionID], partPath)
	e.mu.Unlock()

	if err := compare.SaveSnapshot(e.scratch.Sessions, snap); err != nil {
		e.log.Warn("snapshot persist failed", zap.String("session", sessionID), zap.Error(err))
	}
	return snap, nil
}

// SessionStatus returns the session's current snapshot, falling back to the
// persisted one when the in-memory session did not survive a restart.
func (e *Engine) SessionStatus(sessionID string) (*compare.Snapshot, error) {
	if s, ok := e.sessions.Get(sessionID); ok {
		return s.Snapshot(), nil
	}
	return compare.LoadSnapshot(e.scratch.Sessions, sessionID)
}

// SessionFinalize re-ingests every processed part into a full source and
// runs a batch comparison against the session's baseline, verifying the
// incremental totals with non-streaming arithmetic.
func (e *Engine) SessionFinalize(sessionID string) (*compare.Report, error) {
	s, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", compare.ErrSessionNotFound, sessionID)
	}
	baseline, ok := e.store.Get(s.BaselineName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", compare.ErrMissingSource, s.BaselineName)
	}

	e.mu.Lock()
	parts := append([]string(nil), e.sessionParts[sessionID]...)
	e.mu.Unlock()
	if len(parts) == 0 {
		return nil, fmt.Errorf("session %s has no processed parts", sessionID)
	}

	// Each part is a standalone document; ingest them one by one into a
	// merged source.
	codes := map[string]*mrf.CPTEntry{}
	for _, part := range parts {
		stream, err := mrf.Open(part)
		if err != nil {
			return nil, err
		}
		err = mrf.ExtractInNetwork(stream, mrf.ScanCallbacks{}, mergeInto(codes))
		stream.Close()
		if err != nil {
			return nil, err
		}
	}

	// The batch run evaluates expirations at the session's pinned as_of, not
	// at finalize time.
	p := s.Params()
	source1 := &store.Source{Name: s.Source1Name, Codes: codes}
	return compare.BatchSources(source1, baseline, compare.Options{
		Rule:           p.Rule,
		NegotiatedType: p.NegotiatedType,
		ExcludeExpired: p.ExcludeExpired,
		AsOf:           p.AsOf,
	})
}

// SessionClose releases a session's in-memory state; its snapshot remains.
func (e *Engine) SessionClose(sessionID string) bool {
	e.mu.Lock()
	delete(e.sessionParts, sessionID)
	e.mu.Unlock()
	return e.sessions.Close(sessionID)
}

// ExportComparisonCSV flattens a batch report to CSV on disk.
func (e *Engine) ExportComparisonCSV(path string, report *compare.Report) error {
	return output.WriteComparisonCSV(path, report)
}

// GC removes scratch files older than maxAge. Session snapshots are exempt.
func (e *Engine) GC(maxAge time.Duration) (int, error) {
	removed, err := e.scratch.GC(maxAge)
	if removed > 0 {
		e.log.Info("scratch gc", zap.Int("removed", removed))
	}
	return removed, err
}

// install publishes codes as sourceName and builds the load report.
func (e *Engine) install(sourceName string, codes map[string]*mrf.CPTEntry, scanned int64) *LoadReport {
	e.store.Replace(sourceName, codes)

	report := &LoadReport{
		SourceName:   sourceName,
		CodeCount:    len(codes),
		ItemsScanned: scanned,
	}
	sorted := make([]string, 0, len(codes))
	for code := range codes {
		sorted = append(sorted, code)
	}
	sort.Strings(sorted)

	for _, code := range sorted {
		entry := codes[code]
		report.RateCount += len(entry.Rates)
		if len(report.Preview) < e.PreviewLimit {
			maxRate, _, _ := rates.MaxWithClass(entry.Rates)
			report.Preview = append(report.Preview, PreviewEntry{
				Code:        code,
				Description: entry.Description,
				RateCount:   len(entry.Rates),
				MaxRate:     maxRate,
			})
		}
	}
	return report
}

// mergeInto folds extracted items into a code map with append-and-upgrade
// merge semantics.
func mergeInto(codes map[string]*mrf.CPTEntry) func(mrf.Item) error {
	return func(item mrf.Item) error {
		if entry, ok := codes[item.Code]; ok {
			entry.Merge(item.Description, item.Prices)
		} else {
			codes[item.Code] = &mrf.CPTEntry{Description: item.Description, Rates: item.Prices}
		}
		return nil
	}
}
