package compare

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gyeh/cpt-compare/internal/mrf"
	"github.com/gyeh/cpt-compare/internal/rates"
	"github.com/gyeh/cpt-compare/internal/store"
)

// Limits bound the sample maps of an incremental session. Counts and sums are
// always exact; only the retained sample rows are capped.
type Limits struct {
	Samples       int // per bucket
	OnlyInSource1 int
	OnlyInSource2 int
}

func DefaultLimits() Limits {
	return Limits{Samples: 2000, OnlyInSource1: 100, OnlyInSource2: 50}
}

// Params are the comparison parameters of a session, fixed by its first
// committed part.
type Params struct {
	Rule           rates.Rule
	NegotiatedType string
	ExcludeExpired bool
	AsOf           time.Time // zero means today, pinned at the first part
}

func (p Params) normalized() Params {
	if p.Rule == "" {
		p.Rule = rates.RuleMax
	}
	p.NegotiatedType = strings.ToLower(strings.TrimSpace(p.NegotiatedType))
	if p.AsOf.IsZero() {
		p.AsOf = time.Now()
	}
	return p
}

// matches ignores AsOf: the first part pins it and later parts inherit it.
func (p Params) matches(q Params) bool {
	return p.Rule == q.Rule &&
		p.NegotiatedType == q.NegotiatedType &&
		p.ExcludeExpired == q.ExcludeExpired
}

// Counts are the running totals of a session. They satisfy, after every
// committed part: TotalSource1 = |seen|, TotalCompared = |matched keys|,
// bucket counts partition the matched keys, and the amount sums equal the
// positive diff sums over their buckets.
type Counts struct {
	TotalSource1               int
	TotalCompared              int
	OnlyInSource1              int
	HigherInSource1            int
	HigherInSource2            int
	Equal                      int
	TotalHigherInSource1Amount float64
	TotalHigherInSource2Amount float64
}

// codeSummary is the per-code streaming state plus the best description seen.
type codeSummary struct {
	description string
	sum         rates.Summary
}

func (c *codeSummary) clone() *codeSummary {
	return &codeSummary{description: c.description, sum: c.sum.Clone()}
}

func (c *codeSummary) upgradeDescription(d string) {
	if missingDescription(c.description) && !missingDescription(d) {
		c.description = d
	}
}

func missingDescription(d string) bool {
	return d == "" || d == mrf.NoDescription
}

// Session is one incremental comparison: a part-streamed Source 1 against a
// fixed, fully loaded baseline. A part either commits in full or leaves the
// session untouched; partial parts never leak state.
//
// Callers must not process parts of the same session concurrently; the
// session mutex serializes them rather than interleaving their items.
type Session struct {
	ID           string
	Source1Name  string
	BaselineName string
	Limits       Limits

	mu        sync.Mutex
	baseline  map[string]*mrf.CPTEntry // keys trimmed
	params    Params
	paramsSet bool
	filter    rates.FilterOptions

	seen      map[string]struct{}
	matched   map[string]struct{}
	matchedCC map[string]struct{} // "code|class" pairs, all_classes only
	onlyInS1  map[string]struct{}

	// Baseline reductions are derived data, computed lazily once per code.
	baseScalar  map[string]rates.ScalarResult
	baseClasses map[string]map[string]rates.ClassMax

	summaries    map[string]*codeSummary
	bucketOf     map[string]Bucket
	diffOf       map[string]float64
	samples      map[Bucket]*sampleMap
	onlyS1Sample []OnlyItem

	counts         Counts
	partsProcessed int
	lastPart       string
	updatedAt      time.Time
}

// NewSession creates a session against a baseline snapshot. Baseline keys are
// normalized by trimming once, here.
func NewSession(id, source1Name string, baseline *store.Source) *Session {
	keyed := make(map[string]*mrf.CPTEntry, len(baseline.Codes))
	for code, e := range baseline.Codes {
		keyed[strings.TrimSpace(code)] = e
	}
	s := &Session{
		ID:           id,
		Source1Name:  source1Name,
		BaselineName: baseline.Name,
		Limits:       DefaultLimits(),
		baseline:     keyed,
		seen:         map[string]struct{}{},
		matched:      map[string]struct{}{},
		matchedCC:    map[string]struct{}{},
		onlyInS1:     map[string]struct{}{},
		baseScalar:   map[string]rates.ScalarResult{},
		baseClasses:  map[string]map[string]rates.ClassMax{},
		summaries:    map[string]*codeSummary{},
		bucketOf:     map[string]Bucket{},
		diffOf:       map[string]float64{},
		samples:      map[Bucket]*sampleMap{},
	}
	for _, b := range buckets {
		s.samples[b] = newSampleMap()
	}
	if s.Source1Name == "" {
		s.Source1Name = "Source 1 (parts)"
	}
	return s
}

// ProcessPart streams one part through the session. All updates accumulate in
// a staging overlay and commit only on clean end of the part's stream; any
// read or parse error leaves the session exactly as the previous part left
// it. Returns the post-commit snapshot.
func (s *Session) ProcessPart(r io.Reader, partName string, p Params) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p = p.normalized()
	firstPart := !s.paramsSet
	if firstPart {
		if !p.Rule.Streamable() {
			return nil, fmt.Errorf("%w: %q is batch-only", rates.ErrBadRule, p.Rule)
		}
		s.params = p
		s.paramsSet = true
		s.filter = rates.FilterOptions{
			NegotiatedType: p.NegotiatedType,
			ExcludeExpired: p.ExcludeExpired,
			AsOf:           p.AsOf,
		}.Normalize()
	} else if !s.params.matches(p) {
		return nil, fmt.Errorf("%w: session %s", ErrSessionParamMismatch, s.ID)
	}

	stage := s.newStage()
	err := mrf.ExtractInNetwork(r, mrf.ScanCallbacks{}, func(item mrf.Item) error {
		stage.processItem(item)
		return nil
	})
	if err != nil {
		// Params pin only on a committed part. An aborted first part also
		// invalidates the baseline reductions cached under its filter.
		if firstPart {
			s.params = Params{}
			s.paramsSet = false
			s.filter = rates.FilterOptions{}
			s.baseScalar = map[string]rates.ScalarResult{}
			s.baseClasses = map[string]map[string]rates.ClassMax{}
		}
		return nil, err
	}

	stage.commit()
	s.partsProcessed++
	s.lastPart = partName
	s.updatedAt = time.Now()
	return s.snapshotLocked(), nil
}

// Params returns the session's pinned comparison parameters, zero until the
// first part commits.
func (s *Session) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Snapshot returns the current queryable state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		SessionID:                  s.ID,
		Source1:                    s.Source1Name,
		Source2:                    s.BaselineName,
		CompareRule:                s.params.Rule,
		NegotiatedType:             s.params.NegotiatedType,
		ExcludeExpired:             s.params.ExcludeExpired,
		AsOf:                       formatAsOf(s.params.AsOf),
		HigherInSource1:            s.samples[BucketHigherInSource1].Values(),
		HigherInSource2:            s.samples[BucketHigherInSource2].Values(),
		Equal:                      s.samples[BucketEqual].Values(),
		OnlyInSource1Sample:        append([]OnlyItem{}, s.onlyS1Sample...),
		OnlyInSource1Count:         s.counts.OnlyInSource1,
		OnlyInSource2Count:         len(s.baseline) - len(s.matched),
		TotalCompared:              s.counts.TotalCompared,
		TotalSource1Count:          s.counts.TotalSource1,
		TotalSource2:               len(s.baseline),
		HigherInSource1Count:       s.counts.HigherInSource1,
		HigherInSource2Count:       s.counts.HigherInSource2,
		EqualCount:                 s.counts.Equal,
		TotalHigherInSource1Amount: s.counts.TotalHigherInSource1Amount,
		TotalHigherInSource2Amount: s.counts.TotalHigherInSource2Amount,
		PartsProcessed:             s.partsProcessed,
		LastPart:                   s.lastPart,
		UpdatedAt:                  s.updatedAt.Unix(),
		Incremental:                true,
	}
	snap.OnlyInSource2Sample = s.onlyInSource2Sample()
	return snap
}

// onlyInSource2Sample walks unmatched baseline codes in sorted order, up to
// the cap. The sample rate is the scalar reduction under the session rule,
// falling back to max for the multi-valued rules.
func (s *Session) onlyInSource2Sample() []OnlyItem {
	rule := s.params.Rule
	if !rule.Scalar() {
		rule = rates.RuleMax
	}

	codes := make([]string, 0, len(s.baseline))
	for code := range s.baseline {
		if _, ok := s.matched[code]; !ok {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	sample := []OnlyItem{}
	for _, code := range codes {
		if len(sample) >= s.Limits.OnlyInSource2 {
			break
		}
		e := s.baseline[code]
		res, _ := rates.Reduce(rates.Filter(e.Rates, s.filter), rule)
		sample = append(sample, OnlyItem{Code: code, Description: e.Description, Rate: res.Value})
	}
	return sample
}

// baselineScalarFor lazily reduces a baseline code under rule.
func (s *Session) baselineScalarFor(code string, rule rates.Rule) rates.ScalarResult {
	if res, ok := s.baseScalar[code]; ok {
		return res
	}
	e := s.baseline[code]
	res, _ := rates.Reduce(rates.Filter(e.Rates, s.filter), rule)
	s.baseScalar[code] = res
	return res
}

// baselineClassesFor lazily computes the baseline per-class max, under the
// same filter as Source 1 so both sides of a class pair are reduced alike.
func (s *Session) baselineClassesFor(code string) map[string]rates.ClassMax {
	if classes, ok := s.baseClasses[code]; ok {
		return classes
	}
	e := s.baseline[code]
	classes, _ := rates.MaxByClass(rates.Filter(e.Rates, s.filter))
	s.baseClasses[code] = classes
	return classes
}

func formatAsOf(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
