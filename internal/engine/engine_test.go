package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gyeh/cpt-compare/internal/compare"
	"github.com/gyeh/cpt-compare/internal/rates"
	"github.com/gyeh/cpt-compare/internal/scratch"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dirs, err := scratch.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(dirs, nil)
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mrfDoc(items ...string) string {
	return `{"reporting_entity_name":"Test Plan","in_network":[` + strings.Join(items, ",") + `]}`
}

func cptItem(code, desc string, rate float64, class string) string {
	return `{"billing_code_type":"CPT","billing_code":"` + code + `","description":"` + desc +
		`","negotiated_rates":[{"negotiated_prices":[{"negotiated_rate":` +
		strconv.FormatFloat(rate, 'f', -1, 64) + `,"billing_class":"` + class + `"}]}]}`
}

func TestLoadSourceFromPath_JSON(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := writeDoc(t, dir, "plan.json", mrfDoc(
		cptItem("99213", "Office visit", 150, "professional"),
		cptItem("99214", "Established visit", 200, "professional"),
		cptItem("99213", "Office visit", 100, "institutional"),
	))

	report, err := eng.LoadSourceFromPath(path, "plan_a", FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if report.CodeCount != 2 {
		t.Errorf("expected 2 codes, got %d", report.CodeCount)
	}
	if report.RateCount != 3 {
		t.Errorf("expected 3 rates, got %d", report.RateCount)
	}
	if report.ItemsScanned != 3 {
		t.Errorf("expected 3 items scanned, got %d", report.ItemsScanned)
	}
	if len(report.Preview) != 2 || report.Preview[0].Code != "99213" {
		t.Fatalf("unexpected preview: %+v", report.Preview)
	}
	if report.Preview[0].MaxRate != 150 || report.Preview[0].RateCount != 2 {
		t.Errorf("unexpected preview entry: %+v", report.Preview[0])
	}

	infos := eng.ListSources()
	if len(infos) != 1 || infos[0].Name != "plan_a" {
		t.Errorf("unexpected source listing: %+v", infos)
	}
}

func TestLoadSourceFromPath_IndexDocumentNotIngested(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := writeDoc(t, dir, "index.json", `{
  "reporting_entity_name": "Test Plan",
  "reporting_structure": [
    {"in_network_files": [{"location": "https://example.com/a.json.gz", "description": "file a"}]}
  ]
}`)

	report, err := eng.LoadSourceFromPath(path, "idx", FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.IndexURLs) != 1 || report.IndexURLs[0].Location != "https://example.com/a.json.gz" {
		t.Fatalf("unexpected index urls: %+v", report.IndexURLs)
	}
	if len(eng.ListSources()) != 0 {
		t.Error("index document must not be ingested as a source")
	}
}

func TestLoadSourceFromPath_CSV(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := writeDoc(t, dir, "fees.csv", "cpt,description,rate\n99213,Office visit,125.50\n")

	report, err := eng.LoadSourceFromPath(path, "fees", DetectFormat(path))
	if err != nil {
		t.Fatal(err)
	}
	if report.CodeCount != 1 || report.Preview[0].MaxRate != 125.50 {
		t.Errorf("unexpected CSV load: %+v", report)
	}
}

func TestLoadSourceFromParts(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	// One document split mid-stream into two byte-exact parts.
	doc := mrfDoc(
		cptItem("99213", "Office visit", 150, "professional"),
		cptItem("99214", "Established visit", 200, "professional"),
	)
	cut := len(doc) / 2
	p1 := writeDoc(t, dir, "part1", doc[:cut])
	p2 := writeDoc(t, dir, "part2", doc[cut:])

	report, err := eng.LoadSourceFromParts([]string{p1, p2}, "plan_a")
	if err != nil {
		t.Fatal(err)
	}
	if report.CodeCount != 2 {
		t.Errorf("expected 2 codes from concatenated parts, got %d", report.CodeCount)
	}
}

func TestCompare_EndToEnd(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	a := writeDoc(t, dir, "a.json", mrfDoc(cptItem("99213", "Office visit", 150, "professional")))
	b := writeDoc(t, dir, "b.json", mrfDoc(cptItem("99213", "Office visit", 120, "professional")))

	if _, err := eng.LoadSourceFromPath(a, "plan_a", FormatJSON); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.LoadSourceFromPath(b, "plan_b", FormatJSON); err != nil {
		t.Fatal(err)
	}

	report, err := eng.Compare("plan_a", "plan_b", compare.Options{Rule: rates.RuleMax})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.HigherInSource1) != 1 || report.HigherInSource1[0].Difference != 30 {
		t.Fatalf("unexpected report: %+v", report)
	}

	csvPath := filepath.Join(dir, "out.csv")
	if err := eng.ExportComparisonCSV(csvPath, report); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "higher_in_source1,99213") {
		t.Errorf("CSV missing comparison row: %s", data)
	}

	if _, err := eng.Compare("plan_a", "missing", compare.Options{}); !errors.Is(err, compare.ErrMissingSource) {
		t.Errorf("expected ErrMissingSource, got %v", err)
	}
}

func TestSessionFlow(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	baseline := writeDoc(t, dir, "baseline.json", mrfDoc(
		cptItem("99213", "Office visit", 100, "professional"),
		cptItem("70450", "CT head", 500, "institutional"),
	))
	part1 := writeDoc(t, dir, "part1.json", mrfDoc(cptItem("99213", "Office visit", 90, "professional")))
	part2 := writeDoc(t, dir, "part2.json", mrfDoc(cptItem("99213", "Office visit", 110, "professional")))

	if _, err := eng.LoadSourceFromPath(baseline, "baseline", FormatJSON); err != nil {
		t.Fatal(err)
	}

	id, err := eng.SessionBeginOrResume("", "Plan A (parts)", "baseline")
	if err != nil {
		t.Fatal(err)
	}

	params := compare.Params{Rule: rates.RuleMax}
	snap, err := eng.SessionProcessPart(id, part1, params)
	if err != nil {
		t.Fatal(err)
	}
	if snap.HigherInSource2Count != 1 || snap.TotalHigherInSource2Amount != 10 {
		t.Fatalf("unexpected snapshot after part 1: %+v", snap)
	}

	snap, err = eng.SessionProcessPart(id, part2, params)
	if err != nil {
		t.Fatal(err)
	}
	if snap.HigherInSource1Count != 1 || snap.HigherInSource2Count != 0 {
		t.Fatalf("expected bucket transition after part 2: %+v", snap)
	}

	status, err := eng.SessionStatus(id)
	if err != nil {
		t.Fatal(err)
	}
	if status.PartsProcessed != 2 || status.LastPart != "part2.json" {
		t.Errorf("unexpected status: %+v", status)
	}

	// Finalize verifies the streamed totals against a full batch run.
	report, err := eng.SessionFinalize(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.HigherInSource1) != snap.HigherInSource1Count {
		t.Errorf("finalize disagrees with incremental: %d vs %d",
			len(report.HigherInSource1), snap.HigherInSource1Count)
	}
	if report.TotalHigherInSource1Amount != snap.TotalHigherInSource1Amount {
		t.Errorf("finalize amount %f disagrees with incremental %f",
			report.TotalHigherInSource1Amount, snap.TotalHigherInSource1Amount)
	}
	if len(report.OnlyInSource2) != 1 || report.OnlyInSource2[0].Code != "70450" {
		t.Errorf("unexpected only_in_source2: %+v", report.OnlyInSource2)
	}

	// The snapshot survives closing the in-memory session.
	if !eng.SessionClose(id) {
		t.Error("expected close to report true")
	}
	persisted, err := eng.SessionStatus(id)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.PartsProcessed != 2 {
		t.Errorf("expected persisted snapshot after close, got %+v", persisted)
	}
}

func TestSessionFinalize_UsesPinnedAsOf(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	// All rates expired long before today; the session pins an earlier as_of.
	expiring := func(rate float64) string {
		return `{"billing_code_type":"CPT","billing_code":"99213","description":"Office visit",` +
			`"negotiated_rates":[{"negotiated_prices":[{"negotiated_rate":` +
			strconv.FormatFloat(rate, 'f', -1, 64) +
			`,"billing_class":"professional","expiration_date":"2025-06-01"}]}]}`
	}
	baseline := writeDoc(t, dir, "baseline.json", mrfDoc(expiring(100)))
	part := writeDoc(t, dir, "part1.json", mrfDoc(expiring(90)))

	if _, err := eng.LoadSourceFromPath(baseline, "baseline", FormatJSON); err != nil {
		t.Fatal(err)
	}
	id, err := eng.SessionBeginOrResume("", "", "baseline")
	if err != nil {
		t.Fatal(err)
	}

	snap, err := eng.SessionProcessPart(id, part, compare.Params{
		Rule:           rates.RuleMax,
		ExcludeExpired: true,
		AsOf:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if snap.HigherInSource2Count != 1 || snap.TotalHigherInSource2Amount != 10 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.AsOf != "2025-01-01" {
		t.Errorf("expected pinned as_of in snapshot, got %q", snap.AsOf)
	}

	// The verification run evaluates expirations at the pinned date, not at
	// finalize time, so it must see the same rates the session compared.
	report, err := eng.SessionFinalize(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.HigherInSource2) != 1 || report.TotalHigherInSource2Amount != 10 {
		t.Errorf("finalize dropped rates the session compared: %+v", report)
	}
	if len(report.Equal) != 0 {
		t.Errorf("expected no equal rows, got %+v", report.Equal)
	}
}

func TestSessionProcessPart_FailedPartPersistsNothing(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	baseline := writeDoc(t, dir, "baseline.json", mrfDoc(cptItem("99213", "Office visit", 100, "professional")))
	bad := writeDoc(t, dir, "bad.json", `{"in_network":[{"billing_code_type":"CPT",`)

	if _, err := eng.LoadSourceFromPath(baseline, "baseline", FormatJSON); err != nil {
		t.Fatal(err)
	}
	id, err := eng.SessionBeginOrResume("", "", "baseline")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.SessionProcessPart(id, bad, compare.Params{Rule: rates.RuleMax}); err == nil {
		t.Fatal("expected malformed part to fail")
	}

	// No snapshot was written, so a status query for a closed session fails.
	eng.SessionClose(id)
	if _, err := eng.SessionStatus(id); !errors.Is(err, compare.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionBeginOrResume_MissingBaseline(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.SessionBeginOrResume("", "", "nope"); !errors.Is(err, compare.ErrMissingSource) {
		t.Errorf("expected ErrMissingSource, got %v", err)
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"plan.json":    FormatJSON,
		"plan.json.gz": FormatJSONGz,
		"fees.CSV":     FormatCSV,
		"fees.xlsx":    FormatExcel,
		"mystery.dat":  FormatJSON,
	}
	for path, want := range cases {
		if got := DetectFormat(path); got != want {
			t.Errorf("DetectFormat(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestGC_RemovesOnlyStaleScratch(t *testing.T) {
	eng := newTestEngine(t)
	dirs := eng.Scratch()

	stale := filepath.Join(dirs.Uploads, "old_upload")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(dirs.Uploads, "fresh_upload")
	if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	snapshot := filepath.Join(dirs.Sessions, "sess.json")
	if err := os.WriteFile(snapshot, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(snapshot, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := eng.GC(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh upload should survive gc")
	}
	if _, err := os.Stat(snapshot); err != nil {
		t.Error("session snapshots must be exempt from gc")
	}
}
