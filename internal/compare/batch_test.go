package compare

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/gyeh/cpt-compare/internal/mrf"
	"github.com/gyeh/cpt-compare/internal/rates"
	"github.com/gyeh/cpt-compare/internal/store"
)

func np(rate float64, class string) mrf.NegotiatedPrice {
	return mrf.NegotiatedPrice{NegotiatedRate: mrf.FlexFloat(rate), BillingClass: class}
}

func entry(desc string, prices ...mrf.NegotiatedPrice) *mrf.CPTEntry {
	return &mrf.CPTEntry{Description: desc, Rates: prices}
}

func src(name string, codes map[string]*mrf.CPTEntry) *store.Source {
	return &store.Source{Name: name, Codes: codes}
}

func checkPartition(t *testing.T, r *Report) {
	t.Helper()
	if got := len(r.HigherInSource1) + len(r.HigherInSource2) + len(r.Equal); got != r.TotalCompared {
		t.Errorf("bucket rows %d do not partition total_compared %d", got, r.TotalCompared)
	}
	for _, it := range r.HigherInSource1 {
		if it.Difference <= 0 {
			t.Errorf("higher_in_source1 row %s has non-positive difference %f", it.Code, it.Difference)
		}
	}
	for _, it := range r.HigherInSource2 {
		if it.Difference >= 0 {
			t.Errorf("higher_in_source2 row %s has non-negative difference %f", it.Code, it.Difference)
		}
	}
	for _, it := range r.Equal {
		if it.Difference != 0 {
			t.Errorf("equal row %s has difference %f", it.Code, it.Difference)
		}
	}
}

func TestBatch_MaxRule(t *testing.T) {
	st := store.New()
	st.Replace("plan_a", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(150, "professional"), np(100, "professional")),
	})
	st.Replace("plan_b", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(120, "professional"), np(90, "institutional")),
	})

	r, err := Batch(st, "plan_a", "plan_b", Options{Rule: rates.RuleMax})
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalCompared != 1 || len(r.HigherInSource1) != 1 {
		t.Fatalf("expected one higher_in_source1 row, got %+v", r)
	}
	it := r.HigherInSource1[0]
	if it.Source1Rate != 150 || it.Source2Rate != 120 {
		t.Errorf("unexpected rates: %+v", it)
	}
	if it.Difference != 30 {
		t.Errorf("expected difference 30, got %f", it.Difference)
	}
	if math.Abs(it.PercentDifference-20) > 1e-9 {
		t.Errorf("expected percent difference 20, got %f", it.PercentDifference)
	}
	if !it.DescriptionsMatch {
		t.Error("expected identical descriptions to match")
	}
	if r.TotalHigherInSource1Amount != 30 {
		t.Errorf("expected amount 30, got %f", r.TotalHigherInSource1Amount)
	}
	checkPartition(t, r)
}

func TestBatch_AvgRule(t *testing.T) {
	st := store.New()
	st.Replace("plan_a", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(100, ""), np(110, ""), np(100, "")),
	})
	st.Replace("plan_b", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(100, "")),
	})

	r, err := Batch(st, "plan_a", "plan_b", Options{Rule: rates.RuleAvg})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.HigherInSource1) != 1 {
		t.Fatalf("expected one higher_in_source1 row, got %+v", r)
	}
	want := (100.0 + 110.0 + 100.0) / 3
	if math.Abs(r.HigherInSource1[0].Source1Rate-want) > 1e-9 {
		t.Errorf("expected avg %f, got %f", want, r.HigherInSource1[0].Source1Rate)
	}
}

func TestBatch_OnlyInBuckets(t *testing.T) {
	st := store.New()
	st.Replace("plan_a", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(150, "")),
		"99215": entry("Office visit, extended", np(250, "")),
	})
	st.Replace("plan_b", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(150, "")),
		"70450": entry("CT head", np(500, "")),
	})

	r, err := Batch(st, "plan_a", "plan_b", Options{Rule: rates.RuleMax})
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalCompared != 1 || len(r.Equal) != 1 {
		t.Fatalf("expected one equal row, got %+v", r)
	}
	if len(r.OnlyInSource1) != 1 || r.OnlyInSource1[0].Code != "99215" {
		t.Errorf("unexpected only_in_source1: %+v", r.OnlyInSource1)
	}
	if r.OnlyInSource1[0].Rate != 250 {
		t.Errorf("expected only-in rate under the rule, got %f", r.OnlyInSource1[0].Rate)
	}
	if len(r.OnlyInSource2) != 1 || r.OnlyInSource2[0].Code != "70450" {
		t.Errorf("unexpected only_in_source2: %+v", r.OnlyInSource2)
	}
	if r.TotalSource1 != 2 || r.TotalSource2 != 2 {
		t.Errorf("unexpected totals: %d/%d", r.TotalSource1, r.TotalSource2)
	}
	checkPartition(t, r)
}

func TestBatch_AllClasses(t *testing.T) {
	st := store.New()
	st.Replace("plan_a", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(150, "professional"), np(300, "institutional")),
	})
	st.Replace("plan_b", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(120, "professional")),
	})

	r, err := Batch(st, "plan_a", "plan_b", Options{Rule: rates.RuleAllClasses})
	if err != nil {
		t.Fatal(err)
	}
	// Only the (99213, professional) pair exists on both sides.
	if r.TotalCompared != 1 || len(r.HigherInSource1) != 1 {
		t.Fatalf("expected one matched class pair, got %+v", r)
	}
	it := r.HigherInSource1[0]
	if it.BillingClass != "professional" || it.Difference != 30 {
		t.Errorf("unexpected matched pair: %+v", it)
	}
	if len(r.OnlyInSource1) != 1 || r.OnlyInSource1[0].BillingClass != "institutional" {
		t.Errorf("expected institutional class only in source1, got %+v", r.OnlyInSource1)
	}
	checkPartition(t, r)
}

func TestBatch_Context(t *testing.T) {
	st := store.New()
	withMod := np(200, "professional")
	withMod.BillingCodeModifier = []string{"26"}
	st.Replace("plan_a", map[string]*mrf.CPTEntry{
		"70450": entry("CT head", np(100, "professional"), withMod),
	})
	baseMod := np(180, "professional")
	baseMod.BillingCodeModifier = []string{"26"}
	st.Replace("plan_b", map[string]*mrf.CPTEntry{
		"70450": entry("CT head", np(100, "professional"), baseMod),
	})

	r, err := Batch(st, "plan_a", "plan_b", Options{Rule: rates.RuleContext})
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalCompared != 2 {
		t.Fatalf("expected 2 context pairs, got %d", r.TotalCompared)
	}
	if len(r.Equal) != 1 || len(r.HigherInSource1) != 1 {
		t.Fatalf("unexpected buckets: %+v", r)
	}
	mod := r.HigherInSource1[0]
	if len(mod.Modifiers) != 1 || mod.Modifiers[0] != "26" || mod.Difference != 20 {
		t.Errorf("unexpected modifier context row: %+v", mod)
	}
	checkPartition(t, r)
}

func TestBatch_PerOccurrence(t *testing.T) {
	st := store.New()
	st.Replace("plan_a", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(150, "professional"), np(90, "institutional")),
	})
	st.Replace("plan_b", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", np(120, "professional")),
		"70450": entry("CT head", np(500, "")),
	})

	r, err := Batch(st, "plan_a", "plan_b", Options{Rule: rates.RulePerOccurrence})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.HigherInSource1) != 1 {
		t.Fatalf("expected one matched row, got %+v", r)
	}
	it := r.HigherInSource1[0]
	if it.Source1Rate != 150 || it.Source2Rate != 120 || it.BillingClass != "professional" {
		t.Errorf("unexpected matched row: %+v", it)
	}
	if len(r.OnlyInSource2) != 1 || r.OnlyInSource2[0].Code != "70450" {
		t.Errorf("expected baseline-only code in only_in_source2, got %+v", r.OnlyInSource2)
	}
	checkPartition(t, r)
}

func TestBatch_MissingSource(t *testing.T) {
	st := store.New()
	st.Replace("plan_a", map[string]*mrf.CPTEntry{})
	if _, err := Batch(st, "plan_a", "nope", Options{}); !errors.Is(err, ErrMissingSource) {
		t.Errorf("expected ErrMissingSource, got %v", err)
	}
}

func TestBatch_Deterministic(t *testing.T) {
	codes1 := map[string]*mrf.CPTEntry{}
	codes2 := map[string]*mrf.CPTEntry{}
	for _, c := range []string{"99213", "99214", "99215", "70450", "80053"} {
		codes1[c] = entry("desc "+c, np(100, "professional"), np(200, "institutional"))
		codes2[c] = entry("desc "+c, np(150, "professional"))
	}
	s1, s2 := src("a", codes1), src("b", codes2)

	first, err := BatchSources(s1, s2, Options{Rule: rates.RuleAllClasses})
	if err != nil {
		t.Fatal(err)
	}
	second, err := BatchSources(s1, s2, Options{Rule: rates.RuleAllClasses})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical reports across runs over the same inputs")
	}
}

func TestPercentDiff(t *testing.T) {
	if got := PercentDiff(150, 120); math.Abs(got-20) > 1e-9 {
		t.Errorf("expected 20, got %f", got)
	}
	if got := PercentDiff(0, 0); got != 0 {
		t.Errorf("expected 0 for both-zero, got %f", got)
	}
	if got := PercentDiff(-5, -10); got != 0 {
		t.Errorf("expected 0 for non-positive max, got %f", got)
	}
	if PercentDiff(100, 80) != PercentDiff(80, 100) {
		t.Error("expected percent difference to be symmetric")
	}
}
