package store

import (
	"testing"

	"github.com/gyeh/cpt-compare/internal/mrf"
)

func entry(desc string, rates ...float64) *mrf.CPTEntry {
	e := &mrf.CPTEntry{Description: desc}
	for _, r := range rates {
		e.Rates = append(e.Rates, mrf.NegotiatedPrice{NegotiatedRate: mrf.FlexFloat(r)})
	}
	return e
}

func TestReplace_DiscardsPreviousContent(t *testing.T) {
	s := New()
	s.Replace("plan_a", map[string]*mrf.CPTEntry{"99213": entry("Office visit", 100)})
	s.Replace("plan_a", map[string]*mrf.CPTEntry{"99214": entry("Office visit, established", 200)})

	src, ok := s.Get("plan_a")
	if !ok {
		t.Fatal("expected plan_a to exist")
	}
	if _, gone := src.Codes["99213"]; gone {
		t.Error("expected replace to discard 99213")
	}
	if _, kept := src.Codes["99214"]; !kept {
		t.Error("expected 99214 after replace")
	}
}

func TestMerge_AppendsRatesAndUpgradesDescription(t *testing.T) {
	s := New()
	s.Merge("plan_a", map[string]*mrf.CPTEntry{"99213": entry(mrf.NoDescription, 100)})
	s.Merge("plan_a", map[string]*mrf.CPTEntry{
		"99213": entry("Office visit", 120),
		"99214": entry("Office visit, established", 200),
	})

	src, _ := s.Get("plan_a")
	e := src.Codes["99213"]
	if len(e.Rates) != 2 {
		t.Errorf("expected 2 merged rates, got %d", len(e.Rates))
	}
	if e.Description != "Office visit" {
		t.Errorf("expected placeholder description to upgrade, got %q", e.Description)
	}
	if len(src.Codes) != 2 {
		t.Errorf("expected 2 codes, got %d", len(src.Codes))
	}
}

func TestMerge_OldSnapshotUnchanged(t *testing.T) {
	s := New()
	s.Replace("plan_a", map[string]*mrf.CPTEntry{"99213": entry("Office visit", 100)})
	before, _ := s.Get("plan_a")

	s.Merge("plan_a", map[string]*mrf.CPTEntry{"99213": entry("", 120)})

	if len(before.Codes["99213"].Rates) != 1 {
		t.Error("merge mutated the previously published snapshot")
	}
	after, _ := s.Get("plan_a")
	if len(after.Codes["99213"].Rates) != 2 {
		t.Errorf("expected 2 rates after merge, got %d", len(after.Codes["99213"].Rates))
	}
}

func TestListAndDelete(t *testing.T) {
	s := New()
	s.Replace("beta", map[string]*mrf.CPTEntry{"99213": entry("a", 1, 2)})
	s.Replace("alpha", map[string]*mrf.CPTEntry{"99214": entry("b", 3)})

	infos := s.List()
	if len(infos) != 2 || infos[0].Name != "alpha" || infos[1].Name != "beta" {
		t.Fatalf("expected sorted listing, got %+v", infos)
	}
	if infos[1].RateCount != 2 || infos[1].CodeCount != 1 {
		t.Errorf("unexpected beta counts: %+v", infos[1])
	}

	if !s.Delete("alpha") {
		t.Error("expected delete of existing source to report true")
	}
	if s.Delete("alpha") {
		t.Error("expected repeated delete to report false")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 source left, got %d", s.Len())
	}
}
