package rates

import (
	"fmt"

	"github.com/gyeh/cpt-compare/internal/mrf"
)

// Summary is bounded-memory per-code streaming state for one compare rule.
// Each rule gets its own concrete type; a summary never holds state for rules
// other than its own.
type Summary interface {
	Rule() Rule
	// Update folds one filtered rate record into the summary in O(1).
	Update(p *mrf.NegotiatedPrice)
	// Clone returns an independent deep copy.
	Clone() Summary
}

// ScalarSummary is implemented by summaries of scalar rules and by
// per_occurrence, which finalizes to a scalar.
type ScalarSummary interface {
	Summary
	Scalar() ScalarResult
}

// ClassedSummary is implemented by the all_classes summary.
type ClassedSummary interface {
	Summary
	ByClass() map[string]ClassMax
}

// NewSummary builds the streaming summary for a rule. The context rule is
// batch-only and is rejected.
func NewSummary(rule Rule) (Summary, error) {
	switch rule {
	case RuleMax:
		return &maxSummary{class: "unknown"}, nil
	case RuleMin:
		return &minSummary{class: "unknown"}, nil
	case RuleAvg:
		return &avgSummary{}, nil
	case RuleMedian:
		return &medianSummary{est: NewMedian()}, nil
	case RuleMaxAvgByBillingClass:
		return &classAvgSummary{classes: map[string]ClassStats{}}, nil
	case RuleAllClasses:
		return &allClassesSummary{classes: map[string]ClassMax{}}, nil
	case RulePerOccurrence:
		return &OccurrenceSummary{class: "unknown"}, nil
	default:
		return nil, fmt.Errorf("%w: %q is not streamable", ErrBadRule, rule)
	}
}

type maxSummary struct {
	val   float64
	class string
	count int
}

func (s *maxSummary) Rule() Rule { return RuleMax }

func (s *maxSummary) Update(p *mrf.NegotiatedPrice) {
	r, ok := p.Rate()
	if !ok {
		return
	}
	s.count++
	if r > s.val {
		s.val = r
		s.class = p.Class()
	}
}

func (s *maxSummary) Scalar() ScalarResult {
	return ScalarResult{Value: s.val, BillingClass: s.class, Count: s.count}
}

func (s *maxSummary) Clone() Summary { c := *s; return &c }

type minSummary struct {
	val    float64
	class  string
	count  int
	seeded bool
}

func (s *minSummary) Rule() Rule { return RuleMin }

func (s *minSummary) Update(p *mrf.NegotiatedPrice) {
	r, ok := p.Rate()
	if !ok {
		return
	}
	s.count++
	if !s.seeded || r < s.val {
		s.val = r
		s.class = p.Class()
		s.seeded = true
	}
}

func (s *minSummary) Scalar() ScalarResult {
	if !s.seeded {
		return ScalarResult{BillingClass: "unknown"}
	}
	return ScalarResult{Value: s.val, BillingClass: s.class, Count: s.count}
}

func (s *minSummary) Clone() Summary { c := *s; return &c }

type avgSummary struct {
	sum   float64
	count int
}

func (s *avgSummary) Rule() Rule { return RuleAvg }

func (s *avgSummary) Update(p *mrf.NegotiatedPrice) {
	if r, ok := p.Rate(); ok {
		s.sum += r
		s.count++
	}
}

func (s *avgSummary) Scalar() ScalarResult {
	res := ScalarResult{BillingClass: "unknown", Count: s.count}
	if s.count > 0 {
		res.Value = s.sum / float64(s.count)
	}
	return res
}

func (s *avgSummary) Clone() Summary { c := *s; return &c }

type medianSummary struct {
	est *P2Quantile
}

func (s *medianSummary) Rule() Rule { return RuleMedian }

func (s *medianSummary) Update(p *mrf.NegotiatedPrice) {
	if r, ok := p.Rate(); ok {
		s.est.Add(r)
	}
}

func (s *medianSummary) Scalar() ScalarResult {
	return ScalarResult{Value: s.est.Value(), BillingClass: "unknown", Count: s.est.Count()}
}

func (s *medianSummary) Clone() Summary { return &medianSummary{est: s.est.Clone()} }

type classAvgSummary struct {
	classes map[string]ClassStats
	count   int
}

func (s *classAvgSummary) Rule() Rule { return RuleMaxAvgByBillingClass }

func (s *classAvgSummary) Update(p *mrf.NegotiatedPrice) {
	r, ok := p.Rate()
	if !ok {
		return
	}
	s.count++
	c := p.Class()
	st := s.classes[c]
	st.Sum += r
	st.Count++
	if st.Count == 1 || r < st.Min {
		st.Min = r
	}
	if st.Count == 1 || r > st.Max {
		st.Max = r
	}
	s.classes[c] = st
}

func (s *classAvgSummary) Scalar() ScalarResult {
	classes := make(map[string]ClassStats, len(s.classes))
	for c, st := range s.classes {
		st.Avg = st.Sum / float64(st.Count)
		classes[c] = st
	}

	rep, repAvg := "unknown", 0.0
	chosen := false
	for _, c := range classOrder(classes) {
		st := classes[c]
		if st.Count == 0 {
			continue
		}
		if !chosen || st.Avg > repAvg {
			rep, repAvg = c, st.Avg
			chosen = true
		}
	}
	return ScalarResult{Value: repAvg, BillingClass: rep, Count: s.count, Classes: classes}
}

func (s *classAvgSummary) Clone() Summary {
	c := &classAvgSummary{classes: make(map[string]ClassStats, len(s.classes)), count: s.count}
	for k, v := range s.classes {
		c.classes[k] = v
	}
	return c
}

type allClassesSummary struct {
	classes map[string]ClassMax
	count   int
}

func (s *allClassesSummary) Rule() Rule { return RuleAllClasses }

func (s *allClassesSummary) Update(p *mrf.NegotiatedPrice) {
	r, ok := p.Rate()
	if !ok {
		return
	}
	s.count++
	c := p.Class()
	cm, exists := s.classes[c]
	if !exists {
		s.classes[c] = ClassMax{Max: r, Count: 1}
		return
	}
	cm.Count++
	if r > cm.Max {
		cm.Max = r
	}
	s.classes[c] = cm
}

func (s *allClassesSummary) ByClass() map[string]ClassMax { return s.classes }

func (s *allClassesSummary) Clone() Summary {
	c := &allClassesSummary{classes: make(map[string]ClassMax, len(s.classes)), count: s.count}
	for k, v := range s.classes {
		c.classes[k] = v
	}
	return c
}

// OccurrenceSummary tracks the highest single-item occurrence of a code. It
// is fed whole-item maxima through Observe rather than individual records;
// Update is a record-level no-op by construction.
type OccurrenceSummary struct {
	val    float64
	class  string
	seeded bool
}

func (s *OccurrenceSummary) Rule() Rule { return RulePerOccurrence }

func (s *OccurrenceSummary) Update(*mrf.NegotiatedPrice) {}

// Observe folds one item-level occurrence: the max rate over the item's
// filtered records and its class. The first occurrence seeds the summary even
// when its max is 0.0.
func (s *OccurrenceSummary) Observe(maxRate float64, class string) {
	if !s.seeded {
		s.val = maxRate
		s.class = class
		s.seeded = true
		return
	}
	if maxRate > s.val {
		s.val = maxRate
		s.class = class
	}
}

func (s *OccurrenceSummary) Scalar() ScalarResult {
	count := 0
	if s.seeded {
		count = 1
	}
	return ScalarResult{Value: s.val, BillingClass: s.class, Count: count}
}

func (s *OccurrenceSummary) Clone() Summary { c := *s; return &c }
