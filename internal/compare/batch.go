package compare

import (
	"fmt"
	"sort"
	"time"

	"github.com/gyeh/cpt-compare/internal/mrf"
	"github.com/gyeh/cpt-compare/internal/rates"
	"github.com/gyeh/cpt-compare/internal/store"
)

// Options parameterize a comparison: the reduction rule plus the rate filter
// applied to both sides.
type Options struct {
	Rule           rates.Rule
	NegotiatedType string
	ExcludeExpired bool
	AsOf           time.Time // zero means today
}

func (o Options) normalized() Options {
	if o.Rule == "" {
		o.Rule = rates.RuleMax
	}
	if o.AsOf.IsZero() {
		o.AsOf = time.Now()
	}
	return o
}

func (o Options) filter() rates.FilterOptions {
	return rates.FilterOptions{
		NegotiatedType: o.NegotiatedType,
		ExcludeExpired: o.ExcludeExpired,
		AsOf:           o.AsOf,
	}.Normalize()
}

// Batch compares two fully loaded sources code by code under the rule.
// Codes are visited in sorted order, so two runs over the same inputs produce
// identical reports, samples included.
func Batch(st *store.Store, source1, source2 string, opts Options) (*Report, error) {
	s1, ok := st.Get(source1)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingSource, source1)
	}
	s2, ok := st.Get(source2)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingSource, source2)
	}
	return BatchSources(s1, s2, opts)
}

// BatchSources compares two source snapshots directly, without going through
// the store. Session finalization uses this to verify a part-streamed source
// against its baseline.
func BatchSources(s1, s2 *store.Source, opts Options) (*Report, error) {
	opts = opts.normalized()
	report := &Report{
		Source1:         s1.Name,
		Source2:         s2.Name,
		CompareRule:     opts.Rule,
		HigherInSource1: []Item{},
		HigherInSource2: []Item{},
		Equal:           []Item{},
		OnlyInSource1:   []OnlyItem{},
		OnlyInSource2:   []OnlyItem{},
		TotalSource1:    len(s1.Codes),
		TotalSource2:    len(s2.Codes),
	}

	switch opts.Rule {
	case rates.RuleAllClasses:
		batchAllClasses(report, s1, s2, opts)
	case rates.RuleContext:
		batchContext(report, s1, s2, opts)
	case rates.RulePerOccurrence:
		batchPerOccurrence(report, s1, s2, opts)
	default:
		if !opts.Rule.Scalar() {
			return nil, fmt.Errorf("%w: %q", rates.ErrBadRule, opts.Rule)
		}
		batchScalar(report, s1, s2, opts)
	}
	return report, nil
}

// codeUnion returns the sorted union of both sources' codes.
func codeUnion(s1, s2 *store.Source) []string {
	set := make(map[string]struct{}, len(s1.Codes)+len(s2.Codes))
	for c := range s1.Codes {
		set[c] = struct{}{}
	}
	for c := range s2.Codes {
		set[c] = struct{}{}
	}
	codes := make([]string, 0, len(set))
	for c := range set {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func reduceEntry(e *mrf.CPTEntry, rule rates.Rule, opts Options) rates.ScalarResult {
	filtered := rates.Filter(e.Rates, opts.filter())
	res, _ := rates.Reduce(filtered, rule)
	return res
}

func batchScalar(report *Report, s1, s2 *store.Source, opts Options) {
	for _, code := range codeUnion(s1, s2) {
		e1, in1 := s1.Codes[code]
		e2, in2 := s2.Codes[code]

		switch {
		case in1 && in2:
			r1 := reduceEntry(e1, opts.Rule, opts)
			r2 := reduceEntry(e2, opts.Rule, opts)
			report.place(Item{
				Code:               code,
				Source1Description: e1.Description,
				Source2Description: e2.Description,
				DescriptionsMatch:  descriptionsMatch(e1.Description, e2.Description),
				Source1Rate:        r1.Value,
				Source2Rate:        r2.Value,
				Difference:         r1.Value - r2.Value,
				PercentDifference:  PercentDiff(r1.Value, r2.Value),
			})
		case in1:
			r1 := reduceEntry(e1, opts.Rule, opts)
			report.OnlyInSource1 = append(report.OnlyInSource1, OnlyItem{
				Code: code, Description: e1.Description, Rate: r1.Value,
			})
		default:
			r2 := reduceEntry(e2, opts.Rule, opts)
			report.OnlyInSource2 = append(report.OnlyInSource2, OnlyItem{
				Code: code, Description: e2.Description, Rate: r2.Value,
			})
		}
	}
}

// batchPerOccurrence treats each side's code as a single scalar via max: the
// highest occurrence on side 1 against the baseline max on side 2.
func batchPerOccurrence(report *Report, s1, s2 *store.Source, opts Options) {
	for _, code := range codeUnion(s1, s2) {
		e1, in1 := s1.Codes[code]
		e2, in2 := s2.Codes[code]

		switch {
		case in1 && in2:
			f1 := rates.Filter(e1.Rates, opts.filter())
			rate1, class1, _ := rates.MaxWithClass(f1)
			r2 := reduceEntry(e2, rates.RuleMax, opts)
			report.place(Item{
				Code:               code,
				BillingClass:       class1,
				Source1Description: e1.Description,
				Source2Description: e2.Description,
				DescriptionsMatch:  descriptionsMatch(e1.Description, e2.Description),
				Source1Rate:        rate1,
				Source2Rate:        r2.Value,
				Difference:         rate1 - r2.Value,
				PercentDifference:  PercentDiff(rate1, r2.Value),
			})
		case in1:
			f1 := rates.Filter(e1.Rates, opts.filter())
			rate1, _, _ := rates.MaxWithClass(f1)
			report.OnlyInSource1 = append(report.OnlyInSource1, OnlyItem{
				Code: code, Description: e1.Description, Rate: rate1,
			})
		default:
			r2 := reduceEntry(e2, rates.RuleMax, opts)
			report.OnlyInSource2 = append(report.OnlyInSource2, OnlyItem{
				Code: code, Description: e2.Description, Rate: r2.Value,
			})
		}
	}
}

// batchAllClasses buckets at (code, billing class) granularity using the per-
// class max on each side.
func batchAllClasses(report *Report, s1, s2 *store.Source, opts Options) {
	for _, code := range codeUnion(s1, s2) {
		e1, in1 := s1.Codes[code]
		e2, in2 := s2.Codes[code]

		var c1, c2 map[string]rates.ClassMax
		if in1 {
			c1, _ = rates.MaxByClass(rates.Filter(e1.Rates, opts.filter()))
		}
		if in2 {
			c2, _ = rates.MaxByClass(rates.Filter(e2.Rates, opts.filter()))
		}

		for _, cls := range classUnion(c1, c2) {
			m1, has1 := c1[cls]
			m2, has2 := c2[cls]
			switch {
			case has1 && has2:
				report.place(Item{
					Code:               code,
					BillingClass:       cls,
					Source1Description: e1.Description,
					Source2Description: e2.Description,
					DescriptionsMatch:  descriptionsMatch(e1.Description, e2.Description),
					Source1Rate:        m1.Max,
					Source2Rate:        m2.Max,
					Difference:         m1.Max - m2.Max,
					PercentDifference:  PercentDiff(m1.Max, m2.Max),
				})
			case has1:
				report.OnlyInSource1 = append(report.OnlyInSource1, OnlyItem{
					Code: code, BillingClass: cls, Description: e1.Description, Rate: m1.Max,
				})
			default:
				report.OnlyInSource2 = append(report.OnlyInSource2, OnlyItem{
					Code: code, BillingClass: cls, Description: e2.Description, Rate: m2.Max,
				})
			}
		}
	}
}

func classUnion(c1, c2 map[string]rates.ClassMax) []string {
	set := make(map[string]struct{}, len(c1)+len(c2))
	for c := range c1 {
		set[c] = struct{}{}
	}
	for c := range c2 {
		set[c] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for c := range set {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// batchContext buckets at (code, billing class, modifier set) granularity
// using the per-context max on each side.
func batchContext(report *Report, s1, s2 *store.Source, opts Options) {
	for _, code := range codeUnion(s1, s2) {
		e1, in1 := s1.Codes[code]
		e2, in2 := s2.Codes[code]

		var x1, x2 map[rates.Context]float64
		if in1 {
			x1, _ = rates.MaxByContext(rates.Filter(e1.Rates, opts.filter()))
		}
		if in2 {
			x2, _ = rates.MaxByContext(rates.Filter(e2.Rates, opts.filter()))
		}

		for _, ctx := range contextUnion(x1, x2) {
			r1, has1 := x1[ctx]
			r2, has2 := x2[ctx]
			switch {
			case has1 && has2:
				report.place(Item{
					Code:               code,
					BillingClass:       ctx.BillingClass,
					Modifiers:          ctx.ModifierList(),
					Source1Description: e1.Description,
					Source2Description: e2.Description,
					DescriptionsMatch:  descriptionsMatch(e1.Description, e2.Description),
					Source1Rate:        r1,
					Source2Rate:        r2,
					Difference:         r1 - r2,
					PercentDifference:  PercentDiff(r1, r2),
				})
			case has1:
				report.OnlyInSource1 = append(report.OnlyInSource1, OnlyItem{
					Code: code, BillingClass: ctx.BillingClass, Modifiers: ctx.ModifierList(),
					Description: e1.Description, Rate: r1,
				})
			default:
				report.OnlyInSource2 = append(report.OnlyInSource2, OnlyItem{
					Code: code, BillingClass: ctx.BillingClass, Modifiers: ctx.ModifierList(),
					Description: e2.Description, Rate: r2,
				})
			}
		}
	}
}

func contextUnion(x1, x2 map[rates.Context]float64) []rates.Context {
	set := make(map[rates.Context]struct{}, len(x1)+len(x2))
	for c := range x1 {
		set[c] = struct{}{}
	}
	for c := range x2 {
		set[c] = struct{}{}
	}
	ctxs := make([]rates.Context, 0, len(set))
	for c := range set {
		ctxs = append(ctxs, c)
	}
	sort.Slice(ctxs, func(i, j int) bool {
		if ctxs[i].BillingClass != ctxs[j].BillingClass {
			return ctxs[i].BillingClass < ctxs[j].BillingClass
		}
		return ctxs[i].Modifiers < ctxs[j].Modifiers
	})
	return ctxs
}
