package rates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gyeh/cpt-compare/internal/mrf"
)

// ScalarResult is the outcome of a scalar reduction over one code's rates.
type ScalarResult struct {
	Value        float64
	BillingClass string
	Count        int // finite rates that participated
	// Classes is populated only for RuleMaxAvgByBillingClass.
	Classes map[string]ClassStats
}

// ClassStats accumulates per-billing-class statistics.
type ClassStats struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// ClassMax is the per-class entry of an all_classes reduction.
type ClassMax struct {
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Reduce applies a scalar rule to already-filtered rates. Multi-valued rules
// (all_classes, context) and per_occurrence have dedicated entry points and
// return ErrBadRule here.
func Reduce(prices []mrf.NegotiatedPrice, rule Rule) (ScalarResult, error) {
	switch rule {
	case RuleMax:
		v, c, n := MaxWithClass(prices)
		return ScalarResult{Value: v, BillingClass: c, Count: n}, nil
	case RuleMin:
		v, c, n := MinWithClass(prices)
		return ScalarResult{Value: v, BillingClass: c, Count: n}, nil
	case RuleAvg:
		v, n := Mean(prices)
		return ScalarResult{Value: v, BillingClass: "unknown", Count: n}, nil
	case RuleMedian:
		v, n := MedianExact(prices)
		return ScalarResult{Value: v, BillingClass: "unknown", Count: n}, nil
	case RuleMaxAvgByBillingClass:
		classes, rep, avg, n := ByClass(prices)
		return ScalarResult{Value: avg, BillingClass: rep, Count: n, Classes: classes}, nil
	default:
		return ScalarResult{}, fmt.Errorf("%w: %q is not a scalar rule", ErrBadRule, rule)
	}
}

// MaxWithClass returns the highest finite rate and its billing class. With no
// finite rates the result is 0.0 / "unknown"; a negative rate therefore never
// displaces the zero start.
func MaxWithClass(prices []mrf.NegotiatedPrice) (float64, string, int) {
	maxRate, class, count := 0.0, "unknown", 0
	for i := range prices {
		r, ok := prices[i].Rate()
		if !ok {
			continue
		}
		count++
		if r > maxRate {
			maxRate = r
			class = prices[i].Class()
		}
	}
	return maxRate, class, count
}

// MinWithClass returns the lowest finite rate and its billing class, or
// 0.0 / "unknown" when no rate is finite. Unlike max, min has no sentinel
// start: the first finite rate seeds it, so negative rates win.
func MinWithClass(prices []mrf.NegotiatedPrice) (float64, string, int) {
	var (
		minRate float64
		class   = "unknown"
		count   int
		seeded  bool
	)
	for i := range prices {
		r, ok := prices[i].Rate()
		if !ok {
			continue
		}
		count++
		if !seeded || r < minRate {
			minRate = r
			class = prices[i].Class()
			seeded = true
		}
	}
	if !seeded {
		return 0.0, "unknown", 0
	}
	return minRate, class, count
}

// Mean averages the finite rates; 0.0 for none.
func Mean(prices []mrf.NegotiatedPrice) (float64, int) {
	sum, count := 0.0, 0
	for i := range prices {
		if r, ok := prices[i].Rate(); ok {
			sum += r
			count++
		}
	}
	if count == 0 {
		return 0.0, 0
	}
	return sum / float64(count), count
}

// MedianExact computes the exact median of the finite rates; 0.0 for none.
func MedianExact(prices []mrf.NegotiatedPrice) (float64, int) {
	vals := make([]float64, 0, len(prices))
	for i := range prices {
		if r, ok := prices[i].Rate(); ok {
			vals = append(vals, r)
		}
	}
	if len(vals) == 0 {
		return 0.0, 0
	}
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2], n
	}
	return (vals[n/2-1] + vals[n/2]) / 2, n
}

// ByClass groups finite rates by billing class and picks the representative
// class: the one with the highest average, ties broken by class-name order
// with "unknown" considered last.
func ByClass(prices []mrf.NegotiatedPrice) (classes map[string]ClassStats, rep string, repAvg float64, count int) {
	classes = map[string]ClassStats{}
	for i := range prices {
		r, ok := prices[i].Rate()
		if !ok {
			continue
		}
		count++
		c := prices[i].Class()
		st := classes[c]
		st.Sum += r
		st.Count++
		if st.Count == 1 || r < st.Min {
			st.Min = r
		}
		if st.Count == 1 || r > st.Max {
			st.Max = r
		}
		classes[c] = st
	}
	for c, st := range classes {
		st.Avg = st.Sum / float64(st.Count)
		classes[c] = st
	}

	rep = "unknown"
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
	return classes, rep, repAvg, count
}

// classOrder returns class names sorted, with "unknown" forced last so it is
// only representative when nothing else is.
func classOrder[V any](classes map[string]V) []string {
	names := make([]string, 0, len(classes))
	for c := range classes {
		names = append(names, c)
	}
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == "unknown") != (names[j] == "unknown") {
			return names[j] == "unknown"
		}
		return names[i] < names[j]
	})
	return names
}

// MaxByClass computes the all_classes reduction: per billing class, the
// highest finite rate and how many finite rates the class saw.
func MaxByClass(prices []mrf.NegotiatedPrice) (map[string]ClassMax, int) {
	out := map[string]ClassMax{}
	total := 0
	for i := range prices {
		r, ok := prices[i].Rate()
		if !ok {
			continue
		}
		total++
		c := prices[i].Class()
		cm, exists := out[c]
		if !exists {
			out[c] = ClassMax{Max: r, Count: 1}
			continue
		}
		cm.Count++
		if r > cm.Max {
			cm.Max = r
		}
		out[c] = cm
	}
	return out, total
}

// Context identifies a (billing class, modifier set) slice of a code's rates.
// Modifiers holds the canonical form: trimmed, sorted, comma-joined.
type Context struct {
	BillingClass string
	Modifiers    string
}

// ContextOf derives the record's context.
func ContextOf(p *mrf.NegotiatedPrice) Context {
	mods := make([]string, 0, len(p.BillingCodeModifier))
	for _, m := range p.BillingCodeModifier {
		if m = strings.TrimSpace(m); m != "" {
			mods = append(mods, m)
		}
	}
	sort.Strings(mods)
	return Context{BillingClass: p.Class(), Modifiers: strings.Join(mods, ",")}
}

// ModifierList splits the canonical modifier string back into its parts.
func (c Context) ModifierList() []string {
	if c.Modifiers == "" {
		return nil
	}
	return strings.Split(c.Modifiers, ",")
}

// MaxByContext computes the context reduction: the highest finite rate per
// (billing class, modifier set).
func MaxByContext(prices []mrf.NegotiatedPrice) (map[Context]float64, int) {
	out := map[Context]float64{}
	total := 0
	for i := range prices {
		r, ok := prices[i].Rate()
		if !ok {
			continue
		}
		total++
		ctx := ContextOf(&prices[i])
		if cur, exists := out[ctx]; !exists || r > cur {
			out[ctx] = r
		}
	}
	return out, total
}
