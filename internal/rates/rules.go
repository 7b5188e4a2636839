// Package rates implements the aggregation algebra over negotiated price
// records: the filter primitive, the compare-rule reductions, and the
// bounded-memory streaming summaries used by the incremental comparator.
package rates

import (
	"errors"
	"fmt"
	"strings"
)

// Rule selects the reduction used to summarize a code's rates for comparison.
type Rule string

const (
	RuleMax                  Rule = "max"
	RuleMin                  Rule = "min"
	RuleAvg                  Rule = "avg"
	RuleMedian               Rule = "median"
	RuleMaxAvgByBillingClass Rule = "max_avg_by_billing_class"
	RuleAllClasses           Rule = "all_classes"
	// RulePerOccurrence compares, per code, the highest single-item occurrence
	// against the baseline max. Repeated occurrences of a code are never
	// double-counted; only the highest one wins.
	RulePerOccurrence Rule = "per_occurrence"
	// RuleContext compares per (billing class, sorted modifier set) context.
	// Batch comparison only.
	RuleContext Rule = "context"
)

// ErrBadRule marks an unknown rule token or a multi-valued rule reaching a
// scalar-only code path.
var ErrBadRule = errors.New("bad compare rule")

// ParseRule canonicalizes a rule token. The empty string defaults to max.
func ParseRule(s string) (Rule, error) {
	r := Rule(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case "":
		return RuleMax, nil
	case RuleMax, RuleMin, RuleAvg, RuleMedian, RuleMaxAvgByBillingClass,
		RuleAllClasses, RulePerOccurrence, RuleContext:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadRule, s)
	}
}

// Scalar reports whether the rule reduces a code's rates to a single value.
func (r Rule) Scalar() bool {
	switch r {
	case RuleMax, RuleMin, RuleAvg, RuleMedian, RuleMaxAvgByBillingClass:
		return true
	default:
		return false
	}
}

// Streamable reports whether the incremental comparator supports the rule.
func (r Rule) Streamable() bool {
	return r != RuleContext
}
