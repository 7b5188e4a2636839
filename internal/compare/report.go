// Package compare implements the two comparators: batch comparison of two
// fully loaded sources, and incremental comparison of a part-streamed source
// against a fully loaded baseline.
package compare

import (
	"strings"

	"github.com/gyeh/cpt-compare/internal/rates"
)

// Bucket classifies a matched key by which side priced higher.
type Bucket string

const (
	BucketHigherInSource1 Bucket = "higher_in_source1"
	BucketHigherInSource2 Bucket = "higher_in_source2"
	BucketEqual           Bucket = "equal"
)

var buckets = [...]Bucket{BucketHigherInSource1, BucketHigherInSource2, BucketEqual}

// Item is one matched comparison row.
type Item struct {
	Code                string   `json:"code"`
	BillingClass        string   `json:"billing_class,omitempty"`
	Modifiers           []string `json:"modifiers,omitempty"`
	Source1Description  string   `json:"source1_description"`
	Source2Description  string   `json:"source2_description"`
	DescriptionsMatch   bool     `json:"descriptions_match"`
	Source1Rate         float64  `json:"source1_rate"`
	Source2Rate         float64  `json:"source2_rate"`
	Difference          float64  `json:"difference"`
	PercentDifference   float64  `json:"percent_difference"`
	Source1BillingClass string   `json:"source1_billing_class,omitempty"`
	Source2BillingClass string   `json:"source2_billing_class,omitempty"`
	Source1RateCount    int      `json:"source1_rate_count,omitempty"`
	Source2RateCount    int      `json:"source2_rate_count,omitempty"`
	RateBasis           string   `json:"rate_basis,omitempty"`
}

// OnlyItem is a row for a key present on one side only. Rate carries the
// scalar reduction under the comparison's rule, so the row is comparable with
// matched rows.
type OnlyItem struct {
	Code         string   `json:"code"`
	BillingClass string   `json:"billing_class,omitempty"`
	Modifiers    []string `json:"modifiers,omitempty"`
	Description  string   `json:"description"`
	Rate         float64  `json:"rate"`
}

// Report is the batch comparison output.
type Report struct {
	Source1     string     `json:"source1"`
	Source2     string     `json:"source2"`
	CompareRule rates.Rule `json:"compare_rule"`

	HigherInSource1 []Item     `json:"higher_in_source1"`
	HigherInSource2 []Item     `json:"higher_in_source2"`
	Equal           []Item     `json:"equal"`
	OnlyInSource1   []OnlyItem `json:"only_in_source1"`
	OnlyInSource2   []OnlyItem `json:"only_in_source2"`

	TotalCompared              int     `json:"total_compared"`
	TotalSource1               int     `json:"total_source1"`
	TotalSource2               int     `json:"total_source2"`
	TotalHigherInSource1Amount float64 `json:"total_higher_in_source1_amount"`
	TotalHigherInSource2Amount float64 `json:"total_higher_in_source2_amount"`
}

// PercentDiff is the relative difference against the larger rate, in percent.
// Defined as 0 when both rates are non-positive.
func PercentDiff(r1, r2 float64) float64 {
	m := r1
	if r2 > m {
		m = r2
	}
	if m <= 0 {
		return 0
	}
	d := r1 - r2
	if d < 0 {
		d = -d
	}
	return d / m * 100
}

// descriptionsMatch requires exact equality of the trimmed descriptions.
// Any looser normalization would silently change the reported invariant.
func descriptionsMatch(d1, d2 string) bool {
	return strings.TrimSpace(d1) == strings.TrimSpace(d2)
}

func (r *Report) place(item Item) {
	switch {
	case item.Source1Rate > item.Source2Rate:
		r.HigherInSource1 = append(r.HigherInSource1, item)
		r.TotalHigherInSource1Amount += item.Source1Rate - item.Source2Rate
	case item.Source2Rate > item.Source1Rate:
		r.HigherInSource2 = append(r.HigherInSource2, item)
		r.TotalHigherInSource2Amount += item.Source2Rate - item.Source1Rate
	default:
		r.Equal = append(r.Equal, item)
	}
	r.TotalCompared++
}
