package rates

import (
	"strings"
	"time"

	"github.com/gyeh/cpt-compare/internal/mrf"
)

// FilterOptions narrows a code's rate records before reduction. The zero value
// keeps everything.
type FilterOptions struct {
	// NegotiatedType keeps only records whose negotiated_type matches,
	// case-insensitively. Empty means no type filtering.
	NegotiatedType string
	// ExcludeExpired drops records whose expiration date is strictly before
	// AsOf. Records with a missing or unparseable expiration date are never
	// dropped: absence of a date is not evidence of expiry.
	ExcludeExpired bool
	AsOf           time.Time
}

// Normalize canonicalizes the type token so repeated Keep calls skip the
// per-record lowercase.
func (o FilterOptions) Normalize() FilterOptions {
	o.NegotiatedType = strings.ToLower(strings.TrimSpace(o.NegotiatedType))
	return o
}

// Keep reports whether a single record survives the filter. o must be
// normalized.
func (o *FilterOptions) Keep(p *mrf.NegotiatedPrice) bool {
	if o.NegotiatedType != "" {
		if strings.ToLower(strings.TrimSpace(p.NegotiatedType)) != o.NegotiatedType {
			return false
		}
	}
	if o.ExcludeExpired {
		if exp, ok := ParseExpiration(p.ExpirationDate); ok && exp.Before(o.AsOf) {
			return false
		}
	}
	return true
}

// Filter returns the records surviving the filter, in input order. The input
// slice is never modified.
func Filter(prices []mrf.NegotiatedPrice, opts FilterOptions) []mrf.NegotiatedPrice {
	opts = opts.Normalize()
	out := make([]mrf.NegotiatedPrice, 0, len(prices))
	for i := range prices {
		if opts.Keep(&prices[i]) {
			out = append(out, prices[i])
		}
	}
	return out
}

// ParseExpiration parses the leading YYYY-MM-DD of an expiration_date value.
// MRF files routinely carry timestamps or junk after the date portion; only
// the first ten characters matter.
func ParseExpiration(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s[:10])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
