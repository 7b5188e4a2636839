// Package sheet ingests small CPT pricing sheets (CSV, Excel) into the same
// entry shape the MRF ingester produces, so a hospital's own fee schedule can
// serve as either side of a comparison.
package sheet

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gyeh/cpt-compare/internal/mrf"
)

// ErrNoColumns means no sheet carried a recognizable code and price column.
var ErrNoColumns = errors.New("could not identify CPT code and price columns")

var (
	codeHints  = []string{"cpt", "code", "proc_cd", "procedure", "hcpcs"}
	priceHints = []string{"price", "rate", "amount", "cost", "fee", "allowance", "calc_rate"}
	descHints  = []string{"desc", "description", "name"}
)

// columns holds detected column indexes; -1 means not present.
type columns struct {
	code, price, desc int
}

// detectColumns applies the header heuristics. A header mentioning a code
// hint counts as the code column unless it also looks like a description
// ("procedure description"). First match wins per role.
func detectColumns(headers []string) (columns, bool) {
	cols := columns{code: -1, price: -1, desc: -1}
	for i, h := range headers {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case cols.code == -1 && !strings.Contains(h, "desc") && containsAny(h, codeHints):
			cols.code = i
		case cols.price == -1 && containsAny(h, priceHints):
			cols.price = i
		case cols.desc == -1 && containsAny(h, descHints):
			cols.desc = i
		}
	}
	return cols, cols.code >= 0 && cols.price >= 0
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// parsePrice reads a sheet price cell. Currency decoration ($, thousands
// separators) is tolerated; anything else prices at 0.0 rather than dropping
// the row, matching how sheet imports treat junk cells.
func parsePrice(cell string) float64 {
	cleaned := strings.TrimSpace(cell)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0.0
	}
	return d.InexactFloat64()
}

// entryFor builds the single-rate entry a sheet row becomes. The synthetic
// billing class and negotiated type identify the import origin in reports.
func entryFor(description, origin string, price float64) *mrf.CPTEntry {
	if strings.TrimSpace(description) == "" {
		description = mrf.NoDescription
	}
	return &mrf.CPTEntry{
		Description: description,
		Rates: []mrf.NegotiatedPrice{{
			NegotiatedRate: mrf.FlexFloat(price),
			NegotiatedType: origin,
			BillingClass:   origin,
		}},
	}
}
