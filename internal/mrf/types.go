package mrf

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// NoDescription is the placeholder used when an in_network item carries no
// description. A later non-empty description upgrades it (see CPTEntry.Merge).
const NoDescription = "No description"

// FlexString decodes a JSON string or number into a string. MRF publishers
// disagree on whether billing_code is a string; both forms appear in the wild.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		*s = ""
		return nil
	}
	*s = FlexString(n.String())
	return nil
}

// FlexFloat decodes a JSON number, numeric string, or null into a float64.
// Anything non-coercible becomes NaN, which every reduction treats as
// "no value" so it never biases counts, sums, or medians.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*f = FlexFloat(math.NaN())
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*f = FlexFloat(math.NaN())
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*f = FlexFloat(math.NaN())
		return nil
	}
	*f = FlexFloat(v)
	return nil
}

// NegotiatedPrice is a single negotiated price line within an in_network item.
// This is the rate record every filter and reduction operates on.
type NegotiatedPrice struct {
	NegotiatedRate      FlexFloat `json:"negotiated_rate"`
	NegotiatedType      string    `json:"negotiated_type"`
	BillingClass        string    `json:"billing_class"`
	ExpirationDate      string    `json:"expiration_date"`
	ServiceCode         []string  `json:"service_code"`
	BillingCodeModifier []string  `json:"billing_code_modifier"`
}

// Rate returns the negotiated rate and whether it is a finite number.
func (p *NegotiatedPrice) Rate() (float64, bool) {
	v := float64(p.NegotiatedRate)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Class returns the billing class, mapping empty/whitespace to "unknown".
func (p *NegotiatedPrice) Class() string {
	c := strings.TrimSpace(p.BillingClass)
	if c == "" {
		return "unknown"
	}
	return c
}

// NegotiatedRateGroup is one negotiated_rates entry; only its prices matter here.
type NegotiatedRateGroup struct {
	NegotiatedPrices []NegotiatedPrice `json:"negotiated_prices"`
}

// InNetworkItem is a single in_network array element as published.
type InNetworkItem struct {
	BillingCodeType string                `json:"billing_code_type"`
	BillingCode     FlexString            `json:"billing_code"`
	Description     string                `json:"description"`
	NegotiatedRates []NegotiatedRateGroup `json:"negotiated_rates"`
}

// Item is an accepted in_network item with its prices flattened across
// negotiated_rates groups. Only CPT items with a non-empty code are emitted.
type Item struct {
	Code        string
	Description string
	Prices      []NegotiatedPrice
}

// accept converts a decoded InNetworkItem into an Item, or reports rejection.
func accept(raw *InNetworkItem) (Item, bool) {
	code := strings.TrimSpace(string(raw.BillingCode))
	if raw.BillingCodeType != "CPT" || code == "" {
		return Item{}, false
	}
	it := Item{
		Code:        code,
		Description: raw.Description,
	}
	if it.Description == "" {
		it.Description = NoDescription
	}
	for _, g := range raw.NegotiatedRates {
		it.Prices = append(it.Prices, g.NegotiatedPrices...)
	}
	return it, true
}

// CPTEntry aggregates every rate observed for one CPT code.
type CPTEntry struct {
	Description string            `json:"description"`
	Rates       []NegotiatedPrice `json:"rates"`
}

// Merge appends rates (never deduplicating) and upgrades a missing or
// placeholder description when the incoming one is real.
func (e *CPTEntry) Merge(description string, rates []NegotiatedPrice) {
	e.Rates = append(e.Rates, rates...)
	if descriptionMissing(e.Description) && !descriptionMissing(description) {
		e.Description = description
	}
}

func descriptionMissing(d string) bool {
	return d == "" || d == NoDescription
}

// IndexFileRef is a reference to an in-network MRF inside an index document.
type IndexFileRef struct {
	Location    string `json:"location"`
	Description string `json:"description"`
}
