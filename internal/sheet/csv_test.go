package sheet

import (
	"errors"
	"strings"
	"testing"
)

func TestReadCSV_BasicSheet(t *testing.T) {
	data := "CPT Code,Description,Rate\n99213,Office visit,\"$1,234.50\"\n99214,Established visit,200\n"
	entries, err := ReadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	e := entries["99213"]
	if e == nil {
		t.Fatal("missing 99213")
	}
	if e.Description != "Office visit" {
		t.Errorf("unexpected description: %q", e.Description)
	}
	if len(e.Rates) != 1 {
		t.Fatalf("expected 1 rate, got %d", len(e.Rates))
	}
	if r, ok := e.Rates[0].Rate(); !ok || r != 1234.50 {
		t.Errorf("expected currency-decorated price parsed to 1234.50, got %v", e.Rates[0])
	}
	if e.Rates[0].BillingClass != "csv_import" || e.Rates[0].NegotiatedType != "csv_import" {
		t.Errorf("expected csv_import origin markers, got %+v", e.Rates[0])
	}
}

func TestReadCSV_BOMAndRaggedRows(t *testing.T) {
	data := "\xEF\xBB\xBFprocedure,price\n99213,100\n99214\n,50\n99215,junk\n"
	entries, err := ReadCSV(strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	// 99214 is ragged (no price column), the empty-code row is skipped, and the
	// junk price parses to 0.0 rather than dropping the row.
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), entries)
	}
	if r, _ := entries["99215"].Rates[0].Rate(); r != 0.0 {
		t.Errorf("expected junk price to parse as 0.0, got %f", r)
	}
}

func TestReadCSV_NoDetectableColumns(t *testing.T) {
	data := "foo,bar\n1,2\n"
	if _, err := ReadCSV(strings.NewReader(data)); !errors.Is(err, ErrNoColumns) {
		t.Errorf("expected ErrNoColumns, got %v", err)
	}
}

func TestReadCSV_EmptyInput(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("")); err == nil {
		t.Error("expected error for missing header row")
	}
}

func TestDetectColumns(t *testing.T) {
	cols, ok := detectColumns([]string{"Procedure Description", "Procedure Code", "Allowance"})
	if !ok {
		t.Fatal("expected columns detected")
	}
	// "Procedure Description" must be the description column, not the code.
	if cols.code != 1 || cols.price != 2 || cols.desc != 0 {
		t.Errorf("unexpected columns: %+v", cols)
	}

	if _, ok := detectColumns([]string{"cpt", "description"}); ok {
		t.Error("expected detection to fail without a price column")
	}
}

func TestParsePrice(t *testing.T) {
	cases := map[string]float64{
		"$1,234.56": 1234.56,
		"  99.9 ":   99.9,
		"0":         0,
		"N/A":       0,
		"":          0,
	}
	for in, want := range cases {
		if got := parsePrice(in); got != want {
			t.Errorf("parsePrice(%q) = %f, want %f", in, got, want)
		}
	}
}
