package output

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/gyeh/cpt-compare/internal/compare"
	"github.com/gyeh/cpt-compare/internal/rates"
)

func TestWriteComparisonCSV(t *testing.T) {
	report := &compare.Report{
		Source1:     "plan_a",
		Source2:     "plan_b",
		CompareRule: rates.RuleMax,
		HigherInSource1: []compare.Item{{
			Code:               "99213",
			Source1Description: "Office visit",
			Source2Description: "Office visit",
			DescriptionsMatch:  true,
			Source1Rate:        150,
			Source2Rate:        120,
			Difference:         30,
			PercentDifference:  20,
		}},
		OnlyInSource2: []compare.OnlyItem{{
			Code: "70450", Description: "CT head", Rate: 500,
		}},
	}

	path := filepath.Join(t.TempDir(), "out.csv")
	if err := WriteComparisonCSV(path, report); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[1][0] != "higher_in_source1" || rows[1][1] != "99213" || rows[1][9] != "30" {
		t.Errorf("unexpected matched row: %v", rows[1])
	}
	only := rows[2]
	if only[0] != "only_in_source2" || only[1] != "70450" {
		t.Errorf("unexpected only-in row: %v", only)
	}
	// The single rate lands in the source2 column; source1 stays empty.
	if only[7] != "" || only[8] != "500" {
		t.Errorf("only-in rate in wrong column: %v", only)
	}
}

func TestWriteJSON_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSON(path, map[string]int{"total_compared": 3}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\n  \"total_compared\": 3\n}" {
		t.Errorf("unexpected JSON output: %s", data)
	}
}
