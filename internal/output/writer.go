// Package output renders comparison results to JSON and CSV.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gyeh/cpt-compare/internal/compare"
)

// WriteJSON writes any result payload as indented JSON to outputPath, or to
// stdout when the path is "-".
func WriteJSON(outputPath string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}

	if outputPath == "-" {
		_, err = os.Stdout.Write(data)
		fmt.Fprintln(os.Stdout)
		return err
	}

	return os.WriteFile(outputPath, data, 0o644)
}

var csvHeader = []string{
	"bucket", "code", "billing_class", "modifiers",
	"source1_description", "source2_description", "descriptions_match",
	"source1_rate", "source2_rate", "difference", "percent_difference",
}

// WriteComparisonCSV flattens a batch report into one row per compared key.
// Only-in rows carry their single rate in the matching source column.
func WriteComparisonCSV(outputPath string, report *compare.Report) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outputPath, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}

	writeItems := func(bucket compare.Bucket, items []compare.Item) error {
		for _, it := range items {
			row := []string{
				string(bucket), it.Code, it.BillingClass, strings.Join(it.Modifiers, "|"),
				it.Source1Description, it.Source2Description, strconv.FormatBool(it.DescriptionsMatch),
				formatRate(it.Source1Rate), formatRate(it.Source2Rate),
				formatRate(it.Difference), formatRate(it.PercentDifference),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	}
	writeOnly := func(bucket string, items []compare.OnlyItem, source1Side bool) error {
		for _, it := range items {
			row := []string{
				bucket, it.Code, it.BillingClass, strings.Join(it.Modifiers, "|"),
				it.Description, "", "", "", "", "", "",
			}
			if source1Side {
				row[7] = formatRate(it.Rate)
			} else {
				row[8] = formatRate(it.Rate)
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeItems(compare.BucketHigherInSource1, report.HigherInSource1); err != nil {
		return err
	}
	if err := writeItems(compare.BucketHigherInSource2, report.HigherInSource2); err != nil {
		return err
	}
	if err := writeItems(compare.BucketEqual, report.Equal); err != nil {
		return err
	}
	if err := writeOnly("only_in_source1", report.OnlyInSource1, true); err != nil {
		return err
	}
	if err := writeOnly("only_in_source2", report.OnlyInSource2, false); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
