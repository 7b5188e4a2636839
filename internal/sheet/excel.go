package sheet

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/gyeh/cpt-compare/internal/mrf"
)

// LoadExcel reads CPT pricing from a workbook. Sheets are tried in order;
// the first one with recognizable code and price columns wins, and sheets
// that fail to read are skipped rather than failing the workbook.
func LoadExcel(path string) (map[string]*mrf.CPTEntry, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer wb.Close()

	for _, sheetName := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheetName)
		if err != nil || len(rows) == 0 {
			continue
		}
		cols, ok := detectColumns(rows[0])
		if !ok {
			continue
		}

		entries := map[string]*mrf.CPTEntry{}
		for _, row := range rows[1:] {
			if len(row) <= cols.code || len(row) <= cols.price {
				continue
			}
			code := strings.TrimSpace(row[cols.code])
			if code == "" || strings.EqualFold(code, "nan") {
				continue
			}
			description := ""
			if cols.desc >= 0 && len(row) > cols.desc {
				description = strings.TrimSpace(row[cols.desc])
			}
			entries[code] = entryFor(description, "excel_import", parsePrice(row[cols.price]))
		}
		return entries, nil
	}

	return nil, fmt.Errorf("%w in any sheet; expected headers like CPT/Code and Price/Rate", ErrNoColumns)
}
