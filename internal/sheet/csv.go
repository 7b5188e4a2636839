package sheet

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gyeh/cpt-compare/internal/mrf"
)

// LoadCSV reads a CPT pricing CSV row by row. The file is never held in
// memory whole; only the resulting entry map is.
func LoadCSV(path string) (map[string]*mrf.CPTEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses CSV pricing data from r. A UTF-8 BOM, ragged rows, and junk
// price cells are all tolerated; a missing header row or undetectable
// columns are not.
func ReadCSV(r io.Reader) (map[string]*mrf.CPTEntry, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1 // sheets are frequently ragged

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("CSV file is missing a header row: %w", err)
	}
	cols, ok := detectColumns(headers)
	if !ok {
		return nil, fmt.Errorf("%w in CSV header %v", ErrNoColumns, headers)
	}

	entries := map[string]*mrf.CPTEntry{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		if len(row) <= cols.code || len(row) <= cols.price {
			continue
		}
		code := strings.TrimSpace(row[cols.code])
		if code == "" {
			continue
		}

		description := ""
		if cols.desc >= 0 && len(row) > cols.desc {
			description = strings.TrimSpace(row[cols.desc])
		}
		entries[code] = entryFor(description, "csv_import", parsePrice(row[cols.price]))
	}
	return entries, nil
}
