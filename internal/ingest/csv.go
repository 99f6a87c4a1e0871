// Package ingest turns broker CSV exports into orders or staged rows.
package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	apperrors "tradejournal/internal/errors"
)

// parseCSV parses csvBytes into a header row and data rows. Malformed input
// (unterminated quotes, inconsistent column counts) fails with a ParseError
// and nothing is persisted.
func parseCSV(csvBytes []byte, filename string) ([]string, [][]string, error) {
	reader := csv.NewReader(bytes.NewReader(csvBytes))
	reader.TrimLeadingSpace = true
	// FieldsPerRecord defaults to the first record's width, so inconsistent
	// column counts surface as csv.ErrFieldCount.

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, nil, apperrors.NewParseError(filename, 0, fmt.Errorf("file is empty"))
	}
	if err != nil {
		return nil, nil, wrapCSVError(filename, err)
	}

	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}
	if allEmpty(headers) {
		return nil, nil, apperrors.NewParseError(filename, 1, fmt.Errorf("header row is empty"))
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, wrapCSVError(filename, err)
		}
		if allEmpty(record) {
			continue
		}
		rows = append(rows, record)
	}

	if len(rows) == 0 {
		return nil, nil, apperrors.NewParseError(filename, 0, fmt.Errorf("no data rows"))
	}

	return headers, rows, nil
}

func wrapCSVError(filename string, err error) error {
	if parseErr, ok := err.(*csv.ParseError); ok {
		return apperrors.NewParseError(filename, parseErr.Line, parseErr.Err)
	}
	return apperrors.NewParseError(filename, 0, err)
}

func allEmpty(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// rowToMap zips a data row with its headers.
func rowToMap(headers, record []string) map[string]string {
	raw := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(record) {
			raw[h] = strings.TrimSpace(record[i])
		}
	}
	return raw
}

// sampleRows returns up to n data rows for mapping.
func sampleRows(rows [][]string, n int) [][]string {
	if n <= 0 || n > len(rows) {
		n = len(rows)
	}
	return rows[:n]
}
