package gateway

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const summaryPreviewRows = 3

// summarizeCSV renders a short description of an uploaded table for the
// retrieval index: its columns, row count and the first rows.
func summarizeCSV(name, data string) (string, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", errors.New("empty dataset")
		}
		return "", err
	}
	var preview [][]string
	rows := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if rows < summaryPreviewRows {
			preview = append(preview, rec)
		}
		rows++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dataset %s has %d rows and %d columns: %s.\n", name, rows, len(header), strings.Join(header, ", "))
	for _, rec := range preview {
		fmt.Fprintf(&b, "Row: %s\n", strings.Join(rec, ", "))
	}
	return b.String(), nil
}
