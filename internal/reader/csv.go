package reader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"geoimport/internal/model"
)

const utf8BOM = "\uFEFF"

// readCSVBatch streams the file up to the requested window. Per the batch
// reader contract it skips StartRow data rows and returns at most Limit rows;
// malformed lines inside the window are skipped rather than failing the batch.
func (r *Reader) readCSVBatch(ctx context.Context, path string, opts BatchOptions) ([]Row, error) {
	f, err := openSequential(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := r.newCSVReader(f, opts.Comma)

	headers, err := readHeader(cr)
	if err == io.EOF {
		return []Row{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	rows := make([]Row, 0, opts.Limit)
	n := 0 // data rows seen so far
	for len(rows) < opts.Limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Soft skip: a malformed line still advances the row counter so
			// row numbers stay stable across batches.
			n++
			continue
		}
		n++
		if n <= opts.StartRow {
			continue
		}
		rec = fitRowToWidth(rec, len(headers))
		values := make(map[string]string, len(headers))
		for i, h := range headers {
			values[h] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, Row{Number: n, Values: values})
	}
	return rows, nil
}

// csvSheets returns a single pseudo-sheet with the row/column counts of the
// CSV file. The whole file is scanned once; callers cache the result on the
// ImportFile entity.
func (r *Reader) csvSheets(ctx context.Context, path string) ([]model.SheetMeta, error) {
	f, err := openSequential(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := r.newCSVReader(f, 0)

	headers, err := readHeader(cr)
	if err == io.EOF {
		return []model.SheetMeta{{Index: 0, Name: sheetName(path), Rows: 0, Columns: 0}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rows++ // malformed lines still occupy a row number
			continue
		}
		rows++
	}
	return []model.SheetMeta{{
		Index:   0,
		Name:    sheetName(path),
		Rows:    rows,
		Columns: len(headers),
	}}, nil
}

func (r *Reader) newCSVReader(src io.Reader, comma rune) *csv.Reader {
	cr := csv.NewReader(src)
	cr.Comma = r.Comma
	if comma != 0 {
		cr.Comma = comma
	}
	if cr.Comma == 0 {
		cr.Comma = ','
	}
	cr.FieldsPerRecord = -1 // width is enforced after reading
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false
	return cr
}

// readHeader reads and canonicalizes the header row, skipping empty or
// malformed leading lines. Returns io.EOF when the file has no usable header.
func readHeader(cr *csv.Reader) ([]string, error) {
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil || len(rec) == 0 {
			continue
		}
		if len(rec) > 0 && strings.HasPrefix(rec[0], utf8BOM) {
			rec[0] = strings.TrimPrefix(rec[0], utf8BOM)
		}
		return CanonicalHeaders(rec), nil
	}
}

// fitRowToWidth truncates or pads a record to exactly n fields so downstream
// consumers can rely on stable column indexes.
func fitRowToWidth(row []string, n int) []string {
	if len(row) == n {
		return row
	}
	if len(row) > n {
		return row[:n]
	}
	cp := make([]string, n)
	copy(cp, row)
	return cp
}

func sheetName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
