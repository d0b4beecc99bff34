package reader

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"geoimport/internal/model"
)

// readXLSXBatch reads a row window from one sheet of a spreadsheet using the
// excelize streaming row iterator, so memory stays bounded regardless of file
// size.
func (r *Reader) readXLSXBatch(ctx context.Context, path string, opts BatchOptions) ([]Row, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if opts.Sheet < 0 || opts.Sheet >= len(sheets) {
		return nil, fmt.Errorf("sheet index %d out of range (%d sheets)", opts.Sheet, len(sheets))
	}

	it, err := wb.Rows(sheets[opts.Sheet])
	if err != nil {
		return nil, fmt.Errorf("rows %s: %w", sheets[opts.Sheet], err)
	}
	defer it.Close()

	var headers []string
	rows := make([]Row, 0, opts.Limit)
	n := 0
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := it.Columns()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if headers == nil {
			if emptyRecord(rec) {
				continue
			}
			headers = CanonicalHeaders(rec)
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
		if len(rows) >= opts.Limit {
			break
		}
	}
	return rows, nil
}

// xlsxSheets enumerates the workbook's sheets with their data row and column
// counts (header excluded).
func (r *Reader) xlsxSheets(ctx context.Context, path string) ([]model.SheetMeta, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer wb.Close()

	var metas []model.SheetMeta
	for idx, name := range wb.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it, err := wb.Rows(name)
		if err != nil {
			return nil, fmt.Errorf("rows %s: %w", name, err)
		}
		rows, cols := 0, 0
		sawHeader := false
		for it.Next() {
			rec, err := it.Columns()
			if err != nil {
				it.Close()
				return nil, fmt.Errorf("read row: %w", err)
			}
			if !sawHeader {
				if emptyRecord(rec) {
					continue
				}
				sawHeader = true
				cols = len(rec)
				continue
			}
			rows++
		}
		it.Close()
		metas = append(metas, model.SheetMeta{Index: idx, Name: name, Rows: rows, Columns: cols})
	}
	return metas, nil
}

func emptyRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
