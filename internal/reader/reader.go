// Package reader implements the batch file reader used by every pipeline
// stage that scans source data. It returns bounded windows of rows from CSV
// and spreadsheet (xlsx) files so stages can process files far larger than
// memory one batch at a time.
package reader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"geoimport/internal/model"
)

// Row is one data row of a source file. Number is the 1-based position of the
// row among data rows; the header row does not count.
type Row struct {
	Number int
	Values map[string]string
}

// BatchOptions selects the window of rows to read.
type BatchOptions struct {
	Sheet    int // sheet index for spreadsheets; ignored for CSV
	StartRow int // 0-based offset into the data rows
	Limit    int // maximum rows to return; must be > 0
	Comma    rune
}

// Reader reads bounded row batches from local source files.
type Reader struct {
	// Comma is the default CSV delimiter when BatchOptions does not set one.
	Comma rune
}

// New returns a Reader with comma as the default CSV delimiter.
func New() *Reader { return &Reader{Comma: ','} }

// ReadBatch returns up to opts.Limit rows starting at opts.StartRow. An empty
// slice means the source is exhausted.
func (r *Reader) ReadBatch(ctx context.Context, path string, opts BatchOptions) ([]Row, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("reader: limit must be > 0")
	}
	if opts.StartRow < 0 {
		return nil, fmt.Errorf("reader: start row must be >= 0")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isSpreadsheet(path) {
		return r.readXLSXBatch(ctx, path, opts)
	}
	return r.readCSVBatch(ctx, path, opts)
}

// Sheets returns the sheet metadata of the file: one entry per spreadsheet
// sheet, or a single pseudo-sheet for CSV. Row counts exclude the header.
func (r *Reader) Sheets(ctx context.Context, path string) ([]model.SheetMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isSpreadsheet(path) {
		return r.xlsxSheets(ctx, path)
	}
	return r.csvSheets(ctx, path)
}

func isSpreadsheet(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return true
	}
	return false
}

// openSequential opens path for reading and advises the kernel that access
// will be sequential, which helps the repeated whole-file scans the batch
// stages perform on large files.
func openSequential(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	return f, nil
}
