// Package records implements the record store: a single-sheet xlsx workbook
// with one row per submitted questionnaire and an auto-incremented ID column.
//
// Appends are read-modify-write of the whole workbook under the store's
// advisory lock. The rewrite goes to a temp file that is renamed over the
// target, so a failed append never leaves a truncated table behind.
package records

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/filelock"
	"github.com/tbourn/biobank-intake/internal/fsutil"
)

// DefaultSheet names the sheet of a workbook created from scratch.
const DefaultSheet = "Sheet1"

// Store is the record table stored at Path.
type Store struct {
	path string
	lock *filelock.Lock
}

// New returns a store at path guarded by lock. A nil lock defaults to
// "<path>.lock" with a 10s budget.
func New(path string, lock *filelock.Lock) *Store {
	if lock == nil {
		lock = filelock.New(path+".lock", 10*time.Second)
	}
	return &Store{path: path, lock: lock}
}

// Path returns the local workbook file.
func (s *Store) Path() string { return s.path }

// Lock returns the advisory lock guarding the workbook.
func (s *Store) Lock() *filelock.Lock { return s.lock }

// Append adds rec as a new row and returns the ID assigned to it.
//
// The record must carry a non-empty sample identifier; any ID it carries is
// replaced. When the table has no ID column the existing rows are numbered
// 1..N first. The new ID is max(ID)+1, or 1 for an empty table.
//
// Errors: domain.ErrValidation (checked before locking), domain.ErrLockTimeout,
// domain.ErrStorage.
func (s *Store) Append(ctx context.Context, rec domain.ResponseRecord) (int, error) {
	id, _, err := s.appendRecord(ctx, rec, false)
	return id, err
}

// AppendOnce is Append for a sample identifier that must occupy at most one
// row. When the table already holds a row with rec's sample identifier its ID
// is returned with existed set and the workbook is left untouched.
func (s *Store) AppendOnce(ctx context.Context, rec domain.ResponseRecord) (id int, existed bool, err error) {
	return s.appendRecord(ctx, rec, true)
}

func (s *Store) appendRecord(ctx context.Context, rec domain.ResponseRecord, once bool) (int, bool, error) {
	sid, ok := rec.SampleID()
	if !ok {
		return 0, false, fmt.Errorf("%w: record has no %q", domain.ErrValidation, domain.FieldSampleID)
	}
	rec = rec.Clone()
	rec.Delete(domain.FieldID)

	var (
		newID   int
		existed bool
	)
	err := s.lock.With(ctx, func() error {
		t, exists, err := s.ReadAll()
		if err != nil {
			return err
		}
		if !exists {
			t = &Table{Sheet: DefaultSheet}
		}
		if once && exists {
			if id, found, err := t.idOf(sid.String()); err != nil || found {
				newID, existed = id, found
				return err
			}
		}
		if len(t.Columns) > 0 {
			t.ensureID()
		}
		maxID, err := t.MaxID()
		if err != nil {
			return err
		}
		newID = maxID + 1

		row, err := t.appendRecord(rec)
		if err != nil {
			return err
		}
		if idx := t.ColumnIndex(domain.FieldID); idx >= 0 {
			row[idx] = int64(newID)
		} else {
			t.addColumn(domain.FieldID)
			t.Rows[len(t.Rows)-1][len(t.Columns)-1] = int64(newID)
		}
		return s.write(t)
	})
	if err != nil {
		return 0, false, err
	}

	if existed {
		log.Warn().
			Str("store", s.path).
			Int("record_id", newID).
			Str("sample_id", sid.String()).
			Msg("record already present; append skipped")
		return newID, true, nil
	}
	log.Info().
		Str("store", s.path).
		Int("record_id", newID).
		Str("sample_id", sid.String()).
		Msg("record appended")
	return newID, false, nil
}

// ReadAll loads the whole table. exists is false, with a nil error, when no
// workbook is present. Fully empty rows are skipped.
func (s *Store) ReadAll() (*Table, bool, error) {
	ok, err := fsutil.Exists(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	if !ok {
		return nil, false, nil
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open workbook %s: %w", domain.ErrStorage, s.path, err)
	}
	defer f.Close()
	t, err := readTable(f)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read workbook %s: %w", domain.ErrStorage, s.path, err)
	}
	return t, true, nil
}

// Replace swaps the workbook for content after checking that it parses. It
// runs under the store lock.
func (s *Store) Replace(ctx context.Context, content []byte) error {
	if _, err := Parse(bytes.NewReader(content)); err != nil {
		return err
	}
	return s.lock.With(ctx, func() error {
		if _, err := fsutil.CopyFileAtomic(s.path, bytes.NewReader(content)); err != nil {
			return fmt.Errorf("%w: replace workbook %s: %w", domain.ErrStorage, s.path, err)
		}
		log.Info().Str("store", s.path).Int("bytes", len(content)).Msg("record table replaced")
		return nil
	})
}

// Parse reads a workbook from r. A workbook that cannot be opened is a
// validation error since it came from outside.
func Parse(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not an xlsx workbook: %w", domain.ErrValidation, err)
	}
	defer f.Close()
	t, err := readTable(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return t, nil
}

func (s *Store) write(t *Table) error {
	err := fsutil.WriteAtomic(s.path, func(w io.Writer) error {
		f, err := buildWorkbook(t)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Write(w)
	})
	if err != nil {
		return fmt.Errorf("%w: write workbook %s: %w", domain.ErrStorage, s.path, err)
	}
	return nil
}

func readTable(f *excelize.File) (*Table, error) {
	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.New("workbook has no sheets")
	}
	raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, err
	}

	t := &Table{Sheet: sheet}
	if len(raw) == 0 {
		return t, nil
	}
	for i, h := range raw[0] {
		t.Columns = append(t.Columns, headerName(h, i))
	}
	for r := 1; r < len(raw); r++ {
		cells := raw[r]
		if blankRow(cells) {
			continue
		}
		for len(t.Columns) < len(cells) {
			t.Columns = append(t.Columns, headerName("", len(t.Columns)))
		}
		row := make([]any, len(t.Columns))
		for c, text := range cells {
			v, err := cellValue(f, sheet, c, r, text)
			if err != nil {
				return nil, err
			}
			row[c] = v
		}
		t.Rows = append(t.Rows, row)
	}
	t.pad()
	return t, nil
}

func buildWorkbook(t *Table) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := t.Sheet
	if sheet == "" {
		sheet = DefaultSheet
	}
	if sheet != DefaultSheet {
		if err := f.SetSheetName(DefaultSheet, sheet); err != nil {
			f.Close()
			return nil, err
		}
	}

	header := make([]interface{}, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		f.Close()
		return nil, err
	}
	for r, row := range t.Rows {
		for c, v := range row {
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				f.Close()
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return f, nil
}

// cellValue restores the Go type of a raw cell: booleans and numbers come back
// as bool, int64 or float64, everything else as string.
func cellValue(f *excelize.File, sheet string, col, row int, text string) (any, error) {
	if text == "" {
		return nil, nil
	}
	name, err := excelize.CoordinatesToCellName(col+1, row+1)
	if err != nil {
		return nil, err
	}
	typ, err := f.GetCellType(sheet, name)
	if err != nil {
		return nil, err
	}
	switch typ {
	case excelize.CellTypeBool:
		return text == "1" || strings.EqualFold(text, "true"), nil
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
		if x, err := strconv.ParseFloat(text, 64); err == nil {
			return x, nil
		}
	}
	return text, nil
}

// headerName mirrors the "Unnamed: i" label spreadsheet tools give blank
// header cells.
func headerName(h string, i int) string {
	h = domain.CanonicalFieldName(h)
	if h == "" {
		return "Unnamed: " + strconv.Itoa(i)
	}
	return h
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
