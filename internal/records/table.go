package records

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/biobank-intake/internal/domain"
)

// Table is an in-memory snapshot of the record spreadsheet: one header row
// and one slice of cell values per response. Every row has len(Columns) cells;
// an empty cell is nil.
type Table struct {
	Sheet   string
	Columns []string
	Rows    [][]any
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of column name, or -1.
func (t *Table) ColumnIndex(name string) int {
	name = domain.CanonicalFieldName(name)
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Record returns row i as a ResponseRecord in column order, skipping empty
// cells.
func (t *Table) Record(i int) domain.ResponseRecord {
	var rec domain.ResponseRecord
	for c, v := range t.Rows[i] {
		if v == nil {
			continue
		}
		rec.Set(t.Columns[c], v)
	}
	return rec
}

// Page returns a shallow copy of the table holding at most limit rows
// starting at offset.
func (t *Table) Page(offset, limit int) *Table {
	out := &Table{Sheet: t.Sheet, Columns: append([]string(nil), t.Columns...)}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(t.Rows) || limit <= 0 {
		out.Rows = [][]any{}
		return out
	}
	end := offset + limit
	if end > len(t.Rows) {
		end = len(t.Rows)
	}
	out.Rows = t.Rows[offset:end]
	return out
}

// Filter returns a copy holding the rows whose cell in column prints as
// value.
func (t *Table) Filter(column, value string) *Table {
	out := &Table{Sheet: t.Sheet, Columns: append([]string(nil), t.Columns...), Rows: [][]any{}}
	idx := t.ColumnIndex(column)
	if idx < 0 {
		return out
	}
	for _, row := range t.Rows {
		if row[idx] != nil && fmt.Sprint(row[idx]) == value {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// MaxID returns the largest value in the ID column, or 0 when the column is
// missing or empty.
func (t *Table) MaxID() (int, error) {
	idx := t.ColumnIndex(domain.FieldID)
	if idx < 0 {
		return 0, nil
	}
	maxID := 0
	for r, row := range t.Rows {
		id, ok, err := asInt(row[idx])
		if err != nil {
			return 0, fmt.Errorf("%w: row %d: %w", domain.ErrStorage, r+2, err)
		}
		if ok && id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

// idOf returns the ID of the first row whose sample identifier is sid. A
// matching row without an ID yields its 1-based position, which is the ID
// ensureID would give it.
func (t *Table) idOf(sid string) (int, bool, error) {
	col := t.ColumnIndex(domain.FieldSampleID)
	if col < 0 {
		return 0, false, nil
	}
	idCol := t.ColumnIndex(domain.FieldID)
	for r, row := range t.Rows {
		if row[col] == nil || fmt.Sprint(row[col]) != sid {
			continue
		}
		if idCol < 0 {
			return r + 1, true, nil
		}
		id, ok, err := asInt(row[idCol])
		if err != nil {
			return 0, false, fmt.Errorf("%w: row %d: %w", domain.ErrStorage, r+2, err)
		}
		if !ok {
			return r + 1, true, nil
		}
		return id, true, nil
	}
	return 0, false, nil
}

// ensureID adds an ID column filled with 1..N when the table has none.
func (t *Table) ensureID() int {
	if idx := t.ColumnIndex(domain.FieldID); idx >= 0 {
		return idx
	}
	idx := t.addColumn(domain.FieldID)
	for i := range t.Rows {
		t.Rows[i][idx] = int64(i + 1)
	}
	return idx
}

func (t *Table) addColumn(name string) int {
	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], nil)
	}
	return len(t.Columns) - 1
}

// appendRecord adds rec as a new row. Unknown fields become new columns after
// the existing ones, in record order.
func (t *Table) appendRecord(rec domain.ResponseRecord) ([]any, error) {
	fields := rec.Fields()
	for _, f := range fields {
		if t.ColumnIndex(f.Name) < 0 {
			t.addColumn(f.Name)
		}
	}
	row := make([]any, len(t.Columns))
	for _, f := range fields {
		v, err := cellFor(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %w", domain.ErrValidation, f.Name, err)
		}
		row[t.ColumnIndex(f.Name)] = v
	}
	t.Rows = append(t.Rows, row)
	return row, nil
}

// pad makes every row exactly len(Columns) wide.
func (t *Table) pad() {
	for i, row := range t.Rows {
		if len(row) < len(t.Columns) {
			t.Rows[i] = append(row, make([]any, len(t.Columns)-len(row))...)
		}
	}
}

// cellFor converts a response value into something excelize writes with the
// right cell type. Nested answers are stored as JSON text.
func cellFor(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		if f, err := x.Float64(); err == nil {
			return f, nil
		}
		return x.String(), nil
	case domain.SampleIdentifier:
		return x.String(), nil
	case string, bool, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

func asInt(v any) (int, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case int:
		return x, true, nil
	case int64:
		return int(x), true, nil
	case float64:
		if x != float64(int64(x)) {
			return 0, false, fmt.Errorf("non-integer ID %v", x)
		}
		return int(x), true, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil || f != float64(int64(f)) {
				return 0, false, fmt.Errorf("non-numeric ID %q", x)
			}
			n = int(f)
		}
		return n, true, nil
	}
	return 0, false, fmt.Errorf("unsupported ID value %T", v)
}
