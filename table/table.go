// Package table contains a small column-labelled row store used to hold decoded
// GTFS realtime entities between the decode, unpack, normalize and persist steps.
package table

import (
	"fmt"
	"sort"
)

// Table is an ordered set of columns and a list of rows.
//
// A cell is nil when it is empty. Non-empty cells hold one of string, bool,
// json.Number, int64, float64, []any or map[string]any.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// New returns an empty table with the provided columns.
func New(columns ...string) *Table {
	t := &Table{index: map[string]int{}}
	for _, c := range columns {
		t.AddColumn(c)
	}
	return t
}

// FromRecords builds a table with one row per record. The columns are the union of
// the record keys, sorted.
func FromRecords(records []map[string]any) *Table {
	seen := map[string]bool{}
	var columns []string
	for _, record := range records {
		for k := range record {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	t := New(columns...)
	for _, record := range records {
		t.AppendRecord(record)
	}
	return t
}

// Columns returns the column names in order. The slice must not be modified.
func (t *Table) Columns() []string {
	return t.columns
}

func (t *Table) NumColumns() int {
	return len(t.columns)
}

func (t *Table) NumRows() int {
	return len(t.rows)
}

func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// AddColumn adds an empty column if it doesn't already exist and returns its position.
func (t *Table) AddColumn(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	for i := range t.rows {
		t.rows[i] = append(t.rows[i], nil)
	}
	return len(t.columns) - 1
}

// AppendRecord appends a row. Keys that are not columns of the table are added as columns.
func (t *Table) AppendRecord(record map[string]any) {
	for k := range record {
		if _, ok := t.index[k]; !ok {
			t.AddColumn(k)
		}
	}
	row := make([]any, len(t.columns))
	for k, v := range record {
		row[t.index[k]] = v
	}
	t.rows = append(t.rows, row)
}

// AppendRow appends a row whose values are aligned with Columns().
func (t *Table) AppendRow(values []any) {
	row := make([]any, len(t.columns))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Get returns the value of the cell, or nil if the column does not exist.
func (t *Table) Get(row int, column string) any {
	i, ok := t.index[column]
	if !ok {
		return nil
	}
	return t.rows[row][i]
}

// Set sets the value of the cell, adding the column if needed.
func (t *Table) Set(row int, column string, v any) {
	i := t.AddColumn(column)
	t.rows[row][i] = v
}

// Row returns the values of the row aligned with Columns(). The slice must not be modified.
func (t *Table) Row(i int) []any {
	return t.rows[i]
}

// Column returns a copy of the values in the column.
func (t *Table) Column(name string) []any {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	values := make([]any, len(t.rows))
	for r, row := range t.rows {
		values[r] = row[i]
	}
	return values
}

// Record returns the non-empty cells of the row keyed by column name.
func (t *Table) Record(i int) map[string]any {
	record := map[string]any{}
	for c, v := range t.rows[i] {
		if v != nil {
			record[t.columns[c]] = v
		}
	}
	return record
}

// Records returns Record(i) for every row.
func (t *Table) Records() []map[string]any {
	records := make([]map[string]any, len(t.rows))
	for i := range t.rows {
		records[i] = t.Record(i)
	}
	return records
}

// DropColumns removes the named columns. Names that are not columns are ignored.
func (t *Table) DropColumns(names ...string) {
	drop := map[int]bool{}
	for _, name := range names {
		if i, ok := t.index[name]; ok {
			drop[i] = true
		}
	}
	if len(drop) == 0 {
		return
	}
	t.keepColumns(func(i int) bool { return !drop[i] })
}

// DropEmptyColumns removes every column whose cells are all empty.
func (t *Table) DropEmptyColumns() {
	populated := make([]bool, len(t.columns))
	for _, row := range t.rows {
		for c, v := range row {
			if v != nil {
				populated[c] = true
			}
		}
	}
	t.keepColumns(func(i int) bool { return populated[i] })
}

// DropEmptyRows removes every row whose cells are all empty.
func (t *Table) DropEmptyRows() {
	t.Filter(func(i int) bool {
		for _, v := range t.rows[i] {
			if v != nil {
				return true
			}
		}
		return false
	})
}

// Filter keeps the rows for which keep returns true, preserving order.
func (t *Table) Filter(keep func(i int) bool) {
	var kept [][]any
	for i, row := range t.rows {
		if keep(i) {
			kept = append(kept, row)
		}
	}
	t.rows = kept
}

func (t *Table) keepColumns(keep func(i int) bool) {
	var columns []string
	var positions []int
	for i, c := range t.columns {
		if keep(i) {
			columns = append(columns, c)
			positions = append(positions, i)
		}
	}
	for r, row := range t.rows {
		newRow := make([]any, len(positions))
		for j, p := range positions {
			newRow[j] = row[p]
		}
		t.rows[r] = newRow
	}
	t.columns = columns
	t.reindex()
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.columns))
	for i, c := range t.columns {
		t.index[c] = i
	}
}

// ConflictError is returned by Rename when two source columns that are renamed to the
// same target hold different non-empty values in the same row.
type ConflictError struct {
	Target  string
	Columns [2]string
	Values  [2]any
	Row     int
}

func (err *ConflictError) Error() string {
	return fmt.Sprintf("columns %q and %q both map to %q but differ in row %d (%v != %v)",
		err.Columns[0], err.Columns[1], err.Target, err.Row, err.Values[0], err.Values[1])
}

// Rename renames columns using the provided mapping. Columns not in the mapping keep
// their name. When several columns end up with the same name their cells are coalesced
// row by row, in column order. Two different non-empty values in the same row result in
// a *ConflictError and the table is left unchanged.
func (t *Table) Rename(renames map[string]string) error {
	var targets []string
	sources := map[string][]int{}
	for i, c := range t.columns {
		target := c
		if r, ok := renames[c]; ok {
			target = r
		}
		if _, ok := sources[target]; !ok {
			targets = append(targets, target)
		}
		sources[target] = append(sources[target], i)
	}
	if len(targets) == len(t.columns) {
		changed := false
		for i, target := range targets {
			if target != t.columns[i] {
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
	newRows := make([][]any, len(t.rows))
	for r, row := range t.rows {
		newRow := make([]any, len(targets))
		for j, target := range targets {
			from := -1
			for _, s := range sources[target] {
				v := row[s]
				if v == nil {
					continue
				}
				if from < 0 {
					newRow[j], from = v, s
					continue
				}
				if !Equal(newRow[j], v) {
					return &ConflictError{
						Target:  target,
						Columns: [2]string{t.columns[from], t.columns[s]},
						Values:  [2]any{newRow[j], v},
						Row:     r,
					}
				}
			}
		}
		newRows[r] = newRow
	}
	t.columns = targets
	t.rows = newRows
	t.reindex()
	return nil
}

// Coalesce merges the named columns into the first of them that exists. Each row takes the
// first non-empty value in the order given; the other columns are dropped. Names that are
// not columns are ignored.
func (t *Table) Coalesce(columns ...string) {
	var positions []int
	for _, c := range columns {
		if i, ok := t.index[c]; ok {
			positions = append(positions, i)
		}
	}
	if len(positions) < 2 {
		return
	}
	for _, row := range t.rows {
		for _, p := range positions {
			if row[p] != nil {
				row[positions[0]] = row[p]
				break
			}
		}
	}
	var drop []string
	for _, p := range positions[1:] {
		drop = append(drop, t.columns[p])
	}
	t.DropColumns(drop...)
}

// Concat returns the row-wise union of the tables. The column set is the union of all
// columns in order of first appearance; cells missing from a table are empty.
func Concat(tables ...*Table) *Table {
	result := New()
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, c := range t.columns {
			result.AddColumn(c)
		}
	}
	for _, t := range tables {
		if t == nil {
			continue
		}
		positions := make([]int, len(t.columns))
		for i, c := range t.columns {
			positions[i] = result.index[c]
		}
		for _, row := range t.rows {
			newRow := make([]any, len(result.columns))
			for i, v := range row {
				newRow[positions[i]] = v
			}
			result.rows = append(result.rows, newRow)
		}
	}
	return result
}
