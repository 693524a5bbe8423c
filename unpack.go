package koda

import (
	"sort"

	"github.com/jamespfennell/koda/table"
	"github.com/jamespfennell/koda/warnings"
)

// Unpack explodes every column that holds objects or lists of objects until no such
// column remains.
//
// A list-of-objects column c is replaced by one column c_f per field f of the objects,
// and the row is repeated once per list element. Rows in which the list is empty or
// absent are dropped. An object column is replaced in the same way without repeating
// rows. Nested objects inside list elements are joined with a dot, e.g.
// tripUpdate_stopTimeUpdate_arrival.delay; the new columns are checked again, so lists
// nested at any depth are exploded.
//
// Columns that still contain nested values afterwards (for example, lists mixing objects
// and scalars) are left in place and reported as warnings.
func Unpack(t *table.Table) (*table.Table, []warnings.SchemaDrift) {
	for {
		column, kind := nextStructuredColumn(t)
		if kind == notStructured {
			break
		}
		t = explode(t, column, kind == listOfObjects)
	}
	var drift []warnings.SchemaDrift
	for _, column := range t.Columns() {
		for _, v := range t.Column(column) {
			if isNested(v) {
				drift = append(drift, warnings.SchemaDrift{Column: column, Sample: v})
				break
			}
		}
	}
	return t, drift
}

type columnKind int

const (
	notStructured columnKind = iota
	listOfObjects
	object
)

func nextStructuredColumn(t *table.Table) (string, columnKind) {
	for _, column := range t.Columns() {
		if kind := classify(t.Column(column)); kind != notStructured {
			return column, kind
		}
	}
	return "", notStructured
}

// classify returns the kind of the column. A column is a list-of-objects column if every
// non-empty cell is a list of objects, including the empty list; it is an object column
// if every non-empty cell is an object.
func classify(values []any) columnKind {
	kind := notStructured
	for _, v := range values {
		switch v := v.(type) {
		case nil:
			continue
		case map[string]any:
			if kind == listOfObjects {
				return notStructured
			}
			kind = object
		case []any:
			if kind == object {
				return notStructured
			}
			kind = listOfObjects
			for _, elem := range v {
				if _, ok := elem.(map[string]any); !ok {
					return notStructured
				}
			}
		default:
			return notStructured
		}
	}
	return kind
}

func explode(t *table.Table, column string, replicate bool) *table.Table {
	type rowPart struct {
		parent int
		fields map[string]any
	}
	var parts []rowPart
	childColumns := map[string]bool{}
	addPart := func(parent int, elem map[string]any) {
		fields := dotNested(column, elem)
		for k := range fields {
			childColumns[k] = true
		}
		parts = append(parts, rowPart{parent: parent, fields: fields})
	}
	for i := 0; i < t.NumRows(); i++ {
		switch v := t.Get(i, column).(type) {
		case []any:
			for _, elem := range v {
				addPart(i, elem.(map[string]any))
			}
		case map[string]any:
			addPart(i, v)
		default:
			if !replicate {
				parts = append(parts, rowPart{parent: i})
			}
		}
	}

	var columns []string
	for _, c := range t.Columns() {
		if c != column {
			columns = append(columns, c)
		}
	}
	parentColumns := len(columns)
	var newColumns []string
	for c := range childColumns {
		newColumns = append(newColumns, c)
	}
	sort.Strings(newColumns)
	columns = append(columns, newColumns...)

	result := table.New(columns...)
	positions := t.Positions(columns[:parentColumns])
	for _, part := range parts {
		row := make([]any, len(columns))
		parentRow := t.Row(part.parent)
		for j, p := range positions {
			row[j] = parentRow[p]
		}
		for j, c := range newColumns {
			row[parentColumns+j] = part.fields[c]
		}
		result.AppendRow(row)
	}
	return result
}

// dotNested flattens a list element or object cell into columns prefixed by the column
// it came from. Only the first level is joined with an underscore; deeper levels keep
// the dot until the column names are normalized.
func dotNested(column string, elem map[string]any) map[string]any {
	inner := map[string]any{}
	flatten(inner, "", elem, ".")
	fields := make(map[string]any, len(inner))
	for k, v := range inner {
		fields[column+"_"+k] = v
	}
	return fields
}

func isNested(v any) bool {
	switch v := v.(type) {
	case map[string]any:
		return true
	case []any:
		for _, elem := range v {
			switch elem.(type) {
			case map[string]any, []any:
				return true
			}
		}
	}
	return false
}
