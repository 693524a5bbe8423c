package koda

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jamespfennell/koda/table"
)

// idColumn is the entity ID column. KoDa entity IDs are numeric.
const idColumn = "id"

// isIntegerColumn reports whether the column must be cast to a 64-bit integer: the
// entity ID and every column holding a POSIX time. The protobuf JSON encoding writes
// 64-bit integers as strings, which is how these columns arrive.
func isIntegerColumn(column string) bool {
	if column == idColumn || strings.Contains(column, "timestamp") {
		return true
	}
	segments := strings.FieldsFunc(column, func(r rune) bool { return r == '_' || r == '.' })
	if len(segments) == 0 {
		return false
	}
	switch last := segments[len(segments)-1]; last {
	case "time":
		return true
	case "start", "end":
		return len(segments) > 1 && segments[len(segments)-2] == "activePeriod"
	}
	return false
}

// castIntegerColumns casts the integer columns of the table in place. Empty cells stay
// empty.
func castIntegerColumns(t *table.Table) error {
	for _, column := range t.Columns() {
		if !isIntegerColumn(column) {
			continue
		}
		for i := 0; i < t.NumRows(); i++ {
			v := t.Get(i, column)
			if v == nil {
				continue
			}
			n, err := toInt64(v)
			if err != nil {
				return &SchemaViolationError{Column: column, Value: v, Err: err}
			}
			t.Set(i, column, n)
		}
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case json.Number:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	}
	return 0, fmt.Errorf("cannot cast %T to int64", v)
}

// normalizeSeparators renames columns containing a dot to use underscores only.
func normalizeSeparators(t *table.Table) error {
	renames := map[string]string{}
	for _, column := range t.Columns() {
		if strings.Contains(column, ".") {
			renames[column] = strings.ReplaceAll(column, ".", "_")
		}
	}
	if len(renames) == 0 {
		return nil
	}
	return renameColumns(t, renames)
}
