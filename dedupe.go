package koda

import (
	"github.com/jamespfennell/koda/table"
)

// volatileColumns are excluded when comparing rows for duplicates. The same stop time
// update appears in many snapshots of an hour with only these fields refreshed.
var volatileColumns = map[string]bool{
	"timestamp":             true,
	"index":                 true,
	"arrival_time":          true,
	"arrival_delay":         true,
	"arrival_uncertainty":   true,
	"departure_time":        true,
	"departure_delay":       true,
	"departure_uncertainty": true,
}

// Deduplicate removes rows that are equal in every non-volatile column, keeping the
// last occurrence. Surviving rows keep their relative order.
func Deduplicate(t *table.Table) {
	var identity []string
	for _, c := range t.Columns() {
		if !volatileColumns[c] {
			identity = append(identity, c)
		}
	}
	positions := t.Positions(identity)
	last := map[string]int{}
	keys := make([]string, t.NumRows())
	for i := 0; i < t.NumRows(); i++ {
		keys[i] = t.Key(i, positions)
		last[keys[i]] = i
	}
	t.Filter(func(i int) bool {
		return last[keys[i]] == i
	})
}
