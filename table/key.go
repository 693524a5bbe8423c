package table

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Key returns an encoding of the cells of the row in the provided column positions.
// Two rows have the same key if and only if their cells in those columns are Equal.
func (t *Table) Key(row int, positions []int) string {
	var e encoder
	for _, p := range positions {
		e.value(t.rows[row][p])
	}
	return e.b.String()
}

// Positions returns the positions of the named columns. Unknown columns are skipped.
func (t *Table) Positions(columns []string) []int {
	var positions []int
	for _, c := range columns {
		if i, ok := t.index[c]; ok {
			positions = append(positions, i)
		}
	}
	return positions
}

// Equal reports whether two cell values are equal.
func Equal(a, b any) bool {
	var ea, eb encoder
	ea.value(a)
	eb.value(b)
	return bytes.Equal(ea.b.Bytes(), eb.b.Bytes())
}

const (
	tagNil byte = iota
	tagString
	tagBool
	tagNumber
	tagInt
	tagFloat
	tagList
	tagObject
)

type encoder struct {
	b bytes.Buffer
}

func (e *encoder) value(v any) {
	switch v := v.(type) {
	case nil:
		e.b.WriteByte(tagNil)
	case string:
		e.b.WriteByte(tagString)
		e.string(v)
	case bool:
		e.b.WriteByte(tagBool)
		e.number(v)
	case json.Number:
		e.b.WriteByte(tagNumber)
		e.string(string(v))
	case int64:
		e.b.WriteByte(tagInt)
		e.number(v)
	case float64:
		e.b.WriteByte(tagFloat)
		e.number(math.Float64bits(v))
	case []any:
		e.b.WriteByte(tagList)
		e.number(uint64(len(v)))
		for _, elem := range v {
			e.value(elem)
		}
	case map[string]any:
		e.b.WriteByte(tagObject)
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.number(uint64(len(keys)))
		for _, k := range keys {
			e.string(k)
			e.value(v[k])
		}
	default:
		e.b.WriteByte(tagString)
		e.string(fmt.Sprintf("%T(%v)", v, v))
	}
}

func (e *encoder) string(s string) {
	e.number(uint64(len(s)))
	e.b.WriteString(s)
}

func (e *encoder) number(a any) {
	if err := binary.Write(&e.b, binary.LittleEndian, a); err != nil {
		panic(fmt.Sprintf("failed to encode %T", a))
	}
}
