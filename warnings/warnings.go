// Package warnings contains the non-fatal conditions reported while decoding a cache unit.
package warnings

import (
	"fmt"
)

// SchemaDrift is reported when a column still holds nested structure after the unpacker
// has exploded every list-of-records and record column it recognises. This usually means
// the feed gained a field with a shape the unpacker doesn't anticipate. The column is
// left as it is.
type SchemaDrift struct {
	Column string
	// Example of a value in the column, as it was decoded.
	Sample any
}

func (w SchemaDrift) Error() string {
	return fmt.Sprintf("column %q still contains nested values after unpacking (e.g. %v)", w.Column, w.Sample)
}
