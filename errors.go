package koda

import (
	"fmt"
)

// UpstreamError is returned when the provider answers with an error document instead
// of an archive.
type UpstreamError struct {
	Key        CacheKey
	StatusCode int
	Message    string
}

func (err *UpstreamError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("%s: API returned status %d", err.Key, err.StatusCode)
	}
	return fmt.Sprintf("%s: API returned the following error message: %s", err.Key, err.Message)
}

// ExtractionError is returned when the downloaded archive could not be converted into
// a readable archive, or the converted archive could not be read.
type ExtractionError struct {
	Key     CacheKey
	Archive string
	// Output of the decompression utility, if it was the step that failed.
	Output string
	Err    error
}

func (err *ExtractionError) Error() string {
	return fmt.Sprintf("%s: failed to extract archive %s: %s", err.Key, err.Archive, err.Err)
}

func (err *ExtractionError) Unwrap() error {
	return err.Err
}

// MalformedMessageError is returned when a file in the archive is not a valid GTFS
// realtime message. A single malformed file fails the whole cache unit.
type MalformedMessageError struct {
	Key  CacheKey
	File string
	Err  error
}

func (err *MalformedMessageError) Error() string {
	if err.File == "" {
		return fmt.Sprintf("failed to parse input as a GTFS Realtime message: %s", err.Err)
	}
	return fmt.Sprintf("%s: failed to parse %s as a GTFS Realtime message: %s", err.Key, err.File, err.Err)
}

func (err *MalformedMessageError) Unwrap() error {
	return err.Err
}

// SchemaViolationError is returned when a column does not satisfy the cache unit schema:
// a value could not be cast to the column's required type, or two source columns that
// map to the same canonical column disagree.
type SchemaViolationError struct {
	Key    CacheKey
	Column string
	Value  any
	Err    error
}

func (err *SchemaViolationError) Error() string {
	return fmt.Sprintf("%s: column %q violates the cache unit schema (value %v): %s", err.Key, err.Column, err.Value, err.Err)
}

func (err *SchemaViolationError) Unwrap() error {
	return err.Err
}
