package koda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jamespfennell/koda/table"
	"github.com/jonboulle/clockwork"
)

// UnitBuilder builds a single cache unit. *Builder is the production implementation.
type UnitBuilder interface {
	Exists(key CacheKey) bool
	Build(ctx context.Context, key CacheKey) (*table.Table, error)
}

// RangeOptions configures BuildRange.
type RangeOptions struct {
	Operator string
	Feed     Feed

	// Inclusive.
	StartDate time.Time
	EndDate   time.Time

	// Inclusive. If both are zero, only hour 0 is built; use EndHour 23 for full days.
	StartHour int
	EndHour   int

	// Skip units that have already been built.
	SkipExisting bool

	// Number of additional attempts for a failed unit.
	Retries int

	// Delay between attempts.
	Backoff time.Duration

	// If nil, the real clock is used.
	Clock clockwork.Clock

	// OnUnit, if set, is called after each unit with its outcome. A nil error means the
	// unit was built or skipped.
	OnUnit func(key CacheKey, skipped bool, err error)
}

// Keys returns the cache keys covered by the options, ordered by date and then hour.
func (opts *RangeOptions) Keys() ([]CacheKey, error) {
	if opts.StartHour < 0 || opts.EndHour > 23 || opts.StartHour > opts.EndHour {
		return nil, fmt.Errorf("invalid hour range %d-%d", opts.StartHour, opts.EndHour)
	}
	if opts.EndDate.Before(opts.StartDate) {
		return nil, fmt.Errorf("end date %s is before start date %s", opts.EndDate.Format("2006-01-02"), opts.StartDate.Format("2006-01-02"))
	}
	var keys []CacheKey
	for date := opts.StartDate; !date.After(opts.EndDate); date = date.AddDate(0, 0, 1) {
		for hour := opts.StartHour; hour <= opts.EndHour; hour++ {
			keys = append(keys, CacheKey{Operator: opts.Operator, Feed: opts.Feed, Date: date, Hour: hour})
		}
	}
	return keys, nil
}

// BuildRange builds every cache unit in the range. Failed units do not stop the range;
// their errors are joined and returned once every unit has been attempted.
func BuildRange(ctx context.Context, b UnitBuilder, opts RangeOptions) error {
	keys, err := opts.Keys()
	if err != nil {
		return err
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if opts.SkipExisting && b.Exists(key) {
			if opts.OnUnit != nil {
				opts.OnUnit(key, true, nil)
			}
			continue
		}
		err := buildWithRetries(ctx, b, key, opts.Retries, opts.Backoff, clock)
		if opts.OnUnit != nil {
			opts.OnUnit(key, false, err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildWithRetries(ctx context.Context, b UnitBuilder, key CacheKey, retries int, backoff time.Duration, clock clockwork.Clock) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-clock.After(backoff):
			case <-ctx.Done():
				return err
			}
		}
		_, err = b.Build(ctx, key)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// retryable reports whether building the unit again could succeed. Errors caused by the
// content of the archive or an explicit refusal by the API are permanent.
func retryable(err error) bool {
	var upstreamErr *UpstreamError
	var malformedErr *MalformedMessageError
	var schemaErr *SchemaViolationError
	switch {
	case errors.As(err, &upstreamErr), errors.As(err, &malformedErr), errors.As(err, &schemaErr):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
