// Package koda builds hourly cache units from the GTFS realtime archives served by the
// KoDa open data API.
//
// A cache unit is identified by a CacheKey. Building it downloads the compressed archive
// for the key, decodes every FeedMessage in the archive into a flat table, normalizes the
// column names, removes duplicate rows and writes the result as a Feather file.
package koda

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Feed is one of the realtime message categories published by an operator.
type Feed string

const (
	TripUpdates      Feed = "TripUpdates"
	VehiclePositions Feed = "VehiclePositions"
	ServiceAlerts    Feed = "ServiceAlerts"
)

// ParseFeed parses a feed name. Matching is case insensitive and "alerts" is accepted
// for ServiceAlerts.
func ParseFeed(s string) (Feed, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tripupdates":
		return TripUpdates, nil
	case "vehiclepositions":
		return VehiclePositions, nil
	case "servicealerts", "alerts":
		return ServiceAlerts, nil
	}
	return "", fmt.Errorf("unknown feed %q (expected TripUpdates, VehiclePositions or ServiceAlerts)", s)
}

// CacheKey identifies one cache unit: the data of one feed of one operator for one hour.
type CacheKey struct {
	Operator string
	Feed     Feed
	// Only the year, month and day are used.
	Date time.Time
	// Hour of the day, 0 to 23.
	Hour int
}

// Validate returns an error if the key cannot identify a cache unit.
func (k CacheKey) Validate() error {
	if k.Operator == "" {
		return fmt.Errorf("cache key has no operator")
	}
	if k.Feed == "" {
		return fmt.Errorf("cache key has no feed")
	}
	if k.Date.IsZero() {
		return fmt.Errorf("cache key has no date")
	}
	if k.Hour < 0 || k.Hour > 23 {
		return fmt.Errorf("cache key hour %d is not in the range 0-23", k.Hour)
	}
	return nil
}

// DateString returns the date in the YYYY-MM-DD form used by the API.
func (k CacheKey) DateString() string {
	return k.Date.Format("2006-01-02")
}

// FileName returns the name of the cache unit file for the key.
func (k CacheKey) FileName() string {
	return fmt.Sprintf("%s_%s_%s_%d%s", k.Operator, k.Feed, k.Date.Format("2006_01_02"), k.Hour, CacheUnitExtension)
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%02d", k.Operator, k.Feed, k.DateString(), k.Hour)
}

// CacheUnitExtension is the file extension of cache units.
const CacheUnitExtension = ".feather"

var dateRegex *regexp.Regexp = regexp.MustCompile(`^([0-9]{4})[-_]([0-9]{1,2})[-_]([0-9]{1,2})$`)

// ParseDate parses a date of the form YYYY-MM-DD. Underscores are accepted as separators.
func ParseDate(s string) (time.Time, error) {
	match := dateRegex.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
	}
	y, _ := strconv.Atoi(match[1])
	m, _ := strconv.Atoi(match[2])
	d, _ := strconv.Atoi(match[3])
	date := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if date.Month() != time.Month(m) || date.Day() != d {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return date, nil
}
