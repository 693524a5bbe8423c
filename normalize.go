package koda

import (
	"errors"
	"fmt"

	"github.com/jamespfennell/koda/table"
)

type entityKind string

const (
	tripUpdateEntity entityKind = "tripUpdate"
	vehicleEntity    entityKind = "vehicle"
	alertEntity      entityKind = "alert"
	// Paths produced by older versions of the archive layout, without an entity prefix.
	legacyEntity entityKind = "legacy"
)

type canonicalField struct {
	kind entityKind
	path string
	name string
}

// canonicalFields maps flattened field paths to canonical column names. Paths from
// different entity kinds may share a canonical name; paths of the same kind may not.
var canonicalFields = []canonicalField{
	{tripUpdateEntity, "tripUpdate_trip_tripId", "trip_id"},
	{tripUpdateEntity, "tripUpdate_trip_startDate", "start_date"},
	{tripUpdateEntity, "tripUpdate_trip_startTime", "start_time"},
	{tripUpdateEntity, "tripUpdate_trip_directionId", "direction_id"},
	{tripUpdateEntity, "tripUpdate_trip_routeId", "route_id"},
	{tripUpdateEntity, "tripUpdate_trip_scheduleRelationship", "schedule_relationship"},
	{tripUpdateEntity, "tripUpdate_timestamp", "timestamp"},
	{tripUpdateEntity, "tripUpdate_vehicle_id", "vehicle_id"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_stopSequence", "stop_sequence"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_stopId", "stop_id"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_arrival_delay", "arrival_delay"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_arrival_time", "arrival_time"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_arrival_uncertainty", "arrival_uncertainty"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_departure_delay", "departure_delay"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_departure_time", "departure_time"},
	{tripUpdateEntity, "tripUpdate_stopTimeUpdate_departure_uncertainty", "departure_uncertainty"},

	{vehicleEntity, "vehicle_trip_tripId", "trip_id"},
	{vehicleEntity, "vehicle_trip_startDate", "start_date"},
	{vehicleEntity, "vehicle_trip_startTime", "start_time"},
	{vehicleEntity, "vehicle_trip_directionId", "direction_id"},
	{vehicleEntity, "vehicle_trip_routeId", "route_id"},
	{vehicleEntity, "vehicle_trip_scheduleRelationship", "schedule_relationship"},
	{vehicleEntity, "vehicle_timestamp", "timestamp"},
	{vehicleEntity, "vehicle_vehicle_id", "vehicle_id"},

	{alertEntity, "alert_activePeriod_start", "period_start"},
	{alertEntity, "alert_activePeriod_end", "period_end"},
	{alertEntity, "alert_informedEntity_routeId", "route_id"},
	{alertEntity, "alert_informedEntity_stopId", "stop_id"},
	{alertEntity, "alert_informedEntity_trip_tripId", "trip_id"},
	{alertEntity, "alert_informedEntity_trip_scheduleRelationship", "schedule_relationship"},
	{alertEntity, "alert_headerText_translation_text", "header_text"},
	{alertEntity, "alert_descriptionText_translation_text", "description_text"},

	{legacyEntity, "stopSequence", "stop_sequence"},
	{legacyEntity, "stopId", "stop_id"},
	{legacyEntity, "scheduleRelationship", "schedule_relationship2"},
}

var canonicalRenames = mustBuildRenames(canonicalFields)

// kindPrecedence orders the entity kinds whose paths share a canonical name. An entity
// may carry both a trip update and a vehicle position; the trip update value is kept.
var kindPrecedence = []entityKind{tripUpdateEntity, vehicleEntity, alertEntity, legacyEntity}

// canonicalAliases lists, for each canonical name with paths in several kinds, the paths
// in order of precedence.
var canonicalAliases = buildAliases(canonicalFields)

func buildAliases(fields []canonicalField) map[string][]string {
	aliases := map[string][]string{}
	for _, kind := range kindPrecedence {
		for _, f := range fields {
			if f.kind == kind {
				aliases[f.name] = append(aliases[f.name], f.path)
			}
		}
	}
	for name, paths := range aliases {
		if len(paths) < 2 {
			delete(aliases, name)
		}
	}
	return aliases
}

// indexColumns are row index artifacts that are never part of a cache unit.
var indexColumns = []string{"level_0", "index"}

func mustBuildRenames(fields []canonicalField) map[string]string {
	renames, err := buildRenames(fields)
	if err != nil {
		panic(fmt.Sprintf("invalid canonical field table: %s", err))
	}
	return renames
}

// buildRenames returns the path to name mapping, or an error if two paths of the same
// entity kind map to the same name, a path appears twice, or a name is itself the path
// of another field.
func buildRenames(fields []canonicalField) (map[string]string, error) {
	renames := map[string]string{}
	owners := map[entityKind]map[string]string{}
	for _, f := range fields {
		if previous, ok := renames[f.path]; ok {
			return nil, fmt.Errorf("path %q is mapped twice (to %q and %q)", f.path, previous, f.name)
		}
		if owners[f.kind] == nil {
			owners[f.kind] = map[string]string{}
		}
		if other, ok := owners[f.kind][f.name]; ok {
			return nil, fmt.Errorf("%s paths %q and %q both map to %q", f.kind, other, f.path, f.name)
		}
		owners[f.kind][f.name] = f.path
		renames[f.path] = f.name
	}
	for path, name := range renames {
		if _, ok := renames[name]; ok && name != path {
			return nil, fmt.Errorf("canonical name %q of %q is also a source path", name, path)
		}
	}
	return renames, nil
}

// Normalize renames the columns of the table to the canonical schema and removes rows
// and columns that are entirely empty, as well as index artifact columns.
//
// Paths of different entity kinds that share a canonical name are merged by kind
// precedence. Any other pair of columns that ends up with the same name must agree in
// every row, otherwise a *SchemaViolationError is returned.
//
// It must run over the full set of rows of a cache unit: a column is only dropped if it
// is empty in every file of the unit.
func Normalize(t *table.Table) error {
	for _, paths := range canonicalAliases {
		t.Coalesce(paths...)
	}
	if err := renameColumns(t, canonicalRenames); err != nil {
		return err
	}
	t.DropEmptyRows()
	t.DropEmptyColumns()
	t.DropColumns(indexColumns...)
	return nil
}

func renameColumns(t *table.Table, renames map[string]string) error {
	err := t.Rename(renames)
	var conflictErr *table.ConflictError
	if errors.As(err, &conflictErr) {
		return &SchemaViolationError{
			Column: conflictErr.Target,
			Value:  conflictErr.Values[1],
			Err:    err,
		}
	}
	return err
}
