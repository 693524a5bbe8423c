package koda

import (
	"bytes"
	"encoding/json"
	"fmt"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/jamespfennell/koda/table"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Decode parses a GTFS realtime FeedMessage and returns a table with one row per entity.
//
// Columns are the paths of the entity fields, using the JSON (lowerCamelCase) field names
// joined with underscores, e.g. tripUpdate_trip_tripId. Repeated fields are not expanded:
// a column like tripUpdate_stopTimeUpdate holds a list of objects, see Unpack, and is an
// empty list for a trip update without stop time updates. Values are the protobuf JSON
// values: 64-bit integers are strings, other numbers are json.Number and enums are their
// names.
func Decode(content []byte) (*table.Table, error) {
	feedMessage := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(content, feedMessage); err != nil {
		return nil, &MalformedMessageError{Err: err}
	}
	b, err := protojson.Marshal(feedMessage)
	if err != nil {
		return nil, &MalformedMessageError{Err: fmt.Errorf("failed to convert message to JSON: %w", err)}
	}
	var message struct {
		Entity []map[string]any `json:"entity"`
	}
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	if err := d.Decode(&message); err != nil {
		return nil, &MalformedMessageError{Err: fmt.Errorf("failed to read message JSON: %w", err)}
	}
	if len(message.Entity) != len(feedMessage.Entity) {
		return nil, &MalformedMessageError{Err: fmt.Errorf("message JSON has %d entities, want %d", len(message.Entity), len(feedMessage.Entity))}
	}
	records := make([]map[string]any, 0, len(message.Entity))
	for i, entity := range message.Entity {
		fillRowCollections(feedMessage.Entity[i].ProtoReflect(), entity)
		record := map[string]any{}
		flatten(record, "", entity, "_")
		records = append(records, record)
	}
	return table.FromRecords(records), nil
}

// rowCollections are the repeated fields that hold the rows of an entity. The JSON
// encoding omits them when empty; fillRowCollections puts them back as empty lists so
// that an entity without elements always unpacks to zero rows, whatever the other
// entities of the file contain. Other repeated fields, such as Alert.active_period, are
// optional detail and stay absent.
var rowCollections = map[protoreflect.FullName]bool{
	fieldName(&gtfsrt.TripUpdate{}, "stop_time_update"):  true,
	fieldName(&gtfsrt.Alert{}, "informed_entity"):        true,
	fieldName(&gtfsrt.TranslatedString{}, "translation"): true,
}

func fieldName(m proto.Message, name protoreflect.Name) protoreflect.FullName {
	fd := m.ProtoReflect().Descriptor().Fields().ByName(name)
	if fd == nil {
		panic(fmt.Sprintf("%s has no field %s", m.ProtoReflect().Descriptor().FullName(), name))
	}
	return fd.FullName()
}

// fillRowCollections walks the message alongside its JSON object and sets every empty
// row collection of a present message to an empty list.
func fillRowCollections(m protoreflect.Message, object map[string]any) {
	fields := m.Descriptor().Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.Message() == nil || fd.IsMap() {
			continue
		}
		name := fd.JSONName()
		switch {
		case fd.IsList():
			list := m.Get(fd).List()
			if list.Len() == 0 {
				if rowCollections[fd.FullName()] {
					object[name] = []any{}
				}
				continue
			}
			elems, _ := object[name].([]any)
			for j := 0; j < list.Len() && j < len(elems); j++ {
				if child, ok := elems[j].(map[string]any); ok {
					fillRowCollections(list.Get(j).Message(), child)
				}
			}
		case m.Has(fd):
			if child, ok := object[name].(map[string]any); ok {
				fillRowCollections(m.Get(fd).Message(), child)
			}
		}
	}
}

// flatten writes the leaves of the object into record. Nested objects are joined to
// their parent's path with sep; lists are leaves.
func flatten(record map[string]any, prefix string, object map[string]any, sep string) {
	for k, v := range object {
		path := k
		if prefix != "" {
			path = prefix + sep + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(record, path, child, sep)
			continue
		}
		record[path] = v
	}
}
