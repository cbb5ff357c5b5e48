package sink

import (
	"encoding/json"
	"slices"

	"github.com/srg/blesync/internal/telemetry"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// EncodeGatewayTelemetry renders records in the gateway telemetry format:
//
//	{"<device>": [{"ts": 1700000000000, "values": {"battery": 3.3, "temperature": 21.5}}]}
//
// Keys are emitted in a fixed order (ts before values, values sorted by name).
func EncodeGatewayTelemetry(deviceID string, records []telemetry.Record) ([]byte, error) {
	entries := make([]*orderedmap.OrderedMap[string, any], 0, len(records))
	for _, rec := range records {
		entries = append(entries, recordEntry(rec))
	}

	doc := orderedmap.New[string, any]()
	doc.Set(deviceID, entries)
	return json.Marshal(doc)
}

func recordEntry(rec telemetry.Record) *orderedmap.OrderedMap[string, any] {
	names := make([]string, 0, len(rec.Values))
	for name := range rec.Values {
		names = append(names, name)
	}
	slices.Sort(names)

	values := orderedmap.New[string, float64](len(names))
	for _, name := range names {
		values.Set(name, rec.Values[name])
	}

	entry := orderedmap.New[string, any]()
	entry.Set("ts", rec.Timestamp)
	entry.Set("values", values)
	return entry
}
