package telemetry

import (
	"fmt"
	"slices"

	"github.com/srg/blesync/internal/device"
)

// Encoding is the numeric representation of a field on the wire. All encodings are little-endian.
type Encoding uint8

const (
	Unsigned Encoding = iota
	Signed
	Float32
)

func (e Encoding) String() string {
	switch e {
	case Unsigned:
		return "uint"
	case Signed:
		return "int"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// Role tells the decoder where a decoded field goes.
type Role uint8

const (
	// RoleValue stores the scaled value under the field name.
	RoleValue Role = iota
	// RoleTimestamp replaces the record timestamp (seconds scaled to milliseconds).
	RoleTimestamp
	// RoleCalibration stores the value and flags the frame as a calibration frame.
	RoleCalibration
)

// FieldRule describes how one descriptor-announced field is laid out in a record.
type FieldRule struct {
	ID       string
	Name     string
	Width    int
	Encoding Encoding
	Scale    float64
	Role     Role
}

const vendorSuffix = "-3c17-4189-8556-a293fa6b2739"

// GATT identifiers of the sensor firmware.
var (
	SensorSyncService         = device.NormalizeUUID("8fee1801" + vendorSuffix)
	SensorSyncCharacteristic  = device.NormalizeUUID("8fee2a01" + vendorSuffix)
	NodeNameService           = device.NormalizeUUID("8fee1805" + vendorSuffix)
	NodeNameCharacteristic    = device.NormalizeUUID("8fee2a31" + vendorSuffix)
	CurrentTimeService        = device.NormalizeUUID("1805")
	CurrentTimeCharacteristic = device.NormalizeUUID("2a2b")
	ClientConfigDescriptor    = device.NormalizeUUID("2902")
)

// Field identifiers with a special role.
var (
	TimestampField         = device.NormalizeUUID("8fee2901" + vendorSuffix)
	CalibrationMarkerField = device.NormalizeUUID("8fee29a1" + vendorSuffix)
)

// Ambient and soil temperature share a name: a firmware build exposes one or the other.
var rules = buildTable(
	FieldRule{ID: "8fee2901", Name: "timestamp", Width: 4, Encoding: Unsigned, Scale: 1000, Role: RoleTimestamp},
	FieldRule{ID: "8fee2902", Name: "temperature", Width: 2, Encoding: Signed, Scale: 0.01},
	FieldRule{ID: "8fee2903", Name: "humidity", Width: 2, Encoding: Unsigned, Scale: 0.01},
	FieldRule{ID: "8fee2916", Name: "pressure", Width: 4, Encoding: Unsigned, Scale: 0.001},
	FieldRule{ID: "8fee2917", Name: "temperature", Width: 2, Encoding: Signed, Scale: 0.01},
	FieldRule{ID: "8fee2918", Name: "moisture", Width: 2, Encoding: Unsigned, Scale: 0.01},
	FieldRule{ID: "8fee2919", Name: "battery", Width: 2, Encoding: Unsigned, Scale: 0.01},
	FieldRule{ID: "8fee29a1", Name: "moisture_low", Width: 2, Encoding: Unsigned, Scale: 1, Role: RoleCalibration},
	FieldRule{ID: "8fee29a2", Name: "moisture_high", Width: 2, Encoding: Unsigned, Scale: 1},
	FieldRule{ID: "8fee29a3", Name: "actuator_out", Width: 1, Encoding: Unsigned, Scale: 1},
)

func buildTable(list ...FieldRule) map[string]FieldRule {
	table := make(map[string]FieldRule, len(list))
	for _, r := range list {
		r.ID = device.NormalizeUUID(r.ID + vendorSuffix)
		if err := r.validate(); err != nil {
			panic(err)
		}
		table[r.ID] = r
	}
	return table
}

func (r FieldRule) validate() error {
	switch r.Width {
	case 1, 2, 4:
	default:
		return fmt.Errorf("field %s: unsupported width %d", r.Name, r.Width)
	}
	if r.Encoding == Float32 && r.Width != 4 {
		return fmt.Errorf("field %s: float32 needs width 4, got %d", r.Name, r.Width)
	}
	if r.Scale == 0 {
		return fmt.Errorf("field %s: zero scale", r.Name)
	}
	return nil
}

// Lookup returns the decode rule for a descriptor identifier in any UUID notation.
func Lookup(id string) (FieldRule, bool) {
	r, ok := rules[device.NormalizeUUID(id)]
	return r, ok
}

// Rules returns every known rule sorted by identifier.
func Rules() []FieldRule {
	out := make([]FieldRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b FieldRule) int { return compareID(a.ID, b.ID) })
	return out
}

// Schema is the ordered, immutable field layout of one device's records.
type Schema struct {
	rules      []FieldRule
	recordSize int
}

// NewSchema resolves descriptor identifiers into a Schema. The CCCD, unknown identifiers and
// duplicates are dropped; the remaining rules are sorted ascending by identifier, which is the
// order the firmware serializes fields in.
func NewSchema(ids ...string) Schema {
	seen := make(map[string]struct{}, len(ids))
	var s Schema
	for _, raw := range ids {
		id := device.NormalizeUUID(raw)
		if id == ClientConfigDescriptor {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		r, ok := rules[id]
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		s.rules = append(s.rules, r)
		s.recordSize += r.Width
	}
	slices.SortFunc(s.rules, func(a, b FieldRule) int { return compareID(a.ID, b.ID) })
	return s
}

// compareID orders normalized identifiers: 16-bit SIG identifiers first, then lexicographically.
func compareID(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Rules returns a copy of the resolved rules in wire order.
func (s Schema) Rules() []FieldRule {
	return slices.Clone(s.rules)
}

// Len returns the number of fields per record.
func (s Schema) Len() int {
	return len(s.rules)
}

// RecordSize returns the byte size of one record.
func (s Schema) RecordSize() int {
	return s.recordSize
}

// Names returns the field names in wire order.
func (s Schema) Names() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.Name
	}
	return names
}
