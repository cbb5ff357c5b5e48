package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEmptyFrame = errors.New("empty frame")
	ErrShortFrame = errors.New("short frame")
)

// MaxRecords is the largest record count a frame header can carry.
const MaxRecords = math.MaxUint8

// Record is one timestamped telemetry sample.
type Record struct {
	Timestamp int64              `json:"ts"` // milliseconds since epoch
	Values    map[string]float64 `json:"values"`
}

// Time returns the record timestamp as time.Time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Frame is the decoded content of one indication payload.
type Frame struct {
	// Sentinel is set for the end-of-stream payload (a single zero byte).
	Sentinel bool
	// Calibration is set when the calibration marker field was decoded.
	Calibration bool
	Records     []Record
}

// Decode turns an indication payload into records.
//
// Payload layout is [count:u8][record]*count, each record being the concatenation of the schema's
// fields in wire order. Records without a timestamp field carry receivedAt.
//
// A payload shorter than its header announces yields the complete records it does carry together
// with an error wrapping ErrShortFrame. Bytes beyond the last announced record are ignored.
func (s Schema) Decode(payload []byte, receivedAt time.Time) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if len(payload) == 1 && payload[0] == 0 {
		return Frame{Sentinel: true}, nil
	}

	count := int(payload[0])
	body := payload[1:]
	if need := count * s.recordSize; len(body) < need {
		count = len(body) / max(s.recordSize, 1)
		f := s.decodeRecords(body, count, receivedAt)
		return f, fmt.Errorf("%w: header announces %d records of %d bytes, payload carries %d bytes",
			ErrShortFrame, int(payload[0]), s.recordSize, len(body))
	}
	return s.decodeRecords(body, count, receivedAt), nil
}

func (s Schema) decodeRecords(body []byte, count int, receivedAt time.Time) Frame {
	f := Frame{Records: make([]Record, 0, count)}
	defaultTs := receivedAt.UnixMilli()
	cursor := 0
	for range count {
		rec := Record{Timestamp: defaultTs, Values: make(map[string]float64, len(s.rules))}
		for _, r := range s.rules {
			raw := body[cursor : cursor+r.Width]
			cursor += r.Width

			switch r.Role {
			case RoleTimestamp:
				rec.Timestamp = int64(r.raw(raw)) * int64(r.Scale)
			case RoleCalibration:
				f.Calibration = true
				rec.Values[r.Name] = r.value(raw)
			default:
				rec.Values[r.Name] = r.value(raw)
			}
		}
		f.Records = append(f.Records, rec)
	}
	return f
}

// raw returns the unscaled unsigned reading of a field.
func (r FieldRule) raw(b []byte) uint32 {
	switch r.Width {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func (r FieldRule) value(b []byte) float64 {
	u := r.raw(b)
	switch r.Encoding {
	case Signed:
		switch r.Width {
		case 1:
			return r.scale(float64(int8(u)))
		case 2:
			return r.scale(float64(int16(u)))
		default:
			return r.scale(float64(int32(u)))
		}
	case Float32:
		return r.scale(float64(math.Float32frombits(u)))
	default:
		return r.scale(float64(u))
	}
}

// scale applies the rule scale. Fractional scales divide by their integer reciprocal:
// 330 at scale 0.01 decodes to exactly 3.3.
func (r FieldRule) scale(x float64) float64 {
	if r.Scale < 1 {
		return x / math.Round(1/r.Scale)
	}
	return x * r.Scale
}

func (r FieldRule) unscale(v float64) float64 {
	if r.Scale < 1 {
		return v * math.Round(1/r.Scale)
	}
	return v / r.Scale
}

// Encode serializes records into an indication payload. It is the inverse of Decode for records the
// schema can represent: missing values encode as zero, timestamps are truncated to whole seconds.
func (s Schema) Encode(records []Record) ([]byte, error) {
	if len(records) > MaxRecords {
		return nil, fmt.Errorf("frame holds at most %d records, got %d", MaxRecords, len(records))
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("frame needs at least one record, use EndOfStream for the sentinel")
	}

	out := make([]byte, 1, 1+len(records)*s.recordSize)
	out[0] = byte(len(records))
	for _, rec := range records {
		for _, r := range s.rules {
			var u uint32
			if r.Role == RoleTimestamp {
				u = uint32(rec.Timestamp / int64(r.Scale))
			} else {
				u = r.encode(rec.Values[r.Name])
			}
			out = r.append(out, u)
		}
	}
	return out, nil
}

// EndOfStream returns the sentinel payload.
func EndOfStream() []byte {
	return []byte{0x00}
}

func (r FieldRule) encode(v float64) uint32 {
	switch r.Encoding {
	case Float32:
		return math.Float32bits(float32(r.unscale(v)))
	case Signed:
		return uint32(int32(math.Round(r.unscale(v))))
	default:
		return uint32(math.Round(r.unscale(v)))
	}
}

func (r FieldRule) append(b []byte, u uint32) []byte {
	switch r.Width {
	case 1:
		return append(b, byte(u))
	case 2:
		return binary.LittleEndian.AppendUint16(b, uint16(u))
	default:
		return binary.LittleEndian.AppendUint32(b, u)
	}
}
