package telemetry

import (
	"encoding/binary"
	"time"
)

// CurrentTimeSize is the length of a Current Time characteristic value.
const CurrentTimeSize = 10

// CurrentTime encodes t as a Current Time Service value in UTC:
// year:u16, month, day, hours, minutes, seconds, day of week, fractions256, adjust reason.
// Day of week and adjust reason are written as zero (unknown / no reason).
func CurrentTime(t time.Time) []byte {
	t = t.UTC()
	b := make([]byte, CurrentTimeSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	b[4] = byte(t.Hour())
	b[5] = byte(t.Minute())
	b[6] = byte(t.Second())
	b[7] = 0
	b[8] = byte(int64(t.Nanosecond()) * 256 / int64(time.Second))
	b[9] = 0
	return b
}
