package testutils

import (
	"github.com/srg/blesync/internal/telemetry"
	"github.com/stretchr/testify/suite"
)

// Field descriptor identifiers announced by the sensor firmware.
const (
	TimestampID   = "8fee2901-3c17-4189-8556-a293fa6b2739"
	TemperatureID = "8fee2902-3c17-4189-8556-a293fa6b2739"
	HumidityID    = "8fee2903-3c17-4189-8556-a293fa6b2739"
	PressureID    = "8fee2916-3c17-4189-8556-a293fa6b2739"
	MoistureID    = "8fee2918-3c17-4189-8556-a293fa6b2739"
	BatteryID     = "8fee2919-3c17-4189-8556-a293fa6b2739"
	MoistureLowID = "8fee29a1-3c17-4189-8556-a293fa6b2739"
)

// SensorSuite provides a fake BLE transport, a recording sink and a captured logger for every test.
//
// Basic usage:
//
//	type SessionSuite struct {
//	    testutils.SensorSuite
//	}
//
//	func (s *SessionSuite) TestSync() {
//	    p := s.AddSensor(testutils.NewPeripheralBuilder(addr).WithSensorSync(testutils.TimestampID).WithEndOfStream())
//	    ...
//	}
type SensorSuite struct {
	suite.Suite

	Helper    *TestHelper
	Transport *FakeTransport
	Sink      *RecordingSink
}

func (s *SensorSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Transport = NewFakeTransport()
	s.Sink = NewRecordingSink()
}

// AddSensor builds the peripheral and serves it from the suite transport.
func (s *SensorSuite) AddSensor(b *PeripheralBuilder) *FakePeripheral {
	p := b.Build()
	s.Transport.Add(p)
	return p
}

// Frame encodes records for the given field identifiers.
func (s *SensorSuite) Frame(fieldIDs []string, records ...telemetry.Record) []byte {
	payload, err := telemetry.NewSchema(fieldIDs...).Encode(records)
	s.Require().NoError(err, "frame fixture MUST encode")
	return payload
}
