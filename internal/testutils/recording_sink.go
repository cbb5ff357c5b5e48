package testutils

import (
	"context"
	"slices"
	"sync"

	"github.com/srg/blesync/internal/telemetry"
)

// Publish is one captured sink call.
type Publish struct {
	DeviceID string
	Records  []telemetry.Record
}

// RecordingSink captures every batch handed to it.
type RecordingSink struct {
	mu        sync.Mutex
	publishes []Publish
	err       error
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// FailWith makes subsequent publishes return err; batches are still recorded.
func (s *RecordingSink) FailWith(err error) *RecordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

func (s *RecordingSink) Publish(_ context.Context, deviceID string, records []telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes = append(s.publishes, Publish{DeviceID: deviceID, Records: slices.Clone(records)})
	return s.err
}

// Publishes returns the captured calls in order.
func (s *RecordingSink) Publishes() []Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.publishes)
}

// Records returns every record published for deviceID, flattened in order.
func (s *RecordingSink) Records(deviceID string) []telemetry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Record
	for _, p := range s.publishes {
		if p.DeviceID == deviceID {
			out = append(out, p.Records...)
		}
	}
	return out
}
