// Package sink publishes decoded telemetry batches to their destinations.
package sink

import (
	"context"
	"errors"
	"io"

	"github.com/srg/blesync/internal/telemetry"
)

// Sink receives batches of records for one device. Records of a batch are in arrival order.
// Delivery is at-least-once from the caller's point of view: a failed Publish is logged, not retried.
type Sink interface {
	Publish(ctx context.Context, deviceID string, records []telemetry.Record) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, deviceID string, records []telemetry.Record) error

func (f Func) Publish(ctx context.Context, deviceID string, records []telemetry.Record) error {
	return f(ctx, deviceID, records)
}

// Multi fans a batch out to every sink. All sinks are attempted; errors are joined.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, deviceID string, records []telemetry.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, deviceID, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
