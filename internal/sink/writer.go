package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/srg/blesync/internal/telemetry"
)

// Writer prints one gateway telemetry JSON object per batch, newline terminated.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

func (w *Writer) Publish(_ context.Context, deviceID string, records []telemetry.Record) error {
	payload, err := EncodeGatewayTelemetry(deviceID, records)
	if err != nil {
		return fmt.Errorf("encode telemetry for %s: %w", deviceID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write telemetry for %s: %w", deviceID, err)
	}
	return nil
}
