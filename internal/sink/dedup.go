package sink

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/srg/blesync/internal/telemetry"
)

// DedupOptions size the per-device filters.
type DedupOptions struct {
	Capacity  uint    `yaml:"capacity" default:"10000"`
	FalseRate float64 `yaml:"false_rate" default:"0.001"`
	// MaxUsage is the percentage of Capacity inserted after which a filter is cleared. Beyond
	// Capacity the false positive rate grows past FalseRate.
	MaxUsage float64 `yaml:"max_usage" default:"90"`
}

// Dedup drops records that were already published for a device. Devices resend their buffer when a
// previous session failed before the end-of-stream, so the same record may arrive twice.
// Membership is probabilistic: a false positive drops a record that was never published.
type Dedup struct {
	next Sink
	opts DedupOptions

	mu      sync.Mutex
	filters map[string]*deviceFilter
}

type deviceFilter struct {
	*bloom.BloomFilter
	added uint
}

func NewDedup(next Sink, opts DedupOptions) *Dedup {
	return &Dedup{next: next, opts: opts, filters: map[string]*deviceFilter{}}
}

func (d *Dedup) Publish(ctx context.Context, deviceID string, records []telemetry.Record) error {
	d.mu.Lock()
	filter := d.filter(deviceID)
	fresh := make([]telemetry.Record, 0, len(records))
	keys := make([][]byte, 0, len(records))
	for _, rec := range records {
		key := recordKey(rec)
		if filter.Test(key) {
			continue
		}
		fresh = append(fresh, rec)
		keys = append(keys, key)
	}
	d.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := d.next.Publish(ctx, deviceID, fresh); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range keys {
		filter.Add(key)
		filter.added++
	}
	d.resetIfFull(filter)
	return nil
}

func (d *Dedup) filter(deviceID string) *deviceFilter {
	f, ok := d.filters[deviceID]
	if !ok {
		f = &deviceFilter{BloomFilter: bloom.NewWithEstimates(d.opts.Capacity, d.opts.FalseRate)}
		d.filters[deviceID] = f
	}
	return f
}

// resetIfFull clears the filter once MaxUsage percent of Capacity keys were added.
func (d *Dedup) resetIfFull(f *deviceFilter) {
	limit := uint(float64(d.opts.Capacity) * d.opts.MaxUsage / 100)
	if limit == 0 {
		limit = d.opts.Capacity
	}
	if f.added >= limit {
		f.ClearAll()
		f.added = 0
	}
}

// Close closes the wrapped sink.
func (d *Dedup) Close() error {
	if c, ok := d.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// recordKey is the timestamp followed by the values sorted by name.
func recordKey(rec telemetry.Record) []byte {
	names := make([]string, 0, len(rec.Values))
	for name := range rec.Values {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString(strconv.FormatInt(rec.Timestamp, 10))
	for _, name := range names {
		fmt.Fprintf(&b, "_%s=%s", name, strconv.FormatFloat(rec.Values[name], 'g', -1, 64))
	}
	return []byte(b.String())
}
