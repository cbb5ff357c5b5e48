// Package scanner discovers sensors from their advertisements and feeds them to the scheduler.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/ringchan"
	"github.com/srg/blesync/internal/telemetry"
)

// EventType marks if the device was newly discovered or seen again.
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// Event is emitted for every advertisement of a matching sensor.
type Event struct {
	Type    EventType
	Address string
	Name    string
	RSSI    int
	URL     string
	Seen    time.Time
}

// Options configure sensor discovery.
type Options struct {
	// Window is the duration of one scan pass.
	Window time.Duration `default:"10s"`
	// Pause separates scan passes in Run.
	Pause time.Duration `default:"5s"`
	// MatchURL admits devices whose Eddystone-URL equals it.
	MatchURL string `default:"http://www.afarcloud.eu/"`
	// Services admits devices advertising any of these UUIDs. The sensor-sync service always matches.
	Services []string
	// EventBuffer bounds Events; the oldest event is dropped when nobody keeps up.
	EventBuffer int `default:"100"`
}

// Scanner handles sensor discovery.
type Scanner struct {
	dev      device.ScanningDevice
	opts     Options
	services []string
	known    *hashmap.Map[string, Event]
	events   *ringchan.RingChannel[Event]
	logger   *logrus.Logger
}

// New creates a scanner. Zero-valued options take their defaults.
func New(dev device.ScanningDevice, opts Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	services := append([]string{telemetry.SensorSyncService}, device.NormalizeUUIDs(opts.Services)...)
	return &Scanner{
		dev:      dev,
		opts:     opts,
		services: services,
		known:    hashmap.New[string, Event](),
		events:   ringchan.New[Event](opts.EventBuffer),
		logger:   logger,
	}
}

// Scan runs one scan pass of Options.Window and returns the addresses of matching devices seen
// during it, in discovery order.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.opts.Window)
	defer cancel()

	s.logger.WithField("duration", s.opts.Window).Debug("Starting BLE scan...")

	seen := hashmap.New[string, struct{}]()
	var found []string
	err := s.dev.Scan(scanCtx, true, func(adv device.Advertisement) {
		ev, ok := s.handleAdvertisement(adv)
		if !ok {
			return
		}
		if _, dup := seen.GetOrInsert(ev.Address, struct{}{}); !dup {
			found = append(found, ev.Address)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", len(found)).Debug("BLE scan completed")
	return found, ctx.Err()
}

// Run scans repeatedly, passing every matching address to enqueue, until ctx is done.
func (s *Scanner) Run(ctx context.Context, enqueue func(address string) bool) error {
	defer s.events.Close()
	for {
		found, err := s.Scan(ctx)
		if err != nil {
			return err
		}
		for _, address := range found {
			if enqueue(address) {
				s.logger.WithField("address", address).Debug("Sensor queued for synchronization")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.Pause):
		}
	}
}

// Matches reports whether adv belongs to a sensor, returning its advertised URL when present.
func (s *Scanner) Matches(adv device.Advertisement) (url string, ok bool) {
	url, hasURL := EddystoneURL(adv)
	if hasURL && url == s.opts.MatchURL {
		return url, true
	}
	for _, svc := range adv.Services() {
		if slices.Contains(s.services, device.NormalizeUUID(svc)) {
			return url, true
		}
	}
	return url, false
}

func (s *Scanner) handleAdvertisement(adv device.Advertisement) (Event, bool) {
	url, ok := s.Matches(adv)
	if !ok {
		return Event{}, false
	}

	ev := Event{
		Type:    EventNew,
		Address: adv.Addr(),
		Name:    adv.LocalName(),
		RSSI:    adv.RSSI(),
		URL:     url,
		Seen:    time.Now(),
	}
	if _, existing := s.known.Get(ev.Address); existing {
		ev.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"address": ev.Address,
			"name":    ev.Name,
			"rssi":    ev.RSSI,
			"url":     url,
		}).Info("Discovered sensor")
	}
	s.known.Set(ev.Address, ev)
	s.events.Send(ev)
	return ev, true
}

// Known returns the last event of every sensor seen so far.
func (s *Scanner) Known() []Event {
	out := make([]Event, 0, s.known.Len())
	s.known.Range(func(_ string, ev Event) bool {
		out = append(out, ev)
		return true
	})
	slices.SortFunc(out, func(a, b Event) int { return strings.Compare(a.Address, b.Address) })
	return out
}

// Events returns a read-only channel of discovery events. It is closed when Run returns.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}
