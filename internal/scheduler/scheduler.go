// Package scheduler runs device synchronization sessions one at a time.
//
// Devices are enqueued by address from any goroutine. A single connection token guarantees that at
// most one session holds a BLE link at any moment; the token is always returned, whatever the session
// outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/session"
	"github.com/srg/blesync/internal/sink"
)

var (
	ErrDrainTimeout = errors.New("drain timeout")
	ErrSessionPanic = errors.New("session panicked")
)

// MaxHistorySize sets an upper limit on the report history.
const MaxHistorySize uint32 = 4096

// AdmitFunc decides whether a device may be enqueued.
type AdmitFunc func(address string) bool

// Options configure a Scheduler.
type Options struct {
	Session session.Options
	// HistorySize is the number of recent reports kept; older ones are overwritten.
	HistorySize uint32 `default:"64"`

	Admit    AdmitFunc
	OnReport func(session.Report)
}

// Scheduler owns the pending queue and the connection token.
//
// All methods are thread-safe.
type Scheduler struct {
	transport device.Transport
	sink      sink.Sink
	opts      Options
	logger    *logrus.Logger
	log       *logrus.Entry

	// token holds the single connection permit
	token   chan struct{}
	wake    chan struct{}
	metrics Metrics
	history mpmc.RichOverlappedRingBuffer[session.Report]

	mu sync.Mutex
	// registry holds every pending or active address; writes happen under mu together with queue
	registry *hashmap.Map[string, struct{}]
	queue    []string
	active   int
	changed  chan struct{} // closed and replaced on every queue or activity change
}

// New creates a scheduler.
func New(transport device.Transport, s sink.Sink, opts Options, logger *logrus.Logger) (*Scheduler, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if s == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = 64
	}
	if opts.HistorySize > MaxHistorySize {
		return nil, fmt.Errorf("history size %d exceeds maximum %d", opts.HistorySize, MaxHistorySize)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	sch := &Scheduler{
		transport: transport,
		sink:      s,
		opts:      opts,
		logger:    logger,
		log:       logger.WithField("component", "scheduler"),
		token:     make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
		history:   mpmc.NewOverlappedRingBuffer[session.Report](opts.HistorySize),
		registry:  hashmap.New[string, struct{}](),
		changed:   make(chan struct{}),
	}
	sch.token <- struct{}{}
	return sch, nil
}

// Enqueue schedules a device. It returns false when the device is already pending or active, or when
// the admission hook rejects it.
func (s *Scheduler) Enqueue(address string) bool {
	if s.opts.Admit != nil && !s.opts.Admit(address) {
		s.log.WithField("address", address).Debug("Device not admitted")
		return false
	}

	s.mu.Lock()
	if _, loaded := s.registry.GetOrInsert(address, struct{}{}); loaded {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, address)
	s.notifyLocked()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.log.WithField("address", address).Debug("Device enqueued")
	return true
}

// Pending returns the number of queued devices, not counting the active one.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RunNext runs the oldest pending device to completion. It returns false when nothing is pending or ctx
// is already done. The session itself is not cancelled by ctx.
func (s *Scheduler) RunNext(ctx context.Context) (session.Report, bool) {
	if ctx.Err() != nil {
		return session.Report{}, false
	}

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return session.Report{}, false
	}
	address := s.queue[0]
	s.queue = s.queue[1:]
	s.active++
	s.notifyLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.registry.Del(address)
		s.active--
		s.notifyLocked()
		s.mu.Unlock()
	}()

	s.acquire()
	report := func() session.Report {
		defer s.release()
		return s.runSession(context.WithoutCancel(ctx), address)
	}()

	s.record(report)
	return report, true
}

// Run executes pending devices in order and waits for new ones. It returns ctx.Err() once ctx is done
// and the active session, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Debug("Scheduler started")
	defer s.log.Debug("Scheduler stopped")
	for {
		if _, ok := s.RunNext(ctx); ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Drain blocks until no device is pending or active. On timeout the pending queue is dropped, the active
// session is still awaited, and ErrDrainTimeout is returned.
func (s *Scheduler) Drain(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 && s.active == 0 {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			dropped := s.DropPending()
			s.log.WithField("dropped", len(dropped)).Warnf("Drain timed out after %s", timeout)
			s.waitIdle()
			return fmt.Errorf("%w: %d pending devices dropped", ErrDrainTimeout, len(dropped))
		}
	}
}

// Metrics returns a snapshot of the scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics.snapshot()
}

// ConsumeReports drains the report history, oldest first.
func (s *Scheduler) ConsumeReports() ([]session.Report, error) {
	var out []session.Report
	for !s.history.IsEmpty() {
		r, err := s.history.Dequeue()
		if err != nil {
			return out, fmt.Errorf("history dequeue error: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Scheduler) acquire() {
	<-s.token
	s.metrics.incrementTokenAcquisitions()
}

func (s *Scheduler) release() {
	s.metrics.incrementTokenReleases()
	s.token <- struct{}{}
}

func (s *Scheduler) runSession(ctx context.Context, address string) (report session.Report) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("address", address).Errorf("Session panicked: %v", r)
			report = session.Report{Address: address, DeviceID: address, State: session.Failed,
				Err: fmt.Errorf("%w: %v", ErrSessionPanic, r)}
		}
	}()
	return session.New(address, s.transport, s.sink, s.opts.Session, s.logger).Run(ctx)
}

func (s *Scheduler) record(r session.Report) {
	s.metrics.incrementSessions(r.OK())
	if overwrites, err := s.history.EnqueueM(r); err != nil {
		s.log.WithError(err).Warn("Failed to record session report")
	} else {
		s.metrics.incrementReportsOverwritten(overwrites)
	}

	s.log.WithFields(logrus.Fields{
		"address": r.Address,
		"device":  r.DeviceID,
		"state":   r.State,
		"elapsed": r.Elapsed.Round(time.Millisecond),
	}).Info("Session finished")

	if s.opts.OnReport != nil {
		s.opts.OnReport(r)
	}
}

// DropPending removes every queued device and returns their addresses. The active session, if any,
// is not affected.
func (s *Scheduler) DropPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.queue
	s.queue = nil
	for _, address := range dropped {
		s.registry.Del(address)
	}
	s.notifyLocked()
	return dropped
}

func (s *Scheduler) waitIdle() {
	for {
		s.mu.Lock()
		if s.active == 0 {
			s.mu.Unlock()
			return
		}
		changed := s.changed
		s.mu.Unlock()
		<-changed
	}
}

func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
