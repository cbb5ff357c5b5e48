package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/sink"
	"github.com/srg/blesync/internal/telemetry"
)

var (
	ErrConnectFailed     = errors.New("connect failed")
	ErrDiscoveryFailed   = errors.New("discovery failed")
	ErrSubscribeFailed   = errors.New("subscribe failed")
	ErrDisconnected      = errors.New("disconnected while streaming")
	ErrIndicationTimeout = errors.New("indication timeout")
)

// Options tune a single synchronization session.
type Options struct {
	ConnectAttempts   int           `default:"3"`
	RetryDelay        time.Duration `default:"5s"`
	IndicationTimeout time.Duration `default:"30s"`
	// FlushThreshold is the buffered record count that, once exceeded, triggers a publish.
	FlushThreshold int `default:"4"`

	// Now returns the wall clock; time.Now when nil.
	Now func() time.Time
	// OnState is called on every state transition.
	OnState func(State)
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	return o
}

// Stats are informational per-session counters.
type Stats struct {
	ConnectAttempts int
	Indications     int
	Datasets        int
	Bytes           int
	Published       int
	PublishErrors   int
	StreamTime      time.Duration
}

// Report is the outcome of one session.
type Report struct {
	Address     string
	DeviceID    string
	State       State
	Err         error
	Calibration bool
	Stats       Stats
	Started     time.Time
	Elapsed     time.Duration
}

// OK reports whether the session reached Closed.
func (r Report) OK() bool {
	return r.State == Closed
}

// Session drives one connect → discover → stream → finalize cycle against a single device.
// A Session is single-use and not safe for concurrent use.
type Session struct {
	address   string
	transport device.Transport
	sink      sink.Sink
	opts      Options
	logger    *logrus.Entry

	state       State
	deviceID    string
	schema      telemetry.Schema
	buffer      []telemetry.Record
	calibration bool
	stats       Stats
}

type characteristics struct {
	sync  *device.Characteristic
	clock *device.Characteristic
	name  *device.Characteristic
}

// New creates a session for address. Zero-valued options fall back to their defaults.
func New(address string, transport device.Transport, s sink.Sink, opts Options, logger *logrus.Logger) *Session {
	defaults.SetDefaults(&opts)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{
		address:   address,
		transport: transport,
		sink:      s,
		opts:      opts,
		logger:    logger.WithField("address", address),
		deviceID:  address,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Run executes the session to Closed or Failed. Every failure is resolved here and reported.
func (s *Session) Run(ctx context.Context) Report {
	started := s.opts.Now()
	s.logger.Info("Start synchronization")

	err := s.run(ctx)
	if err != nil {
		s.setState(Failed)
		s.logger.WithError(err).Warn("Synchronization failed")
	} else {
		s.setState(Closed)
	}

	s.logger.WithFields(logrus.Fields{
		"datasets":    s.stats.Datasets,
		"bytes":       s.stats.Bytes,
		"indications": s.stats.Indications,
		"published":   s.stats.Published,
	}).Infof("Received %d data sets (%d bytes) with %d indications in %s",
		s.stats.Datasets, s.stats.Bytes, s.stats.Indications, s.stats.StreamTime.Round(time.Millisecond))

	return Report{
		Address:     s.address,
		DeviceID:    s.deviceID,
		State:       s.state,
		Err:         err,
		Calibration: s.calibration,
		Stats:       s.stats,
		Started:     started,
		Elapsed:     s.opts.Now().Sub(started),
	}
}

func (s *Session) run(ctx context.Context) error {
	s.setState(Connecting)
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	s.setState(Discovering)
	chars, err := s.discover(ctx, conn)
	if err != nil {
		s.disconnect(conn)
		return err
	}

	if chars.sync == nil {
		s.finalize(ctx, conn, chars, false)
		return nil
	}

	s.setState(Streaming)
	if err := s.stream(ctx, conn, chars.sync); err != nil {
		s.flush(ctx)
		s.disconnect(conn)
		return err
	}

	s.finalize(ctx, conn, chars, true)
	return nil
}

func (s *Session) setState(next State) {
	s.logger.WithFields(logrus.Fields{"from": s.state, "to": next}).Debug("Session state")
	s.state = next
	if s.opts.OnState != nil {
		s.opts.OnState(next)
	}
}

func (s *Session) connect(ctx context.Context) (device.Connection, error) {
	var conn device.Connection
	op := func() error {
		s.stats.ConnectAttempts++
		c, err := s.transport.Connect(ctx, s.address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.WithError(err).WithField("attempt", s.stats.ConnectAttempts).
			Warnf("Connect failed, retrying in %s", next)
	}

	// WithMaxRetries treats zero as unlimited
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if s.opts.ConnectAttempts > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(s.opts.ConnectAttempts-1))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, s.stats.ConnectAttempts, err)
	}
	s.logger.WithField("attempt", s.stats.ConnectAttempts).Debug("Connected")
	return conn, nil
}

func (s *Session) discover(ctx context.Context, conn device.Connection) (characteristics, error) {
	profile, err := conn.Discover(ctx)
	if err != nil {
		return characteristics{}, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}

	chars := characteristics{
		clock: profile.FindCharacteristic(telemetry.CurrentTimeCharacteristic),
		name:  profile.FindCharacteristic(telemetry.NodeNameCharacteristic),
	}

	s.deviceID = s.resolveName(conn, chars.name)
	s.logger = s.logger.WithField("device", s.deviceID)

	// The sync characteristic only counts inside the sensor-sync service.
	if chars.sync, err = profile.Characteristic(telemetry.SensorSyncService, telemetry.SensorSyncCharacteristic); err != nil {
		s.logger.WithError(err).Warn("Sensor sync characteristic not found")
	}

	if chars.sync != nil {
		s.schema = telemetry.NewSchema(chars.sync.DescriptorUUIDs()...)
		s.logger.WithFields(logrus.Fields{
			"fields":      strings.Join(s.schema.Names(), ","),
			"record_size": s.schema.RecordSize(),
		}).Debug("Sensor schema resolved")
	}
	if chars.clock == nil {
		s.logger.Debug("Current time characteristic not found")
	}
	return chars, nil
}

// resolveName returns the node name announced by the device, or the address.
func (s *Session) resolveName(conn device.Connection, c *device.Characteristic) string {
	if c == nil {
		return s.address
	}
	v, err := conn.Read(c)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read node name")
		return s.address
	}
	name := strings.TrimSpace(strings.TrimRight(string(v), "\x00"))
	if name == "" {
		return s.address
	}
	return name
}

func (s *Session) stream(ctx context.Context, conn device.Connection, c *device.Characteristic) error {
	indications, err := conn.Subscribe(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	started := s.opts.Now()
	defer func() { s.stats.StreamTime = s.opts.Now().Sub(started) }()

	timer := time.NewTimer(s.opts.IndicationTimeout)
	defer timer.Stop()

	for {
		select {
		case payload := <-indications:
			if s.handle(ctx, payload) {
				return nil
			}
			timer.Reset(s.opts.IndicationTimeout)
		case <-conn.Disconnected():
			if s.drain(ctx, indications) {
				return nil
			}
			return ErrDisconnected
		case <-timer.C:
			if s.drain(ctx, indications) {
				return nil
			}
			return fmt.Errorf("%w: nothing received for %s", ErrIndicationTimeout, s.opts.IndicationTimeout)
		case <-ctx.Done():
			if s.drain(ctx, indications) {
				return nil
			}
			return ctx.Err()
		}
	}
}

// drain handles indications already queued on the channel without waiting for more and reports
// whether the end of the stream was among them.
func (s *Session) drain(ctx context.Context, indications <-chan []byte) bool {
	for {
		select {
		case payload, ok := <-indications:
			if !ok {
				return false
			}
			if s.handle(ctx, payload) {
				return true
			}
		default:
			return false
		}
	}
}

// handle processes one indication and reports whether it was the end of the stream.
func (s *Session) handle(ctx context.Context, payload []byte) bool {
	frame, err := s.schema.Decode(payload, s.opts.Now())
	if frame.Sentinel {
		s.logger.Debug("End of stream")
		return true
	}

	s.stats.Indications++
	s.stats.Bytes += len(payload)
	s.stats.Datasets += len(frame.Records)

	if err != nil {
		s.logger.WithError(err).WithField("payload", hex.EncodeToString(payload)).
			Warn("Malformed indication, keeping decoded records")
	}
	if frame.Calibration && !s.calibration {
		s.calibration = true
		s.logger.Info("Calibration data received")
	}

	for _, rec := range frame.Records {
		s.buffer = append(s.buffer, rec)
		if len(s.buffer) > s.opts.FlushThreshold {
			s.flush(ctx)
		}
	}
	return false
}

func (s *Session) finalize(ctx context.Context, conn device.Connection, chars characteristics, subscribed bool) {
	s.setState(Finalizing)

	if chars.clock != nil {
		if err := conn.Write(chars.clock, telemetry.CurrentTime(s.opts.Now())); err != nil {
			s.logger.WithError(err).Warn("Clock sync failed")
		} else {
			s.logger.Debug("Clock synchronized")
		}
	}
	if subscribed {
		if err := conn.Unsubscribe(chars.sync); err != nil {
			s.logger.WithError(err).Warn("Unsubscribe failed")
		}
	}
	s.disconnect(conn)
	s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) {
	if len(s.buffer) == 0 {
		return
	}
	batch := s.buffer
	s.buffer = nil

	if err := s.sink.Publish(ctx, s.deviceID, batch); err != nil {
		s.stats.PublishErrors++
		s.logger.WithError(err).WithField("records", len(batch)).Warn("Publish failed")
		return
	}
	s.stats.Published += len(batch)
	s.logger.WithField("records", len(batch)).Debug("Published")
}

func (s *Session) disconnect(conn device.Connection) {
	if err := conn.Disconnect(); err != nil && !errors.Is(err, device.ErrNotConnected) {
		s.logger.WithError(err).Warn("Disconnect failed")
	}
}
