package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/telemetry"
)

// PeripheralBuilder builds a scripted sensor peripheral served by FakeTransport.
//
// Usage:
//
//	p := NewPeripheralBuilder("AA:BB:CC:DD:EE:01").
//		WithSensorSync(tsID, tempID).
//		WithCurrentTime().
//		WithFrames(frame1, frame2).
//		WithEndOfStream().
//		Build()
type PeripheralBuilder struct {
	p *FakePeripheral
}

// NewPeripheralBuilder creates a builder for a peripheral at the given address.
func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{p: &FakePeripheral{
		address: address,
		profile: &device.Profile{},
		values:  map[string][]byte{},
		writes:  map[string][][]byte{},
	}}
}

// WithConnectFailures makes the first n connect attempts fail with err.
func (b *PeripheralBuilder) WithConnectFailures(n int, err error) *PeripheralBuilder {
	if err == nil {
		err = fmt.Errorf("%w: connection refused", device.ErrNotConnected)
	}
	b.p.connectFailures = n
	b.p.connectErr = err
	return b
}

// WithDiscoverError makes profile discovery fail.
func (b *PeripheralBuilder) WithDiscoverError(err error) *PeripheralBuilder {
	b.p.discoverErr = err
	return b
}

// WithWriteError makes every characteristic write fail.
func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.p.writeErr = err
	return b
}

// WithService adds a service to the profile.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.p.profile.Services = append(b.p.profile.Services, &device.Service{UUID: device.NormalizeUUID(uuid)})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristic(uuid string, props device.Property, value []byte, descriptors ...string) *PeripheralBuilder {
	if len(b.p.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := b.p.profile.Services[len(b.p.profile.Services)-1]
	c := &device.Characteristic{
		UUID:       device.NormalizeUUID(uuid),
		Service:    svc.UUID,
		Path:       device.CharacteristicPath(svc.UUID, uuid),
		Handle:     uint16(0x10 + 0x10*len(svc.Characteristics)),
		Properties: props,
	}
	for i, d := range descriptors {
		c.Descriptors = append(c.Descriptors, device.Descriptor{UUID: device.NormalizeUUID(d), Handle: c.Handle + uint16(i) + 1})
	}
	svc.Characteristics = append(svc.Characteristics, c)
	if value != nil {
		b.p.values[c.Path] = value
	}
	return b
}

// WithSensorSync adds the sensor-sync service whose characteristic announces the given fields.
func (b *PeripheralBuilder) WithSensorSync(fieldIDs ...string) *PeripheralBuilder {
	descriptors := append([]string{telemetry.ClientConfigDescriptor}, fieldIDs...)
	return b.WithService(telemetry.SensorSyncService).
		WithCharacteristic(telemetry.SensorSyncCharacteristic, device.PropRead|device.PropIndicate, nil, descriptors...)
}

// WithCurrentTime adds the Current Time Service with a writable current time characteristic.
func (b *PeripheralBuilder) WithCurrentTime() *PeripheralBuilder {
	return b.WithService(telemetry.CurrentTimeService).
		WithCharacteristic(telemetry.CurrentTimeCharacteristic, device.PropRead|device.PropWrite|device.PropNotify, nil)
}

// WithNodeName adds the node-name characteristic with the given value.
func (b *PeripheralBuilder) WithNodeName(name string) *PeripheralBuilder {
	return b.WithService(telemetry.NodeNameService).
		WithCharacteristic(telemetry.NodeNameCharacteristic, device.PropRead, []byte(name))
}

// WithFrames queues indication payloads delivered after subscription.
func (b *PeripheralBuilder) WithFrames(payloads ...[]byte) *PeripheralBuilder {
	b.p.frames = append(b.p.frames, payloads...)
	return b
}

// WithEndOfStream queues the end-of-stream sentinel.
func (b *PeripheralBuilder) WithEndOfStream() *PeripheralBuilder {
	return b.WithFrames(telemetry.EndOfStream())
}

// WithDisconnectAfterFrames drops the link once every queued frame was delivered.
func (b *PeripheralBuilder) WithDisconnectAfterFrames() *PeripheralBuilder {
	b.p.dropAfterFrames = true
	return b
}

// WithFrameDelay delays every indication.
func (b *PeripheralBuilder) WithFrameDelay(d time.Duration) *PeripheralBuilder {
	b.p.frameDelay = d
	return b
}

// Build returns the configured peripheral.
func (b *PeripheralBuilder) Build() *FakePeripheral {
	return b.p
}

// FakePeripheral is a scripted GATT server and the record of what a client did to it.
type FakePeripheral struct {
	address         string
	profile         *device.Profile
	values          map[string][]byte
	frames          [][]byte
	frameDelay      time.Duration
	dropAfterFrames bool
	connectFailures int
	connectErr      error
	discoverErr     error
	writeErr        error

	mu              sync.Mutex
	connectAttempts int
	subscriptions   int
	unsubscriptions int
	disconnects     int
	writes          map[string][][]byte
}

func (p *FakePeripheral) Address() string {
	return p.address
}

// ConnectAttempts returns how many times a client tried to connect.
func (p *FakePeripheral) ConnectAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectAttempts
}

// Subscriptions returns the number of Subscribe calls.
func (p *FakePeripheral) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscriptions
}

// Unsubscriptions returns the number of Unsubscribe calls.
func (p *FakePeripheral) Unsubscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unsubscriptions
}

// Disconnects returns the number of client-initiated disconnects.
func (p *FakePeripheral) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// Writes returns the values written to a characteristic, in order.
func (p *FakePeripheral) Writes(uuid string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	id := device.NormalizeUUID(uuid)
	for path, vals := range p.writes {
		if strings.HasSuffix(path, "/"+id) {
			out = append(out, vals...)
		}
	}
	return out
}

// FakeTransport serves FakePeripherals by address and tracks connection concurrency.
type FakeTransport struct {
	mu          sync.Mutex
	peripherals map[string]*FakePeripheral
	active      int
	maxActive   int
	connected   []string
}

// NewFakeTransport creates a transport serving the given peripherals.
func NewFakeTransport(peripherals ...*FakePeripheral) *FakeTransport {
	t := &FakeTransport{peripherals: map[string]*FakePeripheral{}}
	for _, p := range peripherals {
		t.Add(p)
	}
	return t
}

// Add registers a peripheral.
func (t *FakeTransport) Add(p *FakePeripheral) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripherals[p.address] = p
}

// MaxConcurrent returns the highest number of simultaneously open connections observed.
func (t *FakeTransport) MaxConcurrent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxActive
}

// Connected returns addresses of successful connects in order.
func (t *FakeTransport) Connected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.connected...)
}

// Connect implements device.Transport.
func (t *FakeTransport) Connect(ctx context.Context, address string) (device.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	p, ok := t.peripherals[address]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no peripheral at %s", device.ErrNotConnected, address)
	}

	p.mu.Lock()
	p.connectAttempts++
	fail := p.connectAttempts <= p.connectFailures
	p.mu.Unlock()
	if fail {
		return nil, p.connectErr
	}

	t.mu.Lock()
	t.active++
	t.maxActive = max(t.maxActive, t.active)
	t.connected = append(t.connected, address)
	t.mu.Unlock()

	return &fakeConnection{
		peripheral:   p,
		transport:    t,
		disconnected: make(chan struct{}),
	}, nil
}

func (t *FakeTransport) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
}

type fakeConnection struct {
	peripheral   *FakePeripheral
	transport    *FakeTransport
	disconnected chan struct{}
	closeOnce    sync.Once
}

func (c *fakeConnection) Address() string {
	return c.peripheral.address
}

func (c *fakeConnection) Discover(ctx context.Context) (*device.Profile, error) {
	if c.peripheral.discoverErr != nil {
		return nil, c.peripheral.discoverErr
	}
	return c.peripheral.profile, ctx.Err()
}

func (c *fakeConnection) Subscribe(_ context.Context, ch *device.Characteristic) (<-chan []byte, error) {
	if !ch.Properties.Has(device.PropIndicate) && !ch.Properties.Has(device.PropNotify) {
		return nil, fmt.Errorf("subscribe %s: %w", ch.UUID, device.ErrUnsupported)
	}

	p := c.peripheral
	p.mu.Lock()
	p.subscriptions++
	p.mu.Unlock()

	// Buffered like the go-ble adapter, so queued frames can race a link loss.
	out := make(chan []byte, len(p.frames))
	go func() {
		for _, frame := range p.frames {
			if p.frameDelay > 0 {
				time.Sleep(p.frameDelay)
			}
			select {
			case out <- append([]byte(nil), frame...):
			case <-c.disconnected:
				return
			}
		}
		if p.dropAfterFrames {
			c.close()
		}
	}()
	return out, nil
}

func (c *fakeConnection) Unsubscribe(*device.Characteristic) error {
	p := c.peripheral
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscriptions++
	return nil
}

func (c *fakeConnection) Write(ch *device.Characteristic, value []byte) error {
	select {
	case <-c.disconnected:
		return device.ErrNotConnected
	default:
	}
	p := c.peripheral
	if p.writeErr != nil {
		return p.writeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes[ch.Path] = append(p.writes[ch.Path], append([]byte(nil), value...))
	return nil
}

func (c *fakeConnection) Read(ch *device.Characteristic) ([]byte, error) {
	v, ok := c.peripheral.values[ch.Path]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.UUID}}
	}
	return v, nil
}

func (c *fakeConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *fakeConnection) Disconnect() error {
	p := c.peripheral
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	c.close()
	return nil
}

func (c *fakeConnection) close() {
	c.closeOnce.Do(func() {
		close(c.disconnected)
		c.transport.release()
	})
}
