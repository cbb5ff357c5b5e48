package goble

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/groutine"
)

// DefaultChannelBuffer is the buffer size of indication channels.
const DefaultChannelBuffer = 128

// Connection is a live GATT client session.
type Connection struct {
	address string
	client  ble.Client
	logger  *logrus.Entry

	writeMutex sync.Mutex

	mu    sync.Mutex
	chars map[string]*ble.Characteristic

	done         chan struct{}
	doneOnce     sync.Once
	disconnected chan struct{}
	lostOnce     sync.Once
}

var _ device.Connection = (*Connection)(nil)

func newConnection(address string, client ble.Client, logger *logrus.Logger) *Connection {
	c := &Connection{
		address:      address,
		client:       client,
		logger:       logger.WithField("address", address),
		chars:        make(map[string]*ble.Characteristic),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}),
	}
	c.monitor()
	return c
}

// monitor closes Disconnected when the stack reports link loss.
func (c *Connection) monitor() {
	lost, ok := c.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Client does not report disconnections")
		return
	}
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-lost.Disconnected():
			c.logger.Warn("BLE stack reported disconnection")
			c.markLost()
		case <-c.done:
		}
	})
}

func (c *Connection) markLost() {
	c.lostOnce.Do(func() { close(c.disconnected) })
}

func (c *Connection) Address() string {
	return c.address
}

// Discover reads the full GATT database and indexes characteristics by path.
func (c *Connection) Discover(ctx context.Context) (*device.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bp, err := c.client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	profile := &device.Profile{Services: make([]*device.Service, 0, len(bp.Services))}
	for _, bs := range bp.Services {
		svc := &device.Service{UUID: device.NormalizeUUID(bs.UUID.String())}
		for _, bc := range bs.Characteristics {
			ch := convertCharacteristic(svc.UUID, bc)
			c.chars[ch.Path] = bc
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		profile.Services = append(profile.Services, svc)
	}

	c.logger.WithFields(logrus.Fields{
		"services":        len(profile.Services),
		"characteristics": len(c.chars),
	}).Debug("Profile discovered")
	return profile, nil
}

func convertCharacteristic(service string, bc *ble.Characteristic) *device.Characteristic {
	uuid := device.NormalizeUUID(bc.UUID.String())
	ch := &device.Characteristic{
		UUID:       uuid,
		Service:    service,
		Path:       device.CharacteristicPath(service, uuid),
		Handle:     bc.ValueHandle,
		Properties: convertProperties(bc.Property),
	}
	for _, d := range bc.Descriptors {
		ch.Descriptors = append(ch.Descriptors, device.Descriptor{
			UUID:   device.NormalizeUUID(d.UUID.String()),
			Handle: d.Handle,
		})
	}
	return ch
}

func convertProperties(p ble.Property) device.Property {
	mapping := []struct {
		from ble.Property
		to   device.Property
	}{
		{ble.CharBroadcast, device.PropBroadcast},
		{ble.CharRead, device.PropRead},
		{ble.CharWriteNR, device.PropWriteWithoutResponse},
		{ble.CharWrite, device.PropWrite},
		{ble.CharNotify, device.PropNotify},
		{ble.CharIndicate, device.PropIndicate},
	}
	var out device.Property
	for _, m := range mapping {
		if p&m.from != 0 {
			out |= m.to
		}
	}
	return out
}

func (c *Connection) lookup(ch *device.Characteristic) (*ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bc, ok := c.chars[ch.Path]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.UUID}}
	}
	return bc, nil
}

// Subscribe enables indications when the characteristic supports them and notifications otherwise.
// The handler blocks while the channel is full so no payload is dropped; it gives up once the
// connection is closed or ctx is done.
func (c *Connection) Subscribe(ctx context.Context, ch *device.Characteristic) (<-chan []byte, error) {
	bc, err := c.lookup(ch)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, DefaultChannelBuffer)
	handler := func(data []byte) {
		payload := bytes.Clone(data)
		select {
		case out <- payload:
		case <-c.done:
		case <-ctx.Done():
		}
	}

	indicate := ch.Properties.Has(device.PropIndicate)
	if err := c.client.Subscribe(bc, indicate, handler); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ch.UUID, device.NormalizeError(err))
	}
	c.logger.WithFields(logrus.Fields{"char_uuid": ch.UUID, "indicate": indicate}).Debug("Subscribed")
	return out, nil
}

func (c *Connection) Unsubscribe(ch *device.Characteristic) error {
	bc, err := c.lookup(ch)
	if err != nil {
		return err
	}
	if err := c.client.Unsubscribe(bc, ch.Properties.Has(device.PropIndicate)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", ch.UUID, device.NormalizeError(err))
	}
	return nil
}

// Write performs a write request (with response).
func (c *Connection) Write(ch *device.Characteristic, value []byte) error {
	bc, err := c.lookup(ch)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := c.client.WriteCharacteristic(bc, value, false); err != nil {
		return fmt.Errorf("failed to write %s: %w", ch.UUID, device.NormalizeError(err))
	}
	return nil
}

func (c *Connection) Read(ch *device.Characteristic) ([]byte, error) {
	bc, err := c.lookup(ch)
	if err != nil {
		return nil, err
	}
	value, err := c.client.ReadCharacteristic(bc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ch.UUID, device.NormalizeError(err))
	}
	return value, nil
}

// Disconnected is closed once the link is gone, whether lost or closed by Disconnect.
func (c *Connection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Disconnect cancels the connection. Calling it more than once is a no-op.
func (c *Connection) Disconnect() error {
	var err error
	c.doneOnce.Do(func() {
		close(c.done)
		if cerr := c.client.CancelConnection(); cerr != nil {
			err = device.NormalizeError(cerr)
			c.logger.WithField("error", cerr).Warn("BLE device disconnected with errors")
		} else {
			c.logger.Debug("BLE device disconnected")
		}
		c.markLost()
	})
	return err
}
