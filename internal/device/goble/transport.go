// Package goble implements the device transport on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/device"
)

// DeviceFactory creates the host BLE device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDefaultDevice

// Transport dials peripherals and scans through a single host device, created on first use.
type Transport struct {
	mu     sync.Mutex
	dev    ble.Device
	logger *logrus.Logger
}

var (
	_ device.Transport      = (*Transport)(nil)
	_ device.ScanningDevice = (*Transport)(nil)
)

func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// Connect dials the peripheral. The returned connection is already monitored for link loss.
func (t *Transport) Connect(ctx context.Context, address string) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.NormalizeError(err))
	}
	return newConnection(address, client, t.logger), nil
}

// Scan reports advertisements until ctx is done.
func (t *Transport) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if err != nil {
		return device.NormalizeError(err)
	}
	return nil
}

// Close stops the host device.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return nil
	}
	err := t.dev.Stop()
	t.dev = nil
	return err
}
