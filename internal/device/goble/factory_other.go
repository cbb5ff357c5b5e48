//go:build !linux && !darwin

package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blesync/internal/device"
)

func newDefaultDevice() (ble.Device, error) {
	return nil, fmt.Errorf("no BLE host stack for this platform: %w", device.ErrUnsupported)
}
