package main

import (
	"errors"
	"strings"

	"github.com/srg/blesync/internal/config"
	"github.com/srg/blesync/internal/device"
)

// ErrSyncFailed is returned by sync when at least one device did not reach Closed.
var ErrSyncFailed = errors.New("synchronization failed")

// FormatUserError turns an error chain into a message for the terminal.
func FormatUserError(err error) string {
	switch {
	case device.IsConnectionState(err, device.BluetoothOff):
		return "Bluetooth is turned off or unavailable; enable the adapter and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "BLE is not supported on this platform: " + err.Error()
	case errors.Is(err, config.ErrInvalid):
		// errors.Join separates causes with newlines
		return strings.ReplaceAll(err.Error(), "\n", "; ")
	default:
		return err.Error()
	}
}
