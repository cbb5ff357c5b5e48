package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blesync/internal/config"
	"github.com/srg/blesync/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"bluetooth off", fmt.Errorf("dial: %w", device.ErrBluetoothOff), "Bluetooth is turned off or unavailable; enable the adapter and try again"},
		{"invalid config", fmt.Errorf("%w: %w", config.ErrInvalid, errors.Join(errors.New("a"), errors.New("b"))), "invalid configuration: a; b"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatUserError(tc.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
