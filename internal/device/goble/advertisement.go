package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blesync/internal/device"
)

// Advertisement wraps ble.Advertisement to implement device.Advertisement.
type Advertisement struct {
	adv ble.Advertisement
}

func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &Advertisement{adv: adv}
}

func (a *Advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *Advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *Advertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *Advertisement) RSSI() int                { return a.adv.RSSI() }
func (a *Advertisement) Addr() string             { return a.adv.Addr().String() }

// ServiceData returns service data entries with normalized UUIDs.
func (a *Advertisement) ServiceData() []device.ServiceData {
	raw := a.adv.ServiceData()
	result := make([]device.ServiceData, len(raw))
	for i, sd := range raw {
		result[i] = device.ServiceData{UUID: device.NormalizeUUID(sd.UUID.String()), Data: sd.Data}
	}
	return result
}

func (a *Advertisement) Services() []string {
	raw := a.adv.Services()
	result := make([]string, len(raw))
	for i, svc := range raw {
		result[i] = device.NormalizeUUID(svc.String())
	}
	return result
}
