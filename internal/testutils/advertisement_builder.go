package testutils

import (
	"github.com/srg/blesync/internal/device"
)

// AdvertisementBuilder builds device.Advertisement values with a fluent API.
type AdvertisementBuilder struct {
	adv *Advertisement
}

// NewAdvertisementBuilder starts a connectable advertisement with no payload.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: &Advertisement{connectable: true, rssi: -60}}
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.addr = addr
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.rssi = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.services = append(b.adv.services, device.NormalizeUUIDs(uuids)...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.manufacturerData = data
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.serviceData = append(b.adv.serviceData, device.ServiceData{UUID: device.NormalizeUUID(uuid), Data: data})
	return b
}

// WithEddystoneURL adds an Eddystone-URL frame (0xFEAA service data, frame type 0x10).
// encoded is the scheme byte followed by the compressed URL.
func (b *AdvertisementBuilder) WithEddystoneURL(txPower int8, encoded ...byte) *AdvertisementBuilder {
	data := append([]byte{0x10, byte(txPower)}, encoded...)
	return b.WithServices("feaa").WithServiceData("feaa", data)
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.connectable = c
	return b
}

func (b *AdvertisementBuilder) Build() *Advertisement {
	return b.adv
}

// Advertisement is a plain device.Advertisement implementation.
type Advertisement struct {
	addr             string
	name             string
	rssi             int
	services         []string
	manufacturerData []byte
	serviceData      []device.ServiceData
	connectable      bool
}

var _ device.Advertisement = (*Advertisement)(nil)

func (a *Advertisement) LocalName() string                 { return a.name }
func (a *Advertisement) ManufacturerData() []byte          { return a.manufacturerData }
func (a *Advertisement) ServiceData() []device.ServiceData { return a.serviceData }
func (a *Advertisement) Services() []string                { return a.services }
func (a *Advertisement) Connectable() bool                 { return a.connectable }
func (a *Advertisement) RSSI() int                         { return a.rssi }
func (a *Advertisement) Addr() string                      { return a.addr }
