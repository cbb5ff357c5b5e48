package device

import "strings"

// Property is a bit set of GATT characteristic properties.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

func (p Property) Has(flag Property) bool {
	return p&flag != 0
}

func (p Property) String() string {
	names := []struct {
		flag Property
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	var parts []string
	for _, n := range names {
		if p.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	UUID   string
	Handle uint16
}

// Characteristic is a discovered GATT characteristic.
//
// Path identifies the characteristic within its connection ("<service>/<characteristic>") and is
// what transports use to map it back to their native handle.
type Characteristic struct {
	UUID        string
	Service     string
	Path        string
	Handle      uint16
	Properties  Property
	Descriptors []Descriptor
}

// DescriptorUUIDs returns the normalized identifiers of all descriptors in discovery order.
func (c *Characteristic) DescriptorUUIDs() []string {
	ids := make([]string, 0, len(c.Descriptors))
	for _, d := range c.Descriptors {
		ids = append(ids, d.UUID)
	}
	return ids
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Profile is the discovered GATT database of a peripheral.
type Profile struct {
	Services []*Service
}

// CharacteristicPath builds the Characteristic.Path value for a service/characteristic pair.
func CharacteristicPath(service, characteristic string) string {
	return NormalizeUUID(service) + "/" + NormalizeUUID(characteristic)
}

// FindService returns the service with the given UUID, or nil.
func (p *Profile) FindService(uuid string) *Service {
	if p == nil {
		return nil
	}
	id := NormalizeUUID(uuid)
	for _, s := range p.Services {
		if NormalizeUUID(s.UUID) == id {
			return s
		}
	}
	return nil
}

// FindCharacteristic returns the first characteristic with the given UUID in any service, or nil.
func (p *Profile) FindCharacteristic(uuid string) *Characteristic {
	if p == nil {
		return nil
	}
	id := NormalizeUUID(uuid)
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if NormalizeUUID(c.UUID) == id {
				return c
			}
		}
	}
	return nil
}

// Characteristic returns the characteristic of the given service, or a *NotFoundError.
func (p *Profile) Characteristic(service, uuid string) (*Characteristic, error) {
	svc := p.FindService(service)
	if svc == nil {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{NormalizeUUID(service)}}
	}
	id := NormalizeUUID(uuid)
	for _, c := range svc.Characteristics {
		if NormalizeUUID(c.UUID) == id {
			return c, nil
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{NormalizeUUID(service), id}}
}
