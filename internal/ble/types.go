package ble

import (
	"strings"
	"time"
)

// Property is the set of capabilities a characteristic advertises.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// PropAll is assumed when the platform cannot report characteristic flags.
const PropAll = PropRead | PropWrite | PropWriteWithoutResponse | PropNotify | PropIndicate

var propertyNames = []struct {
	prop Property
	name string
}{
	{PropRead, "read"},
	{PropWrite, "write"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool { return p&q == q }

// Writable reports whether any write mode is supported.
func (p Property) Writable() bool { return p&(PropWrite|PropWriteWithoutResponse) != 0 }

// Notifiable reports whether notifications or indications are supported.
func (p Property) Notifiable() bool { return p&(PropNotify|PropIndicate) != 0 }

// Names returns the property names in a stable order.
func (p Property) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p.Has(pn.prop) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Property) String() string {
	if p == 0 {
		return "none"
	}
	return strings.Join(p.Names(), ",")
}

// ParseProperties maps BlueZ style flag names to a Property set.
// Unknown flags are ignored.
func ParseProperties(flags []string) Property {
	var p Property
	for _, f := range flags {
		for _, pn := range propertyNames {
			if strings.EqualFold(f, pn.name) {
				p |= pn.prop
			}
		}
	}
	return p
}

// DeviceRecord is a deduplicated scan result.
type DeviceRecord struct {
	Address          string
	Name             string // empty when the device did not advertise one
	RSSI             int16  // 0 when unknown
	ServiceData      map[string][]byte
	ManufacturerData map[uint16][]byte
	LastSeen         time.Time
}

// DisplayName returns the advertised name or a placeholder.
func (r DeviceRecord) DisplayName() string {
	if r.Name == "" {
		return "Unknown Device"
	}
	return r.Name
}

// CharacteristicInfo is a read-only view of a discovered characteristic.
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// Service is a discovered service and its characteristics in discovery order.
type Service struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// WriteMode selects how a write is acknowledged.
type WriteMode int

const (
	// WriteAuto writes with response when supported, otherwise without.
	WriteAuto WriteMode = iota
	WriteWithResponse
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	switch m {
	case WriteWithResponse:
		return "with-response"
	case WriteWithoutResponse:
		return "without-response"
	default:
		return "auto"
	}
}

// ParseWriteMode parses "auto", "with-response" or "without-response".
func ParseWriteMode(s string) (WriteMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return WriteAuto, true
	case "with-response", "response":
		return WriteWithResponse, true
	case "without-response", "no-response":
		return WriteWithoutResponse, true
	}
	return WriteAuto, false
}
