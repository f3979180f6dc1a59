// Package ble provides discovery and a GATT connection session on top of a
// platform Bluetooth Low Energy stack. The stack is reached through the
// Adapter interface so the session logic can be exercised without a radio.
package ble

import "context"

// Advertisement is one advertising report observed during a scan.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int16
	ServiceData      map[string][]byte
	ManufacturerData map[uint16][]byte
}

// RemoteCharacteristic represents a GATT characteristic on a connected peer.
type RemoteCharacteristic interface {
	// UUID returns the canonical lowercase 128-bit UUID string.
	UUID() string
	// Properties reports the capabilities advertised by the peer.
	Properties() Property
	// Read fetches the current value.
	Read() ([]byte, error)
	// Write sends data and waits for the peer to acknowledge it.
	Write(data []byte) (int, error)
	// WriteWithoutResponse sends data without acknowledgement.
	WriteWithoutResponse(data []byte) (int, error)
	// Subscribe registers a callback for notifications or indications.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
	// MTU returns the negotiated ATT MTU.
	MTU() (uint16, error)
}

// RemoteService is a primary service discovered on a connected peer.
type RemoteService interface {
	UUID() string
	Characteristics() []RemoteCharacteristic
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices enumerates all services and their characteristics.
	DiscoverServices(ctx context.Context) ([]RemoteService, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to onResult until ctx is done.
	Scan(ctx context.Context, onResult func(Advertisement)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
