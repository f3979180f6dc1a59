// Package bletest provides an in-memory ble.Adapter with scripted
// peripherals for tests of packages built on top of ble.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/bleprobe/internal/ble"
)

// UUID16 expands a 16-bit assigned number to its 128-bit string form.
func UUID16(id uint16) string {
	return fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", uint32(id))
}

// Characteristic is a scripted GATT characteristic.
type Characteristic struct {
	mu       sync.Mutex
	uuid     string
	props    ble.Property
	value    []byte
	mtu      uint16
	writes   [][]byte
	noResp   [][]byte
	writeErr error
	callback func([]byte)
}

// NewCharacteristic creates a characteristic with a 23 byte MTU.
func NewCharacteristic(uuid string, props ble.Property) *Characteristic {
	return &Characteristic{uuid: strings.ToLower(uuid), props: props, mtu: 23}
}

// WithValue sets the value returned by Read.
func (c *Characteristic) WithValue(v []byte) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
	return c
}

// WithMTU sets the negotiated MTU.
func (c *Characteristic) WithMTU(mtu uint16) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtu = mtu
	return c
}

// FailWrites makes every subsequent write return err.
func (c *Characteristic) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Writes returns the payloads received with response, in order.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// NoResponseWrites returns the payloads received without response.
func (c *Characteristic) NoResponseWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.noResp...)
}

// Subscribed reports whether a notification callback is registered.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Notify pushes data to the subscriber. It returns false when nobody is
// subscribed.
func (c *Characteristic) Notify(data []byte) bool {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(data)
	return true
}

func (c *Characteristic) UUID() string             { return c.uuid }
func (c *Characteristic) Properties() ble.Property { return c.props }

func (c *Characteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *Characteristic) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (c *Characteristic) WriteWithoutResponse(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.noResp = append(c.noResp, append([]byte(nil), data...))
	return len(data), nil
}

func (c *Characteristic) Subscribe(callback func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
	return nil
}

func (c *Characteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

func (c *Characteristic) MTU() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu, nil
}

// Service groups characteristics.
type Service struct {
	uuid  string
	chars []ble.RemoteCharacteristic
}

// NewService creates a service holding chars.
func NewService(uuid string, chars ...*Characteristic) *Service {
	s := &Service{uuid: strings.ToLower(uuid)}
	for _, c := range chars {
		s.chars = append(s.chars, c)
	}
	return s
}

func (s *Service) UUID() string                                { return s.uuid }
func (s *Service) Characteristics() []ble.RemoteCharacteristic { return s.chars }

// Device is a scripted peripheral.
type Device struct {
	Address    string
	Name       string
	RSSI       int16
	Services   []*Service
	ConnectErr error

	mu   sync.Mutex
	conn *connection
}

// DropLink simulates the peer going away while connected.
func (d *Device) DropLink() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.fire()
	}
}

// Connected reports whether the device has an open connection.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

type connection struct {
	dev *Device

	mu           sync.Mutex
	onDisconnect func()
}

func (c *connection) DiscoverServices(context.Context) ([]ble.RemoteService, error) {
	out := make([]ble.RemoteService, 0, len(c.dev.Services))
	for _, s := range c.dev.Services {
		out = append(out, s)
	}
	return out, nil
}

func (c *connection) Disconnect() error {
	c.dev.mu.Lock()
	if c.dev.conn == c {
		c.dev.conn = nil
	}
	c.dev.mu.Unlock()
	return nil
}

func (c *connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

func (c *connection) fire() {
	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ErrUnknownDevice is returned by Connect for addresses not registered.
var ErrUnknownDevice = errors.New("bletest: unknown device")

// Adapter is an in-memory ble.Adapter.
type Adapter struct {
	EnableErr error

	mu       sync.Mutex
	devices  []*Device
	connects []string
}

// NewAdapter creates an adapter that advertises devices in order.
func NewAdapter(devices ...*Device) *Adapter {
	return &Adapter{devices: devices}
}

// Connects returns the addresses passed to Connect, in order.
func (a *Adapter) Connects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.connects...)
}

func (a *Adapter) Enable() error { return a.EnableErr }

// Scan reports every device once and then waits for ctx.
func (a *Adapter) Scan(ctx context.Context, onResult func(ble.Advertisement)) error {
	a.mu.Lock()
	devices := append([]*Device(nil), a.devices...)
	a.mu.Unlock()
	for _, d := range devices {
		onResult(ble.Advertisement{Address: d.Address, Name: d.Name, RSSI: d.RSSI})
	}
	<-ctx.Done()
	return nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	a.connects = append(a.connects, address)
	var dev *Device
	for _, d := range a.devices {
		if strings.EqualFold(d.Address, address) {
			dev = d
		}
	}
	a.mu.Unlock()

	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	if dev.ConnectErr != nil {
		return nil, dev.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &connection{dev: dev}
	dev.mu.Lock()
	dev.conn = conn
	dev.mu.Unlock()
	return conn, nil
}

var (
	_ ble.Adapter              = (*Adapter)(nil)
	_ ble.Connection           = (*connection)(nil)
	_ ble.RemoteService        = (*Service)(nil)
	_ ble.RemoteCharacteristic = (*Characteristic)(nil)
)
