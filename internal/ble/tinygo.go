package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// FlagSource resolves GATT characteristic flags for a connected device,
// keyed by lowercase characteristic UUID. tinygo/bluetooth does not expose
// characteristic properties on every platform.
type FlagSource interface {
	CharacteristicFlags(ctx context.Context, address string) (map[string][]string, error)
}

// AckWriter performs acknowledged (write request) characteristic writes
// on platforms where tinygo/bluetooth only offers write without response.
type AckWriter interface {
	WriteCharacteristic(ctx context.Context, address, uuid string, data []byte) error
}

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both are carried as strings.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	flags   FlagSource

	enableOnce sync.Once
	enableErr  error

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by upper-case address
}

// NewTinyGoAdapter creates an adapter backed by the default system adapter.
// flags may be nil, in which case every characteristic is assumed to
// support every operation and the peer is left to reject what it cannot do.
// On Linux flags must also implement AckWriter for write requests to be
// offered.
func NewTinyGoAdapter(flags FlagSource) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		flags:       flags,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = err
			return
		}

		// The adapter-level handler fires with connected=false when a
		// peripheral goes away, including after our own Disconnect.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			key := strings.ToUpper(device.Address.String())
			a.mu.Lock()
			conn, ok := a.connections[key]
			delete(a.connections, key)
			a.mu.Unlock()
			if ok {
				conn.fireDisconnect()
			}
		})
	})
	return a.enableErr
}

func (a *TinyGoAdapter) Scan(ctx context.Context, onResult func(Advertisement)) error {
	g, gctx := errgroup.WithContext(ctx)
	scanDone := make(chan struct{})

	g.Go(func() error {
		defer close(scanDone)
		return a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			onResult(toAdvertisement(result))
		})
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return a.adapter.StopScan()
		case <-scanDone:
			return nil
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		// Stopped by the caller; StopScan errors are not interesting here.
		return nil
	}
	return err
}

func toAdvertisement(result bluetooth.ScanResult) Advertisement {
	adv := Advertisement{
		Address: result.Address.String(),
		Name:    result.LocalName(),
		RSSI:    result.RSSI,
	}
	if sd := result.ServiceData(); len(sd) > 0 {
		adv.ServiceData = make(map[string][]byte, len(sd))
		for _, el := range sd {
			adv.ServiceData[strings.ToLower(el.UUID.String())] = el.Data
		}
	}
	if md := result.ManufacturerData(); len(md) > 0 {
		adv.ManufacturerData = make(map[uint16][]byte, len(md))
		for _, el := range md {
			adv.ManufacturerData[el.CompanyID] = el.Data
		}
	}
	return adv
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// Release the link if the stack completes the connect after we gave up.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinygoConnection{
			adapter: a,
			device:  result.device,
			address: address,
		}
		a.mu.Lock()
		a.connections[strings.ToUpper(result.device.Address.String())] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoConnection struct {
	adapter *TinyGoAdapter
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverServices(ctx context.Context) ([]RemoteService, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	flags := c.resolveFlags(ctx)

	out := make([]RemoteService, 0, len(svcs))
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID().String(), err)
		}
		svc := &tinygoService{uuid: strings.ToLower(svcs[i].UUID().String())}
		for j := range chars {
			uuid := strings.ToLower(chars[j].UUID().String())
			svc.chars = append(svc.chars, &tinygoCharacteristic{
				conn:  c,
				char:  chars[j],
				uuid:  uuid,
				props: c.adapter.properties(flags[uuid]),
			})
		}
		out = append(out, svc)
	}
	return out, nil
}

// properties maps BlueZ-style flags to a Property set. Write requests are
// dropped when the platform cannot issue them, so WriteAuto falls back to
// write without response.
func (a *TinyGoAdapter) properties(flags []string) Property {
	props := PropAll
	if len(flags) > 0 {
		props = ParseProperties(flags)
	}
	if !a.canWriteWithResponse() {
		props &^= PropWrite
	}
	return props
}

func (c *tinygoConnection) resolveFlags(ctx context.Context) map[string][]string {
	if c.adapter.flags == nil {
		return nil
	}
	flags, err := c.adapter.flags.CharacteristicFlags(ctx, c.device.Address.String())
	if err != nil {
		slog.Debug("[BLE] characteristic flags unavailable, assuming all capabilities", "error", err)
		return nil
	}
	return flags
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoService struct {
	uuid  string
	chars []RemoteCharacteristic
}

func (s *tinygoService) UUID() string                            { return s.uuid }
func (s *tinygoService) Characteristics() []RemoteCharacteristic { return s.chars }

type tinygoCharacteristic struct {
	conn  *tinygoConnection
	char  bluetooth.DeviceCharacteristic
	uuid  string
	props Property
}

func (c *tinygoCharacteristic) UUID() string         { return c.uuid }
func (c *tinygoCharacteristic) Properties() Property { return c.props }

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxAttributeLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) WriteWithoutResponse(data []byte) (int, error) {
	return c.char.WriteWithoutResponse(data)
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}

func (c *tinygoCharacteristic) MTU() (uint16, error) {
	return c.char.GetMTU()
}
