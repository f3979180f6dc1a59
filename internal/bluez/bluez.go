// Package bluez talks to the BlueZ daemon over the D-Bus system bus. It
// lists local adapters, checks that the configured adapter is usable and
// reads GATT characteristic flags that tinygo/bluetooth does not expose.
//
// BlueZ D-Bus API: https://git.kernel.org/pub/scm/bluetooth/bluez.git/tree/doc
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/bleprobe/internal/ble"
)

const (
	service          = "org.bluez"
	rootPath         = "/org/bluez/"
	ifaceAdapter     = "org.bluez.Adapter1"
	ifaceChar        = "org.bluez.GattCharacteristic1"
	getManagedObject = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	// DefaultAdapter is the adapter used when none is configured.
	DefaultAdapter = "hci0"
)

// ErrUnsupported is returned on platforms without BlueZ.
var ErrUnsupported = errors.New("bluez: only available on linux")

// objects is the reply shape of ObjectManager.GetManagedObjects.
type objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// AdapterInfo describes a local Bluetooth controller.
type AdapterInfo struct {
	ID          string
	Address     string
	Name        string
	Alias       string
	Powered     bool
	Discovering bool
}

// Client is a connection to BlueZ for one adapter.
type Client struct {
	bus     *dbus.Conn
	root    dbus.BusObject // object at /
	adapter string
}

// Dial connects to the system bus. adapterID defaults to hci0.
func Dial(adapterID string) (*Client, error) {
	if runtime.GOOS != "linux" {
		return nil, ErrUnsupported
	}
	if adapterID == "" {
		adapterID = DefaultAdapter
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return &Client{
		bus:     bus,
		root:    bus.Object(service, dbus.ObjectPath("/")),
		adapter: adapterID,
	}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.bus.Close()
}

// AdapterID returns the adapter this client targets.
func (c *Client) AdapterID() string { return c.adapter }

func (c *Client) managedObjects(ctx context.Context) (objects, error) {
	var list objects
	if err := c.root.CallWithContext(ctx, getManagedObject, 0).Store(&list); err != nil {
		return nil, fmt.Errorf("bluez: get managed objects: %w", err)
	}
	return list, nil
}

// Adapters lists the local adapters sorted by id.
func (c *Client) Adapters(ctx context.Context) ([]AdapterInfo, error) {
	list, err := c.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return adaptersFrom(list), nil
}

// Preflight fails with ble.ErrAdapterUnavailable when the configured
// adapter is missing or powered off.
func (c *Client) Preflight(ctx context.Context) error {
	list, err := c.managedObjects(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ble.ErrAdapterUnavailable, err)
	}
	return checkAdapter(adaptersFrom(list), c.adapter)
}

// CharacteristicFlags returns the GATT flags of every characteristic on
// the connected device, keyed by lowercase UUID. It implements
// ble.FlagSource.
func (c *Client) CharacteristicFlags(ctx context.Context, address string) (map[string][]string, error) {
	list, err := c.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	flags := flagsFrom(list, DevicePath(c.adapter, address))
	slog.Debug("[BLUEZ] characteristic flags", "address", address, "characteristics", len(flags))
	return flags, nil
}

// WriteCharacteristic sends a write request (write with response) to the
// characteristic on the connected device. It implements ble.AckWriter.
func (c *Client) WriteCharacteristic(ctx context.Context, address, uuid string, data []byte) error {
	list, err := c.managedObjects(ctx)
	if err != nil {
		return err
	}
	path, ok := characteristicPath(list, DevicePath(c.adapter, address), uuid)
	if !ok {
		return fmt.Errorf("bluez: %s on %s: %w", uuid, address, ble.ErrCharacteristicNotFound)
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	call := c.bus.Object(service, path).CallWithContext(ctx, ifaceChar+".WriteValue", 0, data, opts)
	if call.Err != nil {
		return fmt.Errorf("bluez: write %s: %w", uuid, call.Err)
	}
	slog.Debug("[BLUEZ] write request", "path", path, "bytes", len(data))
	return nil
}

// DevicePath returns the BlueZ object path of a device on an adapter.
func DevicePath(adapterID, address string) dbus.ObjectPath {
	return dbus.ObjectPath(rootPath + adapterID + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func adaptersFrom(list objects) []AdapterInfo {
	var out []AdapterInfo
	for path, ifaces := range list {
		props, ok := ifaces[ifaceAdapter]
		if !ok {
			continue
		}
		out = append(out, AdapterInfo{
			ID:          strings.TrimPrefix(string(path), rootPath),
			Address:     stringProp(props, "Address"),
			Name:        stringProp(props, "Name"),
			Alias:       stringProp(props, "Alias"),
			Powered:     boolProp(props, "Powered"),
			Discovering: boolProp(props, "Discovering"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func checkAdapter(adapters []AdapterInfo, id string) error {
	for _, a := range adapters {
		if a.ID != id {
			continue
		}
		if !a.Powered {
			return fmt.Errorf("bluez: adapter %s is powered off: %w", id, ble.ErrAdapterUnavailable)
		}
		return nil
	}
	return fmt.Errorf("bluez: adapter %s does not exist: %w", id, ble.ErrAdapterUnavailable)
}

// characteristics yields the GATT characteristic objects below device.
func characteristics(list objects, device dbus.ObjectPath, fn func(path dbus.ObjectPath, uuid string, props map[string]dbus.Variant)) {
	prefix := string(device) + "/service"
	for path, ifaces := range list {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[ifaceChar]
		if !ok {
			continue
		}
		if uuid := strings.ToLower(stringProp(props, "UUID")); uuid != "" {
			fn(path, uuid, props)
		}
	}
}

// characteristicPath finds the object path of uuid on device. When a UUID
// appears in several services the lowest path wins.
func characteristicPath(list objects, device dbus.ObjectPath, uuid string) (dbus.ObjectPath, bool) {
	uuid = strings.ToLower(uuid)
	var found dbus.ObjectPath
	characteristics(list, device, func(path dbus.ObjectPath, u string, _ map[string]dbus.Variant) {
		if u == uuid && (found == "" || path < found) {
			found = path
		}
	})
	return found, found != ""
}

func flagsFrom(list objects, device dbus.ObjectPath) map[string][]string {
	out := make(map[string][]string)
	characteristics(list, device, func(_ dbus.ObjectPath, uuid string, props map[string]dbus.Variant) {
		var flags []string
		if v, ok := props["Flags"]; ok {
			flags, _ = v.Value().([]string)
		}
		out[uuid] = append(out[uuid], flags...)
	})
	return out
}

var (
	_ ble.FlagSource = (*Client)(nil)
	_ ble.AckWriter  = (*Client)(nil)
)

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}
