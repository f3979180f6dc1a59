//go:build !linux

package ble

// CoreBluetooth and WinRT issue write requests themselves.
func (a *TinyGoAdapter) canWriteWithResponse() bool { return true }

func (c *tinygoCharacteristic) Write(data []byte) (int, error) {
	return c.char.Write(data)
}
