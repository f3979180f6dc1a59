package ble

import (
	"fmt"
	"strconv"
	"strings"

	"tinygo.org/x/bluetooth"
)

// NormalizeUUID converts operator or stack supplied UUID text into the
// canonical lowercase 128-bit form. 16- and 32-bit short forms (with or
// without a 0x prefix) are expanded against the Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	switch len(s) {
	case 4:
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return "", fmt.Errorf("ble: invalid 16-bit UUID %q", s)
		}
		return strings.ToLower(bluetooth.New16BitUUID(uint16(v)).String()), nil
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return "", fmt.Errorf("ble: invalid 32-bit UUID %q", s)
		}
		return strings.ToLower(bluetooth.New32BitUUID(uint32(v)).String()), nil
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return "", fmt.Errorf("ble: invalid UUID %q: %w", s, err)
	}
	return strings.ToLower(u.String()), nil
}
