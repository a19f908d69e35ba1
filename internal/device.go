package internal

import "fmt"

// DeviceClass is the coarse category of a playback client. It is the
// precedence key for conflict resolution: desktop outranks web while the
// desktop process is live.
type DeviceClass string

const (
	DeviceClassDesktop DeviceClass = "desktop"
	DeviceClassWeb     DeviceClass = "web"
)

// ParseDeviceClass validates a wire-format device class string.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch DeviceClass(s) {
	case DeviceClassDesktop:
		return DeviceClassDesktop, nil
	case DeviceClassWeb:
		return DeviceClassWeb, nil
	}
	return "", fmt.Errorf("unknown device class %q", s)
}
