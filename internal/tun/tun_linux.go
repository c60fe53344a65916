//go:build linux

package tun

import (
	"fmt"

	"github.com/songgao/water"
)

// Device: TUN iface for VPN mode (Linux, CAP_NET_ADMIN or root).
// Read/Write move one raw IPv4 packet, no packet-info header.
type Device struct {
	*water.Interface
}

// NewDevice creates TUN; name empty = OS picks tun0, tun1, ...
func NewDevice(name string) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tun: %w", err)
	}
	return &Device{Interface: ifce}, nil
}
