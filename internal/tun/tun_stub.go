//go:build !linux

package tun

import (
	"errors"
)

var errUnsupported = errors.New("tun only supported on Linux; use vpn_device stdio")

// Device: TUN stub (non-Linux).
type Device struct{}

func NewDevice(name string) (*Device, error) {
	return nil, errUnsupported
}

func (d *Device) Read(p []byte) (int, error)  { return 0, errUnsupported }
func (d *Device) Write(p []byte) (int, error) { return 0, errUnsupported }
func (d *Device) Close() error                { return nil }
func (d *Device) Name() string                { return "" }
