// Package tun opens a TUN device and exposes it as a raw IPv4 packet
// stream. The daemon points the engine's dataplane at it.
package tun

import (
	"io"
	"os"
)

// Device is an open TUN interface.
type Device struct {
	file *os.File
	name string
}

// Open creates (or attaches to) the named TUN interface.
func Open(name string) (*Device, error) {
	file, ifname, err := openDevice(name)
	if err != nil {
		return nil, err
	}
	return &Device{file: file, name: ifname}, nil
}

// Name returns the interface name the kernel assigned.
func (d *Device) Name() string {
	return d.name
}

// Read reads one packet from the device into buf.
func (d *Device) Read(buf []byte) (int, error) {
	return d.file.Read(buf)
}

// Write writes one packet to the device.
func (d *Device) Write(pkt []byte) (int, error) {
	n, err := d.file.Write(pkt)
	if err != nil {
		return n, err
	}
	if n != len(pkt) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Close closes the device.
func (d *Device) Close() error {
	return d.file.Close()
}
