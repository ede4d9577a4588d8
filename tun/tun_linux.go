//go:build linux

package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openDevice attaches to /dev/net/tun and binds the named interface in
// TUN mode without the packet-info prefix, so reads and writes carry bare
// IPv4 packets.
func openDevice(name string) (*os.File, string, error) {
	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	req, err := unix.NewIfreq(name)
	if err != nil {
		file.Close()
		return nil, "", fmt.Errorf("invalid interface name %q: %w", name, err)
	}
	req.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(int(file.Fd()), unix.TUNSETIFF, req); err != nil {
		file.Close()
		return nil, "", fmt.Errorf("TUNSETIFF failed: %w", err)
	}

	return file, req.Name(), nil
}
