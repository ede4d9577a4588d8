//go:build !linux

package tun

import (
	"fmt"
	"os"
	"runtime"
)

func openDevice(name string) (*os.File, string, error) {
	return nil, "", fmt.Errorf("tun devices are not supported on %s", runtime.GOOS)
}
