//go:build !linux

package tun

import "fmt"

// Open is unimplemented on non-Linux platforms; callers should fall back
// to MemDevice or run without a virtual interface (raw-mode only).
func Open(cfg Config) (Device, error) {
	return nil, fmt.Errorf("tun: native device not supported on this platform")
}
