//go:build unix

package server

import (
	"syscall"
)

// setSocketOptions marks listeners SO_REUSEADDR so a restarted node can rebind
// its client and federation ports immediately
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
