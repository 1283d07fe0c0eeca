//go:build linux

package sysmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func available() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return int64((uint64(info.Freeram) + uint64(info.Bufferram)) * unit), nil
}
