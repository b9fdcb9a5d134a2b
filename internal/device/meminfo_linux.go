//go:build linux

package device

import "golang.org/x/sys/unix"

func systemMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallbackMemory
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	if total == 0 {
		return fallbackMemory
	}
	return total
}
