//go:build !linux

package exfat

import "os"

// isOpenFd has no portable fcntl(F_GETFD) equivalent used here; treat
// descriptors as open so occupyLowFileDescriptors becomes a no-op outside
// Linux, matching device.rs which only performs this dance under cfg(unix)
// ioctls that are themselves Linux-specific in our port.
func isOpenFd(fd int) bool {
	return true
}

// openRw opens spec for read-write. Non-Linux targets have no BLKROGET
// equivalent wired up here (original_source/src/device.rs notes "XXX other
// platforms use ioctl(2)" for size and takes the same stance on the
// read-only check), so a write-protected device is only discovered on the
// first failing write.
func openRw(spec string) (*os.File, error) {
	return os.OpenFile(spec, os.O_RDWR, 0)
}
