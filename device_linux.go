//go:build linux

package exfat

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/dsoprea/go-logging"
)

// isOpenFd reports whether fd is a currently-open file descriptor, used by
// occupyLowFileDescriptors to decide whether 0/1/2 need claiming.
func isOpenFd(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// openRw opens spec for read-write and, on Linux, additionally checks the
// BLKROGET ioctl so that a device made read-only with `blockdev --setro`
// (which the kernel still permits opening read-write) is rejected at open
// time instead of failing obscurely on the first write. Grounded on
// original_source/src/device.rs's open_rw.
func openRw(spec string) (fp *os.File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fp, err = os.OpenFile(spec, os.O_RDWR, 0)
	log.PanicIf(err)

	ro, ioctlErr := unix.IoctlGetInt(int(fp.Fd()), unix.BLKROGET)
	if ioctlErr == nil && ro != 0 {
		fp.Close()
		log.Panicf("'%s' is read-only", spec)
	}

	return fp, nil
}
