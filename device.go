// Package exfat implements a read-write exFAT filesystem engine: volume
// mount/unmount, a cluster allocator, a node cache keyed by a stable nid,
// directory operations (lookup/create/delete/rename), and the byte-range
// read/write path layered over a block device or regular file.
package exfat

import (
	"io"
	"os"

	"github.com/dsoprea/go-logging"
)

// OpenMode selects how a device is opened. Any requests read-write and
// silently falls back to read-only if the underlying device refuses writes
// (the "ro_fallback" behavior of the original implementation).
type OpenMode int

const (
	ModeRw OpenMode = iota
	ModeRo
	ModeAny
)

func ParseOpenMode(s string) (OpenMode, error) {
	switch s {
	case "rw":
		return ModeRw, nil
	case "ro":
		return ModeRo, nil
	case "any":
		return ModeAny, nil
	default:
		return 0, newErrf(KindInvalidArgument, "unknown open mode: [%s]", s)
	}
}

// Device is the block-device adapter: pread/pwrite/fsync/size/mode over a
// regular file or block/character device. It keeps descriptors 0/1/2
// occupied before opening the target, matching
// original_source/src/device.rs's `open` guard against FUSE/CLI code that
// might accidentally write to stdin/stdout/stderr after we have stolen
// their descriptor numbers.
type Device struct {
	fp   *os.File
	mode OpenMode
	size uint64
}

// NewDevice opens spec under the given mode, falling back from Rw to Ro
// when mode is Any and the device rejects writes.
func NewDevice(spec string, mode OpenMode) (device *Device, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	occupyLowFileDescriptors()

	var fp *os.File
	var actualMode OpenMode

	switch mode {
	case ModeRw:
		fp, err = openRw(spec)
		log.PanicIf(err)
		actualMode = ModeRw
	case ModeRo:
		fp, err = openRo(spec)
		log.PanicIf(err)
		actualMode = ModeRo
	case ModeAny:
		fp, err = openRw(spec)
		if err == nil {
			actualMode = ModeRw
		} else {
			fp, err = openRo(spec)
			log.PanicIf(err)
			actualMode = ModeRo
		}
	default:
		log.Panicf("unknown open mode: (%d)", mode)
	}

	fi, err := fp.Stat()
	log.PanicIf(err)

	mode_ := fi.Mode()
	if mode_.IsRegular() == false && mode_&os.ModeDevice == 0 && mode_&os.ModeCharDevice == 0 {
		fp.Close()
		log.Panicf("'%s' is neither a device, nor a regular file", spec)
	}

	size, err := fp.Seek(0, io.SeekEnd)
	log.PanicIf(err)

	if size == 0 {
		fp.Close()
		log.Panicf("failed to get size of '%s'", spec)
	}

	_, err = fp.Seek(0, io.SeekStart)
	log.PanicIf(err)

	return &Device{
		fp:   fp,
		mode: actualMode,
		size: uint64(size),
	}, nil
}

func openRo(spec string) (*os.File, error) {
	return os.OpenFile(spec, os.O_RDONLY, 0)
}

// occupyLowFileDescriptors guards against misdirected writes to a leaked
// stdin/stdout/stderr by opening /dev/null until fds 0, 1 and 2 are taken,
// matching device.rs's `open`.
func occupyLowFileDescriptors() {
	for fd := 0; fd <= 2; fd++ {
		if isOpenFd(fd) {
			continue
		}

		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return
		}

		// Intentionally leaked: we only need the descriptor number claimed.
		lowFdHolders = append(lowFdHolders, f)
	}
}

// lowFdHolders keeps the files opened by occupyLowFileDescriptors reachable,
// so that their finalizers never close the claimed descriptors.
var lowFdHolders []*os.File

// GetMode returns the mode the device actually ended up open under (which,
// for ModeAny, may be ModeRo even though ModeAny itself was requested).
func (d *Device) GetMode() OpenMode {
	return d.mode
}

// GetSize returns the device size in bytes.
func (d *Device) GetSize() uint64 {
	return d.size
}

// Close releases the underlying file handle.
func (d *Device) Close() error {
	return d.fp.Close()
}

// Fsync flushes any OS-buffered writes to stable storage.
func (d *Device) Fsync() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = d.fp.Sync()
	log.PanicIf(err)

	return nil
}

// Pread reads len(buf) bytes starting at offset.
func (d *Device) Pread(buf []byte, offset uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	n, err := d.fp.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		log.Panic(err)
	} else if n != len(buf) {
		log.Panicf("short read: (%d) != (%d)", n, len(buf))
	}

	return nil
}

// Preadx is a convenience wrapper that allocates and returns the buffer.
func (d *Device) Preadx(size uint64, offset uint64) (buf []byte, err error) {
	buf = make([]byte, size)

	err = d.Pread(buf, offset)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// Pwrite writes buf at offset. The device must have been opened ModeRw (or
// ModeAny and fallen through to Rw).
func (d *Device) Pwrite(buf []byte, offset uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if d.mode == ModeRo {
		log.Panicf("device is read-only")
	}

	n, err := d.fp.WriteAt(buf, int64(offset))
	log.PanicIf(err)

	if n != len(buf) {
		log.Panicf("short write: (%d) != (%d)", n, len(buf))
	}

	return nil
}
