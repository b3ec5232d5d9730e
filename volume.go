package exfat

import (
	"io"
	"time"

	"github.com/dsoprea/go-logging"
)

// Volume is the mounted exFAT file system: the device, the parsed boot
// sector, the cluster-allocation bitmap, the node cache and the options the
// volume was mounted with. It is the central type every operation in this
// package hangs off, the way exfat.rs's Exfat struct is for the original
// implementation.
type Volume struct {
	dev *Device
	sb  superBlock
	opt Options

	upcase []uint16
	label  string

	cmap clusterMap
	nmap *nodeMap

	repair RepairPolicy

	errorsCount      int
	errorsFixedCount int

	superBlockDirty bool

	zeroCluster []byte
}

// Mount opens spec and brings up a Volume, validating the boot sector,
// fixing a bad VBR checksum when opt's repair policy allows it, caching the
// root directory (which, in turn, locates the Allocation Bitmap, Up-case
// Table and Volume Label entries) and, on a writable device, setting the
// mounted bit in the boot sector. promptIn/promptOut wire
// repair=ask's Y/N prompt to an io.Reader/io.Writer (nil defaults to
// os.Stdin/os.Stdout); both are ignored unless opt.Repair is "ask".
// Grounded on original_source/src/exfat.rs's mount.
func Mount(spec string, opt Options, promptIn io.Reader, promptOut io.Writer) (vol *Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	mode, err := opt.openMode()
	log.PanicIf(err)

	dev, err := NewDevice(spec, mode)
	log.PanicIf(err)

	v := &Volume{
		dev:    dev,
		opt:    opt,
		repair: opt.repairPolicy(promptIn, promptOut),
		nmap:   newNodeMap(),
	}

	raw, err := dev.Preadx(superBlockSize, 0)
	log.PanicIf(err)

	sb, err := parseSuperBlock(raw)
	log.PanicIf(err)

	err = sb.validate(dev.GetSize())
	log.PanicIf(err)

	v.sb = sb
	v.zeroCluster = make([]byte, sb.clusterSize())

	err = v.verifyVbrChecksum()
	log.PanicIf(err)

	root := newRootNode()
	root.startCluster = sb.RootdirCluster
	v.nmap.insert(root)

	err = v.cacheDirectory(NidRoot)
	log.PanicIf(err)

	if v.upcase == nil {
		log.Panicf("volume has no Up-case Table entry")
	}

	err = v.soilSuperBlock()
	log.PanicIf(err)

	return v, nil
}

// verifyVbrChecksum recomputes the 32-bit checksum over the first 11
// sectors of the boot sector region and compares it against the 12th sector
// (which repeats the checksum value across every 32-bit word), repairing it
// when the volume's RepairPolicy allows and otherwise leaving it in place.
// Grounded on exfat.rs's
// verify_vbr_checksum / fix_invalid_vbr_checksum.
func (v *Volume) verifyVbrChecksum() error {
	sectorSize := v.sb.sectorSize()

	sector0, err := v.dev.Preadx(sectorSize, 0)
	if err != nil {
		return wrapErr(KindIOError, "failed to read boot sector", err)
	}

	sum := vbrStartChecksum(sector0)

	for i := uint64(1); i < 11; i++ {
		sector, err := v.dev.Preadx(sectorSize, i*sectorSize)
		if err != nil {
			return wrapErr(KindIOError, "failed to read VBR sector", err)
		}

		sum = vbrAddChecksum(sector, sum)
	}

	checksumSector, err := v.dev.Preadx(sectorSize, 11*sectorSize)
	if err != nil {
		return wrapErr(KindIOError, "failed to read checksum sector", err)
	}

	matches := true
	for i := uint64(0); i < sectorSize; i += 4 {
		if littleEndian.Uint32(checksumSector[i:i+4]) != sum {
			matches = false
			break
		}
	}

	if matches {
		return nil
	}

	if !v.repair.AskToFix("invalid VBR checksum") {
		return nil
	}

	if err := v.fixInvalidVbrChecksum(sum); err != nil {
		return err
	}

	v.errorsFixedCount++

	return nil
}

// fixInvalidVbrChecksum rewrites sector 11 with sum repeated across every
// 32-bit word, matching exfat.rs's fix_invalid_vbr_checksum.
func (v *Volume) fixInvalidVbrChecksum(sum uint32) error {
	sectorSize := v.sb.sectorSize()

	buf := make([]byte, sectorSize)
	for i := uint64(0); i < sectorSize; i += 4 {
		littleEndian.PutUint32(buf[i:i+4], sum)
	}

	if err := v.dev.Pwrite(buf, 11*sectorSize); err != nil {
		return wrapErr(KindIOError, "failed to write checksum sector", err)
	}

	return nil
}

// soilSuperBlock marks the volume as mounted (dirty), committed by Mount on
// a writable device; finalizeSuperBlock clears it at Unmount.
// Grounded on exfat.rs's soil_super_block / finalize_super_block.
func (v *Volume) soilSuperBlock() error {
	if v.opt.Mode == "ro" || v.dev.GetMode() == ModeRo {
		return nil
	}

	if v.sb.VolumeState&volumeStateMounted != 0 {
		return nil
	}

	v.sb.VolumeState |= volumeStateMounted

	return v.commitSuperBlock()
}

func (v *Volume) finalizeSuperBlock() error {
	if v.dev.GetMode() == ModeRo {
		return nil
	}

	v.sb.VolumeState &^= volumeStateMounted

	if v.sb.AllocatedPercent != 0xFF {
		free := v.getFreeClusters()
		used := v.cmap.size - free

		percent := uint8(0)
		if v.cmap.size > 0 {
			percent = uint8(uint64(used) * 100 / uint64(v.cmap.size))
		}

		v.sb.AllocatedPercent = percent
	}

	return v.commitSuperBlock()
}

// commitSuperBlock writes the boot sector back out and rewrites the VBR
// checksum sector (sector 11) to match. The backup boot region (sectors
// 12-23) is not written.
func (v *Volume) commitSuperBlock() error {
	raw, err := v.sb.pack()
	if err != nil {
		return wrapErr(KindIOError, "failed to encode boot sector", err)
	}

	if err := v.dev.Pwrite(raw, 0); err != nil {
		return wrapErr(KindIOError, "failed to write boot sector", err)
	}

	sectorSize := v.sb.sectorSize()
	sector0, err := v.dev.Preadx(sectorSize, 0)
	if err != nil {
		return wrapErr(KindIOError, "failed to reread boot sector", err)
	}

	sum := vbrStartChecksum(sector0)
	for i := uint64(1); i < 11; i++ {
		sector, err := v.dev.Preadx(sectorSize, i*sectorSize)
		if err != nil {
			return wrapErr(KindIOError, "failed to reread VBR sector", err)
		}

		sum = vbrAddChecksum(sector, sum)
	}

	return v.fixInvalidVbrChecksum(sum)
}

// Unmount flushes the allocation bitmap and every dirty node, clears the
// mounted bit, and closes the device. Grounded on exfat.rs's unmount.
func (v *Volume) Unmount() error {
	for nid, n := range v.nmap.nodes {
		if n.references != 0 {
			return newErrf(KindBusy, "node %d is still referenced at unmount", n.nid)
		}

		if err := v.FlushNode(nid); err != nil {
			return err
		}
	}

	if err := v.flushClusterMap(); err != nil {
		return err
	}

	if err := v.finalizeSuperBlock(); err != nil {
		return err
	}

	if err := v.dev.Fsync(); err != nil {
		return err
	}

	return v.dev.Close()
}

// VolumeStat is the subset of struct stat exposed for a single node,
// grounded on exfat.rs's stat operation.
type VolumeStat struct {
	IsDir     bool
	Size      uint64
	ValidSize uint64
	Mtime     uint32
	Atime     uint32
	UID       uint32
	GID       uint32
	Mode      uint32
}

// Stat returns a node's metadata, applying the volume's dmask/fmask/uid/gid
// mount options the way exfat.rs's fuse_getattr layers them over the raw
// directory-entry attributes.
func (v *Volume) Stat(nid Nid) VolumeStat {
	n := v.nmap.get(nid)

	mask := v.opt.FMask
	mode := uint32(0666)
	if n.isDirectory() {
		mask = v.opt.DMask
		mode = 0777
	}

	if n.attrib&attribReadOnly != 0 {
		mode &^= 0222
	}

	return VolumeStat{
		IsDir:     n.isDirectory(),
		Size:      n.size,
		ValidSize: n.validSize,
		Mtime:     n.mtime,
		Atime:     n.atime,
		UID:       v.opt.UID,
		GID:       v.opt.GID,
		Mode:      mode &^ mask,
	}
}

// VolumeStatfs mirrors struct statvfs for the mounted volume.
type VolumeStatfs struct {
	BlockSize   uint64
	TotalBlocks uint64
	FreeBlocks  uint64
	NameMax     uint32
}

// Statfs reports capacity figures for the whole volume. Grounded on
// exfat.rs's fuse_statfs.
func (v *Volume) Statfs() VolumeStatfs {
	return VolumeStatfs{
		BlockSize:   v.sb.clusterSize(),
		TotalBlocks: uint64(v.sb.ClusterCount),
		FreeBlocks:  uint64(v.getFreeClusters()),
		NameMax:     exfatNameMax,
	}
}

// Label returns the volume label.
func (v *Volume) Label() string {
	return v.label
}

// DumpBootSector prints the mounted boot sector's fields to stdout, for the
// inspection CLI tools.
func (v *Volume) DumpBootSector() {
	v.sb.Dump()
}

// Name returns nid's file/directory name, UTF-16 decoded. The root
// directory has no on-disk name entry and reports "/".
func (v *Volume) Name(nid Nid) string {
	if nid == NidRoot {
		return "/"
	}

	n := v.nmap.get(nid)

	return utf16ToUTF8(n.name)
}

// ModifiedTime decodes nid's stored mtime field to a UTC time.Time.
func (v *Volume) ModifiedTime(nid Nid) time.Time {
	n := v.nmap.get(nid)

	return decodeTimestamp(n.mtime)
}

// SetLabel rewrites the Volume Label entry in the root directory. Grounded
// on exfat.rs's set_label.
func (v *Volume) SetLabel(label string) error {
	units, err := utf8ToUTF16(label)
	if err != nil {
		return err
	}

	if len(units) > 15 {
		return newErrf(KindInvalidArgument, "label too long: (%d) > (15)", len(units))
	}

	root := v.nmap.get(NidRoot)

	offset := uint64(0)
	total := root.size / entrySize

	for offset < total*entrySize {
		entries, err := v.readEntries(root, offset, 1)
		if err != nil {
			return err
		}

		if entries[0].typeTag() == entryTypeLabel {
			var le entryLabel
			le.EntryType = entryTypeLabel | entryValid
			le.CharacterCount = uint8(len(units))
			copy(le.VolumeLabel[:], units)

			if err := v.writeEntries(root, offset, []rawEntry{packLabelEntry(le)}); err != nil {
				return err
			}

			v.label = label

			return nil
		}

		if entries[0].isEndOfDirectory() {
			break
		}

		offset += entrySize
	}

	return newErr(KindIOError, "volume has no Volume Label entry")
}

// Errors returns two counters: errors, which is kept for compatibility and
// never incremented by this engine, so it is always zero; and errorsFixed,
// the number of inconsistencies repaired since mount.
func (v *Volume) Errors() (errors, errorsFixed int) {
	return v.errorsCount, v.errorsFixedCount
}

// ReadFile reads up to len(buf) bytes of nid's data starting at offset,
// returning the number of bytes actually read (fewer than len(buf) at
// EOF). The zero-filled gap between ValidSize and Size is never read
// from disk, matching exfat.rs's read semantics.
func (v *Volume) ReadFile(nid Nid, buf []byte, offset uint64) (int, error) {
	n := v.nmap.get(nid)

	if offset >= n.size {
		return 0, nil
	}

	want := uint64(len(buf))
	if offset+want > n.size {
		want = n.size - offset
	}

	read := uint64(0)
	for read < want {
		clusterOffset := (offset + read) % v.sb.clusterSize()
		chunk := v.sb.clusterSize() - clusterOffset
		if chunk > want-read {
			chunk = want - read
		}

		if offset+read >= n.validSize {
			for i := uint64(0); i < chunk; i++ {
				buf[read+i] = 0
			}

			read += chunk
			continue
		}

		if offset+read+chunk > n.validSize {
			chunk = n.validSize - (offset + read)
		}

		clusterIdx := uint32((offset + read) / v.sb.clusterSize())
		if err := v.advanceCluster(n, clusterIdx); err != nil {
			return int(read), err
		}

		abs := v.sb.clusterToOffset(n.fptrCluster) + clusterOffset

		if err := v.dev.Pread(buf[read:read+chunk], abs); err != nil {
			return int(read), wrapErr(KindIOError, "failed to read file data", err)
		}

		read += chunk
	}

	if !v.opt.NoATime {
		n.isDirty = true
	}

	return int(read), nil
}

// WriteFile writes buf at offset into nid's data, growing the node (via
// truncate) first if the write extends past its current size, matching
// exfat.rs's write semantics.
func (v *Volume) WriteFile(nid Nid, buf []byte, offset uint64) (int, error) {
	n := v.nmap.get(nid)

	end := offset + uint64(len(buf))
	if end > n.size {
		if err := v.truncate(n, end, true); err != nil {
			return 0, err
		}
	}

	written := uint64(0)
	for written < uint64(len(buf)) {
		clusterOffset := (offset + written) % v.sb.clusterSize()
		chunk := v.sb.clusterSize() - clusterOffset
		if chunk > uint64(len(buf))-written {
			chunk = uint64(len(buf)) - written
		}

		clusterIdx := uint32((offset + written) / v.sb.clusterSize())
		if err := v.advanceCluster(n, clusterIdx); err != nil {
			return int(written), err
		}

		abs := v.sb.clusterToOffset(n.fptrCluster) + clusterOffset

		if err := v.dev.Pwrite(buf[written:written+chunk], abs); err != nil {
			return int(written), wrapErr(KindIOError, "failed to write file data", err)
		}

		written += chunk
	}

	if offset+written > n.validSize {
		n.validSize = offset + written
	}

	n.isDirty = true

	return int(written), nil
}

// Get increments nid's reference count, matching the open-by-lookup
// semantics of exfat.rs (a node must stay resident while referenced).
func (v *Volume) Get(nid Nid) {
	v.nmap.get(nid).get()
}

// Put decrements nid's reference count.
func (v *Volume) Put(nid Nid) {
	v.nmap.get(nid).put()
}

// CreateFile creates a new regular file named name under dnid.
func (v *Volume) CreateFile(dnid Nid, name string) (Nid, error) {
	return v.createAt(dnid, name, false)
}

// Mkdir creates a new directory named name under dnid.
func (v *Volume) Mkdir(dnid Nid, name string) (Nid, error) {
	nid, err := v.createAt(dnid, name, true)
	if err != nil {
		return NidInvalid, err
	}

	v.nmap.get(nid).isCached = true

	return nid, nil
}

// Truncate resizes nid's data to newSize.
func (v *Volume) Truncate(nid Nid, newSize uint64) error {
	return v.truncate(v.nmap.get(nid), newSize, true)
}

// OpenDir begins streaming dnid's children.
func (v *Volume) OpenDir(dnid Nid) (*Cursor, error) {
	return v.opendirCursor(dnid)
}

// ReadDir advances c and returns the next child's Nid.
func (v *Volume) ReadDir(c *Cursor) (Nid, bool) {
	return v.readdirCursor(c)
}

// CloseDir releases a cursor.
func (v *Volume) CloseDir(c *Cursor) {
	v.closedirCursor(c)
}

// FlushNode commits a dirty node's entry set back to its parent directory.
// Grounded on exfat.rs's flush_node.
func (v *Volume) FlushNode(nid Nid) error {
	n := v.nmap.get(nid)
	if !n.isDirty {
		return nil
	}

	if nid == NidRoot {
		n.isDirty = false
		return nil
	}

	if err := v.commitEntry(n.pnid, n); err != nil {
		return err
	}

	n.isDirty = false

	return nil
}
