package exfat

import "github.com/go-restruct/restruct"

// Directory-entry type tags (exFAT specification section 6.1). The high bit
// (entryValid) marks an entry as in-use; clearing it is how unknown entries
// are idempotently "deleted" by the repair path (fix_unknown_entry).
const (
	entryValid = 0x80

	entryTypeBitmap = 0x81 // Allocation Bitmap, primary, critical
	entryTypeUpcase = 0x82 // Up-case Table, primary, critical
	entryTypeLabel  = 0x83 // Volume Label, primary, critical
	entryTypeFile   = 0x85 // File, primary, critical (meta1)

	entryTypeStreamExt = 0xC0 // Stream Extension, secondary, critical (meta2)
	entryTypeFileName  = 0xC1 // File Name, secondary, critical

	entryTypeEndOfDirectory = 0x00
)

// directoryEntryBytesCount is the fixed width of every directory entry
// record, in bytes.
const directoryEntryBytesCount = 32

// entrySize is the fixed width of every directory entry record.
const entrySize = directoryEntryBytesCount

// rawEntry is one 32-byte directory-entry slot, decoded just far enough to
// dispatch on its type tag. The node/directory engine operates on slices of
// these rather than on a reflection-dispatched DirectoryEntry interface,
// because the write path needs a symmetric encode for every entry kind.
type rawEntry [entrySize]byte

func (e rawEntry) typeTag() byte {
	return e[0]
}

func (e rawEntry) isValid() bool {
	return e[0]&entryValid != 0
}

func (e rawEntry) isEndOfDirectory() bool {
	return e[0] == entryTypeEndOfDirectory
}

// entryMeta1 is the primary "File" directory entry: type, attributes, and
// the three timestamps. Re-expressed as a symmetric restruct struct (Pack
// in addition to Unpack) to support the write path.
type entryMeta1 struct {
	EntryType         uint8
	SecondaryCount    uint8
	SetChecksum       uint16
	FileAttributes    uint16
	Reserved1         uint16
	CreateTimestamp   uint32
	ModifiedTimestamp uint32
	AccessedTimestamp uint32
	CreateTimeTenMs   uint8
	ModifiedTimeTenMs uint8
	CreateUTCOffset   uint8
	ModifiedUTCOffset uint8
	AccessedUTCOffset uint8
	Reserved2         [7]byte
}

func packMeta1(m entryMeta1) rawEntry {
	var r rawEntry
	buf, err := restruct.Pack(littleEndian, &m)
	if err != nil {
		panic(err)
	}
	copy(r[:], buf)
	return r
}

func unpackMeta1(r rawEntry) entryMeta1 {
	var m entryMeta1
	if err := restruct.Unpack(r[:], littleEndian, &m); err != nil {
		panic(err)
	}
	return m
}

// entryMeta2 is the secondary "Stream Extension" entry: flags, name length/
// hash, valid/allocated size and the starting cluster. Grounded on
// navigator_entry_types.go's ExfatStreamExtensionDirectoryEntry.
type entryMeta2 struct {
	EntryType       uint8
	SecondaryFlags  uint8
	Reserved1       uint8
	NameLength      uint8
	NameHash        uint16
	Reserved2       uint16
	ValidDataLength uint64
	Reserved3       uint32
	FirstCluster    uint32
	DataLength      uint64
}

const (
	secondaryFlagAllocationPossible = 0x01
	secondaryFlagNoFatChain         = 0x02
)

func packMeta2(m entryMeta2) rawEntry {
	var r rawEntry
	buf, err := restruct.Pack(littleEndian, &m)
	if err != nil {
		panic(err)
	}
	copy(r[:], buf)
	return r
}

func unpackMeta2(r rawEntry) entryMeta2 {
	var m entryMeta2
	if err := restruct.Unpack(r[:], littleEndian, &m); err != nil {
		panic(err)
	}
	return m
}

// entryNameFragment is a "File Name" secondary entry: 15 UTF-16 code units
// of one segment of a (possibly multi-entry) file name.
type entryNameFragment struct {
	EntryType      uint8
	SecondaryFlags uint8
	Name           [exfatEnameMax]uint16
}

func packNameFragment(m entryNameFragment) rawEntry {
	var r rawEntry
	buf, err := restruct.Pack(littleEndian, &m)
	if err != nil {
		panic(err)
	}
	copy(r[:], buf)
	return r
}

func unpackNameFragment(r rawEntry) entryNameFragment {
	var m entryNameFragment
	if err := restruct.Unpack(r[:], littleEndian, &m); err != nil {
		panic(err)
	}
	return m
}

// entryBitmap is the primary Allocation Bitmap entry.
type entryBitmap struct {
	EntryType    uint8
	BitmapFlags  uint8
	Reserved     [18]byte
	FirstCluster uint32
	DataLength   uint64
}

func packBitmapEntry(m entryBitmap) rawEntry {
	var r rawEntry
	buf, err := restruct.Pack(littleEndian, &m)
	if err != nil {
		panic(err)
	}
	copy(r[:], buf)
	return r
}

func unpackBitmapEntry(r rawEntry) entryBitmap {
	var m entryBitmap
	if err := restruct.Unpack(r[:], littleEndian, &m); err != nil {
		panic(err)
	}
	return m
}

// entryUpcase is the primary Up-case Table entry.
type entryUpcase struct {
	EntryType     uint8
	Reserved1     [3]byte
	TableChecksum uint32
	Reserved2     [12]byte
	FirstCluster  uint32
	DataLength    uint64
}

func unpackUpcaseEntry(r rawEntry) entryUpcase {
	var m entryUpcase
	if err := restruct.Unpack(r[:], littleEndian, &m); err != nil {
		panic(err)
	}
	return m
}

// entryLabel is the primary Volume Label entry.
type entryLabel struct {
	EntryType      uint8
	CharacterCount uint8
	VolumeLabel    [15]uint16
}

func packLabelEntry(m entryLabel) rawEntry {
	var r rawEntry
	buf, err := restruct.Pack(littleEndian, &m)
	if err != nil {
		panic(err)
	}
	copy(r[:], buf)
	return r
}

func unpackLabelEntry(r rawEntry) entryLabel {
	var m entryLabel
	if err := restruct.Unpack(r[:], littleEndian, &m); err != nil {
		panic(err)
	}
	return m
}
