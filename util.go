package exfat

import "time"

// divRoundUp and friends mirror the round_up!/round_down!/div_round_up!
// macros in the original implementation's util.rs, expressed as ordinary
// generic Go functions instead of macros.

type numeric interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func divRoundUp[T numeric](x, d T) T {
	return (x + d - 1) / d
}

func roundUp[T numeric](x, d T) T {
	return divRoundUp(x, d) * d
}

func divRoundDown[T numeric](x, d T) T {
	return x / d
}

func roundDown[T numeric](x, d T) T {
	return divRoundDown(x, d) * d
}

// addChecksumByte folds one byte into a running 16-bit directory-entry
// checksum, matching the exFAT specification's checksum algorithm and
// original_source/src/util.rs's add_checksum_byte.
func addChecksumByte(sum uint16, b byte) uint16 {
	return bits16RotateRight1(sum) + uint16(b)
}

func bits16RotateRight1(x uint16) uint16 {
	return (x >> 1) | (x << 15)
}

func addChecksumBytes(sum uint16, buf []byte) uint16 {
	for _, b := range buf {
		sum = addChecksumByte(sum, b)
	}

	return sum
}

// calcEntrySetChecksum computes the SetChecksum value stored in the primary
// (meta1) entry of an entry set, skipping the checksum field of the first
// entry itself. Grounded on util.rs's calc_checksum/start_checksum.
func calcEntrySetChecksum(raw [][directoryEntryBytesCount]byte) uint16 {
	var sum uint16

	for i, b := range raw[0] {
		if i == 2 || i == 3 {
			// SetChecksum field of the meta1 entry itself.
			continue
		}

		sum = addChecksumByte(sum, b)
	}

	for _, entry := range raw[1:] {
		sum = addChecksumBytes(sum, entry[:])
	}

	return sum
}

// vbrStartChecksum begins the 32-bit VBR checksum over the boot sector
// (sector 0), skipping the volume_state (0x6a-0x6b) and allocated_percent
// (0x70) fields, which are excluded because they legitimately change across
// mounts. Grounded on util.rs's vbr_start_checksum.
func vbrStartChecksum(sector []byte) uint32 {
	var sum uint32

	for i, b := range sector {
		if i == 0x6a || i == 0x6b || i == 0x70 {
			continue
		}

		sum = bits32RotateRight1(sum) + uint32(b)
	}

	return sum
}

// vbrAddChecksum folds one of sectors 1-10 into a running VBR checksum.
// Grounded on util.rs's vbr_add_checksum.
func vbrAddChecksum(sector []byte, sum uint32) uint32 {
	for _, b := range sector {
		sum = bits32RotateRight1(sum) + uint32(b)
	}

	return sum
}

func bits32RotateRight1(x uint32) uint32 {
	return (x >> 1) | (x << 31)
}

// calcNameHash computes the 16-bit name hash stored in a StreamExtension
// entry, over the upcase-folded name. Grounded on util.rs's calc_name_hash.
func calcNameHash(upcase []uint16, name []uint16) uint16 {
	var hash uint16

	for _, raw := range name {
		c := upcase[raw]
		hash = bits16RotateRight1(hash) + (c & 0xff)
		hash = bits16RotateRight1(hash) + (c >> 8)
	}

	return hash
}

// decodeTimestamp unpacks a directory entry's 32-bit date/time field into a
// UTC time.Time, matching the bit layout and field widths of
// original_source/src/exfat.rs's timestamp decoding.
func decodeTimestamp(raw uint32) time.Time {
	second := int(raw & 31)
	minute := int(raw&2016) >> 5
	hour := int(raw&63488) >> 11
	day := int(raw&2031616) >> 16
	month := int(raw&31457280) >> 21
	year := 1980 + int(raw&4261412864)>>25

	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}
