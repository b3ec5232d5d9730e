package exfat

import (
	"unicode/utf16"
	"unicode/utf8"
)

const (
	// exfatNameMax is the maximum number of UTF-16 code units in a file
	// name, per the exFAT specification's FileNameLength field.
	exfatNameMax = 255

	// exfatEnameMax is the number of UTF-16 code units carried by a single
	// FileName secondary directory entry (30 bytes / 2).
	exfatEnameMax = 15
)

// utf8ToUTF16 decodes a UTF-8 byte string into exFAT's little-endian UTF-16
// name representation. The teacher's own utility.go already reaches for
// unicode/utf16 rather than hand-rolling a codec (see utility.go's
// UnicodeFromAscii), so the same standard-library choice is kept here
// instead of reimplementing original_source/src/utf.rs's wchar tables.
func utf8ToUTF16(s string) ([]uint16, error) {
	if !utf8.ValidString(s) {
		return nil, newErrf(KindEncoding, "illegal UTF-8 sequence")
	}

	runes := []rune(s)
	units := utf16.Encode(runes)

	if len(units) > exfatNameMax {
		return nil, newErrf(KindInvalidArgument, "name too long: (%d) > (%d)", len(units), exfatNameMax)
	}

	return units, nil
}

// utf16ToUTF8 encodes an exFAT UTF-16 name back to a Go string, stopping at
// the first NUL the way original_source/src/utf.rs's utf16_length does.
func utf16ToUTF8(units []uint16) string {
	return string(utf16.Decode(trimNameNuls(units)))
}

func trimNameNuls(units []uint16) []uint16 {
	for i, u := range units {
		if u == 0 {
			return units[:i]
		}
	}

	return units
}

// decompressUpcase expands the on-disk upcase table, which run-length
// compresses identity runs using the sentinel 0xFFFF followed by a 16-bit
// run length, into a full 65536-entry case-folding table. Grounded on
// original_source/src/exfat.rs's decompress_upcase.
func decompressUpcase(compressed []uint16) []uint16 {
	upcase := make([]uint16, 0, 0x10000)

	i := 0
	for i < len(compressed) {
		c := compressed[i]

		if c == 0xFFFF && i+1 < len(compressed) {
			run := int(compressed[i+1])

			for j := 0; j < run && len(upcase) < 0x10000; j++ {
				upcase = append(upcase, uint16(len(upcase)))
			}

			i += 2
			continue
		}

		upcase = append(upcase, c)
		i++
	}

	for len(upcase) < 0x10000 {
		upcase = append(upcase, uint16(len(upcase)))
	}

	return upcase
}

// compareChar reports whether a and b fold to the same upper-case character
// under the volume's upcase table.
func compareChar(upcase []uint16, a, b uint16) bool {
	return upcase[a] == upcase[b]
}

// compareName performs a case-insensitive, upcase-table-driven comparison of
// two UTF-16 names, matching original_source/src/exfat.rs's compare_name.
func compareName(upcase []uint16, a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if !compareChar(upcase, a[i], b[i]) {
			return false
		}
	}

	return true
}

// isAllowedChar rejects control characters and the Windows-reserved path
// characters in a single path component, matching
// original_source/src/exfat.rs's is_allowed_char.
func isAllowedChar(component string) bool {
	for _, r := range component {
		if r >= 0x01 && r <= 0x1F {
			return false
		}

		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return false
		}
	}

	return true
}

// splitPath breaks a slash-separated path into non-empty, non-"." components,
// matching original_source/src/util.rs's split_path / exfat.rs's get_comp.
func splitPath(path string) []string {
	parts := make([]string, 0)

	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			comp := path[start:i]
			if comp != "" && comp != "." {
				parts = append(parts, comp)
			}
			start = i + 1
		}
	}

	return parts
}
