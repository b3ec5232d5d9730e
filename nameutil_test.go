package exfat

import (
	"reflect"
	"testing"
)

func TestSplitPathEmpty(t *testing.T) {
	if parts := splitPath(""); len(parts) != 0 {
		t.Fatalf("expected no components, got (%v)", parts)
	}
}

func TestSplitPathRoot(t *testing.T) {
	if parts := splitPath("/"); len(parts) != 0 {
		t.Fatalf("expected no components, got (%v)", parts)
	}
}

func TestSplitPathMessy(t *testing.T) {
	parts := splitPath("//a///b/")

	expected := []string{"a", "b"}
	if !reflect.DeepEqual(parts, expected) {
		t.Fatalf("expected (%v), got (%v)", expected, parts)
	}
}

func TestSplitPathDropsDotComponents(t *testing.T) {
	parts := splitPath("/a/./b/.")

	expected := []string{"a", "b"}
	if !reflect.DeepEqual(parts, expected) {
		t.Fatalf("expected (%v), got (%v)", expected, parts)
	}
}

func TestUtf8Utf16RoundTrip(t *testing.T) {
	original := "hello.txt"

	units, err := utf8ToUTF16(original)
	if err != nil {
		t.Fatalf("unexpected error: %s", err.Error())
	}

	recovered := utf16ToUTF8(units)
	if recovered != original {
		t.Fatalf("expected (%s), got (%s)", original, recovered)
	}
}

func TestUtf8ToUtf16RejectsInvalidUtf8(t *testing.T) {
	_, err := utf8ToUTF16(string([]byte{0xff, 0xfe}))
	if err == nil {
		t.Fatalf("expected an error for invalid UTF-8")
	}

	if KindOf(err) != KindEncoding {
		t.Fatalf("expected KindEncoding, got (%s)", KindOf(err))
	}
}

func TestUtf8ToUtf16RejectsTooLong(t *testing.T) {
	long := make([]byte, 0)
	for i := 0; i < exfatNameMax+1; i++ {
		long = append(long, 'a')
	}

	_, err := utf8ToUTF16(string(long))
	if err == nil {
		t.Fatalf("expected an error for an over-long name")
	}
}

func TestDecompressUpcaseIdentityRun(t *testing.T) {
	compressed := []uint16{0xFFFF, 4}

	upcase := decompressUpcase(compressed)

	if len(upcase) != 0x10000 {
		t.Fatalf("expected a full 65536-entry table, got (%d)", len(upcase))
	}

	for i := uint16(0); i < 4; i++ {
		if upcase[i] != i {
			t.Fatalf("expected identity mapping for (%d), got (%d)", i, upcase[i])
		}
	}
}

func TestDecompressUpcaseExplicitMapping(t *testing.T) {
	compressed := make([]uint16, 0x10000)
	for i := range compressed {
		compressed[i] = uint16(i)
	}

	// 'a' (0x61) maps to 'A' (0x41).
	compressed[0x61] = 0x41

	upcase := decompressUpcase(compressed)

	if upcase[0x61] != 0x41 {
		t.Fatalf("expected 0x61 to map to 0x41, got (%#x)", upcase[0x61])
	}
}

func TestCompareNameCaseInsensitive(t *testing.T) {
	compressed := make([]uint16, 0x10000)
	for i := range compressed {
		compressed[i] = uint16(i)
	}
	compressed[0x61] = 0x41 // 'a' -> 'A'

	upcase := decompressUpcase(compressed)

	a, _ := utf8ToUTF16("README.TXT")
	b, _ := utf8ToUTF16("README.TXT")

	if !compareName(upcase, a, b) {
		t.Fatalf("expected identical names to compare equal")
	}

	lower, _ := utf8ToUTF16("a.TXT")
	upper, _ := utf8ToUTF16("A.TXT")
	if !compareName(upcase, lower, upper) {
		t.Fatalf("expected names differing only in the folded rune to compare equal")
	}

	c, _ := utf8ToUTF16("readme.txt")
	if compareName(upcase, a, c) {
		t.Fatalf("expected case difference beyond the single folded rune to compare unequal")
	}
}

func TestIsAllowedChar(t *testing.T) {
	if !isAllowedChar("readme.txt") {
		t.Fatalf("expected a plain name to be allowed")
	}

	for _, bad := range []string{"a/b", "a\\b", "a:b", "a*b", "a?b", "a\"b", "a<b", "a>b", "a|b"} {
		if isAllowedChar(bad) {
			t.Fatalf("expected (%s) to be rejected", bad)
		}
	}
}
