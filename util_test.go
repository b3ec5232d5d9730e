package exfat

import "testing"

func TestRoundUpDown(t *testing.T) {
	if v := roundUp(uint32(10), uint32(8)); v != 16 {
		t.Fatalf("expected 16, got (%d)", v)
	}

	if v := roundUp(uint32(16), uint32(8)); v != 16 {
		t.Fatalf("expected 16, got (%d)", v)
	}

	if v := roundDown(uint32(10), uint32(8)); v != 8 {
		t.Fatalf("expected 8, got (%d)", v)
	}

	if v := divRoundUp(uint32(10), uint32(8)); v != 2 {
		t.Fatalf("expected 2, got (%d)", v)
	}
}

func TestCalcEntrySetChecksumStable(t *testing.T) {
	raw := [][directoryEntryBytesCount]byte{
		{0x85, 0x02, 0x00, 0x00, 0x20, 0x00},
		{0xC0, 0x01, 0x00, 0x05},
		{0xC1, 0x00},
	}

	sum1 := calcEntrySetChecksum(raw)
	sum2 := calcEntrySetChecksum(raw)

	if sum1 != sum2 {
		t.Fatalf("expected checksum to be deterministic")
	}

	// Mutating a byte outside the checksum field must change the result.
	raw[0][4] = 0x21

	sum3 := calcEntrySetChecksum(raw)
	if sum3 == sum1 {
		t.Fatalf("expected checksum to change when entry bytes change")
	}
}

func TestCalcEntrySetChecksumIgnoresOwnField(t *testing.T) {
	raw1 := [][directoryEntryBytesCount]byte{
		{0x85, 0x02, 0x00, 0x00},
		{0xC0, 0x01},
	}

	raw2 := [][directoryEntryBytesCount]byte{
		{0x85, 0x02, 0xAB, 0xCD},
		{0xC0, 0x01},
	}

	if calcEntrySetChecksum(raw1) != calcEntrySetChecksum(raw2) {
		t.Fatalf("expected the SetChecksum field itself to be excluded from the checksum")
	}
}

func TestVbrAddChecksumChangesSum(t *testing.T) {
	sector := make([]byte, 512)
	for i := range sector {
		sector[i] = byte(i)
	}

	sum := vbrStartChecksum(sector)

	sector2 := make([]byte, 512)
	for i := range sector2 {
		sector2[i] = byte(i + 1)
	}

	sum2 := vbrAddChecksum(sector2, sum)

	if sum2 == sum {
		t.Fatalf("expected checksum to change after folding in a second sector")
	}
}

func TestVbrChecksumSkipsVolatileFields(t *testing.T) {
	sector := make([]byte, 512)

	sum1 := vbrStartChecksum(sector)

	sector[0x6a] = 0xFF
	sector[0x6b] = 0xFF
	sector[0x70] = 0xFF

	sum2 := vbrStartChecksum(sector)

	if sum1 != sum2 {
		t.Fatalf("expected volume_state/allocated_percent bytes to be excluded from the checksum")
	}
}

func TestCalcNameHash(t *testing.T) {
	upcase := make([]uint16, 0x10000)
	for i := range upcase {
		upcase[i] = uint16(i)
	}

	name := []uint16{'a', 'b', 'c'}

	h1 := calcNameHash(upcase, name)
	h2 := calcNameHash(upcase, name)

	if h1 != h2 {
		t.Fatalf("expected name hash to be deterministic")
	}

	other := []uint16{'a', 'b', 'd'}
	if calcNameHash(upcase, other) == h1 {
		t.Fatalf("expected different names to hash differently in this case")
	}
}
