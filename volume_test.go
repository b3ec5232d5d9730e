package exfat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSyntheticImage lays out a minimal but structurally valid exFAT image
// by hand: one cluster each for the Allocation Bitmap, the Up-case Table
// (stored empty; decompressUpcase pads an all-identity table for it) and
// the root directory, followed by free space. It exists because the
// teacher's fixture under testing_common.go is a read-only sample image and
// this engine needs one it can also mount read-write.
func buildSyntheticImage(t *testing.T) string {
	t.Helper()

	const (
		sectorSize  = 512
		spcBits     = 3 // 8 sectors/cluster -> 4096-byte clusters
		clusterSize = sectorSize * 8
		clusterCnt  = 32
		fatOffset   = 24 // sectors
		fatLength   = 1  // sectors
		heapOffset  = fatOffset + fatLength
	)

	totalSectors := heapOffset + clusterCnt*8
	totalSize := totalSectors * sectorSize

	img := make([]byte, totalSize)

	var oem [8]byte
	copy(oem[:], oemName)

	sb := superBlock{
		OemName:           oem,
		FatOffset:         fatOffset,
		FatLength:         fatLength,
		ClusterHeapOffset: heapOffset,
		ClusterCount:      clusterCnt,
		RootdirCluster:    4,
		VersionMajor:      1,
		VersionMinor:      0,
		SectorBits:        9,
		SpcBits:           spcBits,
		FatCount:          1,
	}

	raw, err := sb.pack()
	require.NoError(t, err)
	require.Len(t, raw, superBlockSize)

	copy(img[0:superBlockSize], raw)

	sum := vbrStartChecksum(img[0:sectorSize])
	for i := 1; i < 11; i++ {
		sum = vbrAddChecksum(img[i*sectorSize:(i+1)*sectorSize], sum)
	}

	for i := 0; i < sectorSize; i += 4 {
		littleEndian.PutUint32(img[11*sectorSize+i:11*sectorSize+i+4], sum)
	}

	fatBase := fatOffset * sectorSize
	// cluster 2 (bitmap) and cluster 4 (root) are each a single contiguous
	// cluster; their FAT entries are End of Chain. Cluster 3 (up-case) is
	// read directly at mount with a DataLength of 0 and never consults the
	// FAT.
	littleEndian.PutUint32(img[fatBase+2*4:fatBase+2*4+4], clusterEnd)
	littleEndian.PutUint32(img[fatBase+4*4:fatBase+4*4+4], clusterEnd)

	clusterOffset := func(cluster uint32) int {
		sector := heapOffset + int(cluster-2)*8
		return sector * sectorSize
	}

	// Allocation Bitmap: clusters 2, 3 and 4 are in use (bits 0, 1, 2).
	img[clusterOffset(2)] = 0x07

	bitmapEntry := entryBitmap{EntryType: entryTypeBitmap | entryValid, FirstCluster: 2, DataLength: 4}
	upcaseEntry := entryUpcase{EntryType: entryTypeUpcase | entryValid, FirstCluster: 3, DataLength: 0}
	labelEntry := entryLabel{EntryType: entryTypeLabel | entryValid, CharacterCount: 0}

	rootBase := clusterOffset(4)
	copy(img[rootBase+0*entrySize:rootBase+1*entrySize], packBitmapEntry(bitmapEntry)[:])
	copy(img[rootBase+1*entrySize:rootBase+2*entrySize], packUpcaseEntryForTest(upcaseEntry)[:])
	copy(img[rootBase+2*entrySize:rootBase+3*entrySize], packLabelEntry(labelEntry)[:])

	dir := t.TempDir()
	path := filepath.Join(dir, "synthetic.img")

	require.NoError(t, os.WriteFile(path, img, 0o644))

	return path
}

// packUpcaseEntryForTest mirrors the unexported pack helpers the other
// entry kinds have; the Up-case Table entry is only ever read by this
// engine (it never rewrites the table), so direntry.go has no pack
// function for it and the test builds one inline instead of adding an
// unused one to the production file.
func packUpcaseEntryForTest(m entryUpcase) rawEntry {
	var r rawEntry

	r[0] = m.EntryType
	littleEndian.PutUint32(r[4:8], m.TableChecksum)
	littleEndian.PutUint32(r[20:24], m.FirstCluster)
	littleEndian.PutUint64(r[24:32], m.DataLength)

	return r
}

func mountSynthetic(t *testing.T) *Volume {
	t.Helper()

	path := buildSyntheticImage(t)

	opt, err := ParseOptions(nil)
	require.NoError(t, err)
	opt.Mode = "rw"
	opt.Repair = "no"

	vol, err := Mount(path, opt, nil, nil)
	require.NoError(t, err)

	return vol
}

func TestMountSynthetic(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	sfs := vol.Statfs()
	require.Equal(t, uint64(4096), sfs.BlockSize)
	require.Equal(t, uint64(32), sfs.TotalBlocks)

	// 3 clusters (bitmap, up-case, root) of 32 are in use.
	require.Equal(t, uint64(29), sfs.FreeBlocks)
}

func TestMountRejectsCyclicRootdirChain(t *testing.T) {
	path := buildSyntheticImage(t)

	img, err := os.ReadFile(path)
	require.NoError(t, err)

	const (
		sectorSize = 512
		fatOffset  = 24 // sectors, matches buildSyntheticImage
	)

	// Point the root directory's own cluster (4) back at itself instead of
	// terminating the chain with clusterEnd, so rootdirSize's walk can never
	// reach an invalid cluster.
	fatBase := fatOffset * sectorSize
	littleEndian.PutUint32(img[fatBase+4*4:fatBase+4*4+4], 4)

	require.NoError(t, os.WriteFile(path, img, 0o644))

	opt, err := ParseOptions(nil)
	require.NoError(t, err)
	opt.Mode = "rw"

	_, err = Mount(path, opt, nil, nil)
	require.Error(t, err)
}

func TestCreateWriteReadFile(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	nid, err := vol.CreateFile(NidRoot, "hello.txt")
	require.NoError(t, err)

	payload := []byte("hello, exfat")

	n, err := vol.WriteFile(nid, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = vol.ReadFile(nid, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)

	st := vol.Stat(nid)
	require.False(t, st.IsDir)
	require.Equal(t, uint64(len(payload)), st.Size)
}

func TestCreateFileStoresNameHash(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	nid, err := vol.CreateFile(NidRoot, "hello.txt")
	require.NoError(t, err)

	node := vol.nmap.get(nid)

	root := vol.nmap.get(NidRoot)
	entries, err := vol.readEntries(root, node.entryOffset, 2)
	require.NoError(t, err)

	meta2 := unpackMeta2(entries[1])

	want := calcNameHash(vol.upcase, node.name)
	require.NotEqual(t, uint16(0), want)
	require.Equal(t, want, meta2.NameHash)
}

func TestRenameRecomputesNameHash(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	_, err := vol.CreateFile(NidRoot, "old.txt")
	require.NoError(t, err)

	err = vol.RenameAt(NidRoot, "old.txt", NidRoot, "renamed.txt")
	require.NoError(t, err)

	nid, err := vol.Lookup("/renamed.txt")
	require.NoError(t, err)
	defer vol.Put(nid)

	node := vol.nmap.get(nid)
	root := vol.nmap.get(NidRoot)

	entries, err := vol.readEntries(root, node.entryOffset, 2)
	require.NoError(t, err)

	meta2 := unpackMeta2(entries[1])

	require.Equal(t, calcNameHash(vol.upcase, node.name), meta2.NameHash)
}

func TestChecksumMismatchSelfHeals(t *testing.T) {
	path := buildSyntheticImage(t)

	opt, err := ParseOptions(nil)
	require.NoError(t, err)
	opt.Mode = "rw"
	opt.Repair = "no"

	vol, err := Mount(path, opt, nil, nil)
	require.NoError(t, err)

	nid, err := vol.CreateFile(NidRoot, "a.txt")
	require.NoError(t, err)

	node := vol.nmap.get(nid)
	root := vol.nmap.get(NidRoot)
	checksumOffset := vol.sb.clusterToOffset(root.startCluster) + node.entryOffset + 2

	require.NoError(t, vol.FlushNode(nid))
	require.NoError(t, vol.Unmount())

	img, err := os.ReadFile(path)
	require.NoError(t, err)

	// Corrupt the SetChecksum field (bytes 2-3 of the meta1 entry).
	img[checksumOffset] ^= 0xFF
	require.NoError(t, os.WriteFile(path, img, 0o644))

	opt2, err := ParseOptions(nil)
	require.NoError(t, err)
	opt2.Mode = "rw"
	opt2.Repair = "yes"

	vol2, err := Mount(path, opt2, nil, nil)
	require.NoError(t, err)

	_, errorsFixed := vol2.Errors()
	require.GreaterOrEqual(t, errorsFixed, 1)

	require.NoError(t, vol2.Unmount())

	opt3, err := ParseOptions(nil)
	require.NoError(t, err)
	opt3.Mode = "rw"
	opt3.Repair = "no"

	vol3, err := Mount(path, opt3, nil, nil)
	require.NoError(t, err)
	defer vol3.Unmount()

	_, errorsFixed3 := vol3.Errors()
	require.Equal(t, 0, errorsFixed3)
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	_, err := vol.Lookup("/nope.txt")
	require.Error(t, err)
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestRenameAndUnlink(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	_, err := vol.CreateFile(NidRoot, "old.txt")
	require.NoError(t, err)

	err = vol.RenameAt(NidRoot, "old.txt", NidRoot, "new.txt")
	require.NoError(t, err)

	_, err = vol.Lookup("/old.txt")
	require.Error(t, err)

	nid, err := vol.Lookup("/new.txt")
	require.NoError(t, err)
	vol.Put(nid)

	err = vol.Unlink(NidRoot, "new.txt")
	require.NoError(t, err)

	_, err = vol.Lookup("/new.txt")
	require.Error(t, err)
}

func TestMkdirAndRmdir(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	nid, err := vol.Mkdir(NidRoot, "subdir")
	require.NoError(t, err)

	st := vol.Stat(nid)
	require.True(t, st.IsDir)

	err = vol.Rmdir(NidRoot, "subdir")
	require.NoError(t, err)

	_, err = vol.Lookup("/subdir")
	require.Error(t, err)
}

func TestCursorIteratesChildren(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	_, err := vol.CreateFile(NidRoot, "a.txt")
	require.NoError(t, err)

	_, err = vol.CreateFile(NidRoot, "b.txt")
	require.NoError(t, err)

	c, err := vol.OpenDir(NidRoot)
	require.NoError(t, err)
	defer vol.CloseDir(c)

	seen := map[Nid]bool{}
	for {
		nid, err := c.Next()
		if err != nil {
			break
		}

		seen[nid] = true
	}

	require.Len(t, seen, 2)
}

func TestSetAndGetLabel(t *testing.T) {
	vol := mountSynthetic(t)
	defer vol.Unmount()

	require.Equal(t, "", vol.Label())

	err := vol.SetLabel("TESTVOL")
	require.NoError(t, err)
	require.Equal(t, "TESTVOL", vol.Label())
}
