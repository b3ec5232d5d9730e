package exfat

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"
)

// littleEndian is the byte order of every on-disk exFAT structure, used
// with github.com/go-restruct/restruct.
var littleEndian binary.ByteOrder = binary.LittleEndian

const (
	superBlockSize = 512

	oemName = "EXFAT   "

	// firstDataCluster is the lowest valid cluster number; clusters 0 and 1
	// are reserved (FREE and a historical media-descriptor slot).
	firstDataCluster = 2

	clusterFree = 0
	clusterEnd  = 0xFFFFFFFF
	clusterBad  = 0xFFFFFFF7

	volumeStateMounted = 0x0002
)

// superBlock is the 512-byte exFAT boot sector / volume boot record,
// restruct-tagged for both decode (mount) and encode (sync/finalize),
// using the shorter field names original_source/src/exfat.rs uses
// (sector_bits, spc_bits, rootdir_cluster, ...).
type superBlock struct {
	JumpBoot           [3]byte
	OemName            [8]byte
	MustBeZero         [53]byte
	PartitionOffset    uint64
	SectorCount        uint64
	FatOffset          uint32
	FatLength          uint32
	ClusterHeapOffset  uint32
	ClusterCount       uint32
	RootdirCluster     uint32
	VolumeSerialNumber uint32
	VersionMinor       uint8
	VersionMajor       uint8
	VolumeState        uint16
	SectorBits         uint8
	SpcBits            uint8
	FatCount           uint8
	DriveSelect        uint8
	AllocatedPercent   uint8
	Reserved           [7]byte
	BootCode           [390]byte
	BootSignature      uint16
}

func parseSuperBlock(raw []byte) (sb superBlock, err error) {
	err = restruct.Unpack(raw, littleEndian, &sb)
	return sb, err
}

func (sb superBlock) pack() ([]byte, error) {
	return restruct.Pack(littleEndian, &sb)
}

func (sb superBlock) sectorSize() uint64 {
	return 1 << sb.SectorBits
}

func (sb superBlock) clusterSize() uint64 {
	return 1 << (sb.SectorBits + sb.SpcBits)
}

// validate applies the structural checks original_source/src/exfat.rs's
// mount() runs before accepting a boot sector (OEM string, minimum sector
// size, maximum cluster size, version, FAT count).
func (sb superBlock) validate(deviceSize uint64) error {
	if string(sb.OemName[:]) != oemName {
		return newErr(KindIOError, "exFAT file system is not found")
	}

	if sb.SectorBits < 9 {
		return newErrf(KindIOError, "too small sector size: 2^%d", sb.SectorBits)
	}

	if uint32(sb.SectorBits)+uint32(sb.SpcBits) > 25 {
		return newErrf(KindIOError, "too big cluster size: 2^(%d+%d)", sb.SectorBits, sb.SpcBits)
	}

	if sb.VersionMajor != 1 || sb.VersionMinor != 0 {
		return newErrf(KindUnsupported, "unsupported exFAT version: %d.%d", sb.VersionMajor, sb.VersionMinor)
	}

	if sb.FatCount != 1 {
		return newErrf(KindUnsupported, "unsupported FAT count: %d", sb.FatCount)
	}

	if sb.ClusterCount*uint32(sb.clusterSize()) > 0 && uint64(sb.ClusterCount)*sb.clusterSize() > deviceSize {
		return newErrf(KindIOError, "file system in clusters is larger than device: %d * %d > %d",
			sb.ClusterCount, sb.clusterSize(), deviceSize)
	}

	return nil
}

// clusterToSector converts a cluster number to its first sector.
func (sb superBlock) clusterToSector(cluster uint32) uint64 {
	return uint64(sb.ClusterHeapOffset) + uint64(cluster-firstDataCluster)<<sb.SpcBits
}

// clusterToOffset converts a cluster number to its first byte offset.
func (sb superBlock) clusterToOffset(cluster uint32) uint64 {
	return sb.clusterToSector(cluster) << sb.SectorBits
}

// sectorToOffset converts a sector number to a byte offset.
func (sb superBlock) sectorToOffset(sector uint64) uint64 {
	return sector << sb.SectorBits
}

// bytesToClusters returns how many whole clusters are needed to hold size
// bytes.
func (sb superBlock) bytesToClusters(size uint64) uint32 {
	cs := sb.clusterSize()
	return uint32((size + cs - 1) / cs)
}

// fatEntryOffset returns the byte offset of a cluster's 32-bit FAT
// entry.
func (sb superBlock) fatEntryOffset(cluster uint32) uint64 {
	return sb.sectorToOffset(uint64(sb.FatOffset)) + uint64(cluster)*4
}

// clusterInvalid reports whether cluster lies outside the allocable range.
func (sb superBlock) clusterInvalid(cluster uint32) bool {
	return cluster < firstDataCluster || cluster >= firstDataCluster+sb.ClusterCount
}

// Dump prints every boot-sector field to stdout, matching the deleted
// BootSectorHeader.Dump field for field under this struct's own field
// names.
func (sb superBlock) Dump() {
	fmt.Printf("Boot Sector Header\n")
	fmt.Printf("==================\n")
	fmt.Printf("\n")

	fmt.Printf("PartitionOffset: (%d)\n", sb.PartitionOffset)
	fmt.Printf("SectorCount: (%d)\n", sb.SectorCount)
	fmt.Printf("FatOffset: (%d)\n", sb.FatOffset)
	fmt.Printf("FatLength: (%d)\n", sb.FatLength)
	fmt.Printf("ClusterHeapOffset: (%d)\n", sb.ClusterHeapOffset)
	fmt.Printf("ClusterCount: (%d)\n", sb.ClusterCount)
	fmt.Printf("RootdirCluster: (%d)\n", sb.RootdirCluster)
	fmt.Printf("VolumeSerialNumber: (0x%08x)\n", sb.VolumeSerialNumber)
	fmt.Printf("VersionMajor.VersionMinor: (%d.%d)\n", sb.VersionMajor, sb.VersionMinor)
	fmt.Printf("VolumeState: (0x%04x)\n", sb.VolumeState)
	fmt.Printf("SectorBits: (%d)\n", sb.SectorBits)
	fmt.Printf("-> Sector-size: 2^(%d) -> %d\n", sb.SectorBits, sb.sectorSize())
	fmt.Printf("SpcBits: (%d)\n", sb.SpcBits)
	fmt.Printf("-> Cluster-size: 2^(%d+%d) -> %d\n", sb.SectorBits, sb.SpcBits, sb.clusterSize())
	fmt.Printf("FatCount: (%d)\n", sb.FatCount)
	fmt.Printf("DriveSelect: (%d)\n", sb.DriveSelect)
	fmt.Printf("AllocatedPercent: (%d)\n", sb.AllocatedPercent)
	fmt.Printf("\n")
}
