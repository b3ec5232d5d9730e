package exfat

// readEntries reads count consecutive 32-byte directory-entry slots starting
// at byte offset within node's data stream, walking node's cluster chain
// directly against the device rather than through a read-only, seekable-
// stream abstraction, because the write path needs the same addressing for
// both reads and writes. Grounded on original_source/src/exfat.rs's
// read_entries.
func (v *Volume) readEntries(node *Node, offset uint64, count int) ([]rawEntry, error) {
	entries := make([]rawEntry, count)

	for i := 0; i < count; i++ {
		off := offset + uint64(i)*entrySize

		clusterIdx := uint32(off / v.sb.clusterSize())
		clusterOff := off % v.sb.clusterSize()

		if err := v.advanceCluster(node, clusterIdx); err != nil {
			return nil, err
		}

		abs := v.sb.clusterToOffset(node.fptrCluster) + clusterOff

		buf, err := v.dev.Preadx(entrySize, abs)
		if err != nil {
			return nil, wrapErr(KindIOError, "failed to read directory entry", err)
		}

		copy(entries[i][:], buf)
	}

	return entries, nil
}

// writeEntries writes entries back starting at offset within node's data
// stream. Grounded on exfat.rs's write_entries.
func (v *Volume) writeEntries(node *Node, offset uint64, entries []rawEntry) error {
	for i, e := range entries {
		off := offset + uint64(i)*entrySize

		clusterIdx := uint32(off / v.sb.clusterSize())
		clusterOff := off % v.sb.clusterSize()

		if err := v.advanceCluster(node, clusterIdx); err != nil {
			return err
		}

		abs := v.sb.clusterToOffset(node.fptrCluster) + clusterOff

		if err := v.dev.Pwrite(e[:], abs); err != nil {
			return wrapErr(KindIOError, "failed to write directory entry", err)
		}
	}

	return nil
}

// rootdirSize walks the root directory's chain to find its size in bytes,
// since the root directory (unlike every other directory) has no stream
// extension entry giving an explicit DataLength. It stops at the first
// invalid/free cluster; a chain that is still valid after sb.ClusterCount
// steps cannot fit on the volume and is rejected outright rather than
// silently accepted as a size, guarding against a corrupt chain looping
// forever. Grounded on exfat.rs's rootdir_size, whose equivalent loop
// returns EIO once clusters == clusters_max.
func (v *Volume) rootdirSize() (uint64, error) {
	size := uint64(0)
	cluster := v.sb.RootdirCluster

	for i := uint32(0); i < v.sb.ClusterCount; i++ {
		size += v.sb.clusterSize()

		next, err := v.nextClusterFat(cluster)
		if err != nil {
			return 0, err
		}

		if v.clusterInvalid(next) {
			return size, nil
		}

		cluster = next
	}

	return 0, newErr(KindIOError, "root directory cannot occupy all clusters")
}

// nextClusterFat reads the FAT entry for cluster unconditionally (the root
// directory is always addressed via its FAT chain; it has no NoFatChain
// flag to consult, since it has no stream-extension entry).
func (v *Volume) nextClusterFat(cluster uint32) (uint32, error) {
	buf, err := v.dev.Preadx(4, v.sb.fatEntryOffset(cluster))
	if err != nil {
		return 0, wrapErr(KindIOError, "failed to read FAT entry", err)
	}

	return littleEndian.Uint32(buf), nil
}

// entrySet bundles a decoded node's primary/secondary entries together with
// where they live in the parent directory, so create/rename/delete can
// rewrite them as a unit.
type entrySet struct {
	offset uint64
	meta1  entryMeta1
	meta2  entryMeta2
	name   []uint16
}

// parseFileEntries decodes a File + Stream-Extension + FileName* run starting
// at entries[0] into a Node. Grounded on exfat.rs's parse_file_entries.
func parseFileEntries(entries []rawEntry, offset uint64) (*Node, error) {
	if entries[0].typeTag() != entryTypeFile {
		return nil, newErrf(KindIOError, "expected File entry, found %#x", entries[0].typeTag())
	}

	meta1 := unpackMeta1(entries[0])

	if len(entries) < 2 || entries[1].typeTag() != entryTypeStreamExt {
		return nil, newErr(KindIOError, "missing Stream Extension entry")
	}

	meta2 := unpackMeta2(entries[1])

	nameUnits := make([]uint16, 0, meta2.NameLength)
	for i := 2; i < len(entries) && len(nameUnits) < int(meta2.NameLength); i++ {
		if entries[i].typeTag() != entryTypeFileName {
			return nil, newErrf(KindIOError, "expected FileName entry, found %#x", entries[i].typeTag())
		}

		frag := unpackNameFragment(entries[i])
		remaining := int(meta2.NameLength) - len(nameUnits)
		n := exfatEnameMax
		if remaining < n {
			n = remaining
		}

		nameUnits = append(nameUnits, frag.Name[:n]...)
	}

	node := &Node{
		entryOffset:   offset,
		continuations: meta1.SecondaryCount,
		attrib:        meta1.FileAttributes,
		startCluster:  meta2.FirstCluster,
		size:          meta2.DataLength,
		validSize:     meta2.ValidDataLength,
		isContiguous:  meta2.SecondaryFlags&secondaryFlagNoFatChain != 0,
		mtime:         meta1.ModifiedTimestamp,
		atime:         meta1.AccessedTimestamp,
		name:          nameUnits,
	}

	return node, nil
}

// buildFileEntries is the inverse of parseFileEntries: it encodes node's
// current in-memory state back into a File + Stream-Extension + FileName*
// entry run, recomputing the name hash and the checksum over the set.
// Grounded on exfat.rs's commit_entry / update_file_info.
func (v *Volume) buildFileEntries(node *Node) []rawEntry {
	nameEntries := divRoundUp(uint32(len(node.name)), uint32(exfatEnameMax))
	if nameEntries == 0 {
		nameEntries = 1
	}

	entries := make([]rawEntry, 2+nameEntries)

	secondaryFlags := uint8(secondaryFlagAllocationPossible)
	if node.isContiguous {
		secondaryFlags |= secondaryFlagNoFatChain
	}

	meta1 := entryMeta1{
		EntryType:         entryTypeFile | entryValid,
		SecondaryCount:    uint8(1 + nameEntries),
		FileAttributes:    node.attrib,
		ModifiedTimestamp: node.mtime,
		AccessedTimestamp: node.atime,
		CreateTimestamp:   node.mtime,
	}

	meta2 := entryMeta2{
		EntryType:       entryTypeStreamExt | entryValid,
		SecondaryFlags:  secondaryFlags,
		NameLength:      uint8(len(node.name)),
		NameHash:        calcNameHash(v.upcase, node.name),
		ValidDataLength: node.validSize,
		FirstCluster:    node.startCluster,
		DataLength:      node.size,
	}

	entries[0] = packMeta1(meta1)
	entries[1] = packMeta2(meta2)

	for i := uint32(0); i < nameEntries; i++ {
		var frag entryNameFragment
		frag.EntryType = entryTypeFileName | entryValid

		start := int(i) * exfatEnameMax
		end := start + exfatEnameMax
		if end > len(node.name) {
			end = len(node.name)
		}

		copy(frag.Name[:], node.name[start:end])

		entries[2+i] = packNameFragment(frag)
	}

	checksum := calcEntrySetChecksum(rawEntriesToArrays(entries))
	meta1.SetChecksum = checksum
	entries[0] = packMeta1(meta1)

	return entries
}

func rawEntriesToArrays(entries []rawEntry) [][directoryEntryBytesCount]byte {
	out := make([][directoryEntryBytesCount]byte, len(entries))
	for i, e := range entries {
		out[i] = [directoryEntryBytesCount]byte(e)
	}

	return out
}

// cacheDirectory reads dnid's entire directory stream, populating its
// children with freshly-allocated nids, plus (when dnid is the root) the
// volume-wide Allocation Bitmap, Up-case Table and Volume Label entries.
// Grounded on exfat.rs's cache_directory / read_entries loop.
func (v *Volume) cacheDirectory(dnid Nid) error {
	dnode := v.nmap.get(dnid)
	if dnode.isCached {
		return nil
	}

	size := dnode.size
	if dnid == NidRoot && size == 0 {
		s, err := v.rootdirSize()
		if err != nil {
			return err
		}

		size = s
		dnode.size = s
	}

	total := int(size / entrySize)

	offset := uint64(0)
	for offset < uint64(total)*entrySize {
		entries, err := v.readEntries(dnode, offset, 1)
		if err != nil {
			return err
		}

		e := entries[0]

		switch {
		case e.isEndOfDirectory():
			offset = uint64(total) * entrySize

		case e.typeTag() == entryTypeBitmap:
			be := unpackBitmapEntry(e)
			if err := v.loadClusterMap(be.FirstCluster, be.DataLength); err != nil {
				return err
			}

			offset += entrySize

		case e.typeTag() == entryTypeUpcase:
			ue := unpackUpcaseEntry(e)

			compressed, err := v.readRawRun(ue.FirstCluster, ue.DataLength)
			if err != nil {
				return err
			}

			v.upcase = decompressUpcase(bytesToUint16LE(compressed))
			offset += entrySize

		case e.typeTag() == entryTypeLabel:
			le := unpackLabelEntry(e)
			v.label = utf16ToUTF8(le.VolumeLabel[:le.CharacterCount])
			offset += entrySize

		case e.typeTag() == entryTypeFile:
			secCount := uint64(unpackMeta1(e).SecondaryCount)

			full, err := v.readEntries(dnode, offset, int(secCount)+1)
			if err != nil {
				return err
			}

			child, err := parseFileEntries(full, offset)
			if err != nil {
				return err
			}

			expected := calcEntrySetChecksum(rawEntriesToArrays(full))
			if unpackMeta1(full[0]).SetChecksum != expected {
				if v.repair.AskToFix("invalid checksum on file entry") {
					child.isDirty = true
					v.errorsFixedCount++
				}
			}

			child.nid = v.nmap.allocID()
			v.nmap.insert(child)
			v.nmap.attach(dnid, child)

			offset += (secCount + 1) * entrySize

		case e.isValid():
			// Any other valid-but-unrecognized primary/secondary tag.
			// Grounded on exfat.rs's check_entries: repair clears the
			// valid bit (0x80) in place, otherwise the inconsistency
			// cancels the directory walk.
			if !v.repair.AskToFix("unknown directory entry type") {
				return newErr(KindCancelled, "unknown directory entry type and repair declined")
			}

			fixed := e
			fixed[0] &^= entryValid

			if err := v.writeEntries(dnode, offset, []rawEntry{fixed}); err != nil {
				return err
			}

			v.errorsFixedCount++
			offset += entrySize

		default:
			offset += entrySize
		}
	}

	dnode.isCached = true

	return nil
}

// readRawRun reads a whole contiguous-or-chained run of length dataLength
// starting at firstCluster, used for the fixed-size Up-case Table entry.
func (v *Volume) readRawRun(firstCluster uint32, dataLength uint64) ([]byte, error) {
	buf := make([]byte, 0, dataLength)

	cluster := firstCluster
	remaining := dataLength

	for remaining > 0 {
		n := v.sb.clusterSize()
		if n > remaining {
			n = remaining
		}

		chunk, err := v.dev.Preadx(n, v.sb.clusterToOffset(cluster))
		if err != nil {
			return nil, wrapErr(KindIOError, "failed to read cluster run", err)
		}

		buf = append(buf, chunk...)
		remaining -= n

		if remaining == 0 {
			break
		}

		next, err := v.nextClusterFat(cluster)
		if err != nil {
			return nil, err
		}

		if v.clusterInvalid(next) {
			return nil, newErr(KindIOError, "truncated cluster run")
		}

		cluster = next
	}

	return buf, nil
}

func bytesToUint16LE(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = littleEndian.Uint16(b[i*2 : i*2+2])
	}

	return out
}

// lookupName resolves a single path component among dnid's (already cached)
// children using case-insensitive upcase-table comparison. Grounded on
// exfat.rs's lookup_name / compare_name.
func (v *Volume) lookupName(dnid Nid, component string) (Nid, bool, error) {
	if err := v.cacheDirectory(dnid); err != nil {
		return NidInvalid, false, err
	}

	units, err := utf8ToUTF16(component)
	if err != nil {
		return NidInvalid, false, err
	}

	dnode := v.nmap.get(dnid)

	for _, c := range dnode.children {
		child := v.nmap.get(c)
		if compareName(v.upcase, child.name, units) {
			return c, true, nil
		}
	}

	return NidInvalid, false, nil
}

// Lookup resolves a slash-separated path (relative to the root) to a Nid.
// The returned nid is get()-incremented; the caller must Put it. Grounded on
// exfat.rs's lookup_at / get_comp.
func (v *Volume) Lookup(path string) (Nid, error) {
	components := splitPath(path)

	cur := NidRoot
	for _, c := range components {
		if !isAllowedChar(c) {
			return NidInvalid, newErrf(KindInvalidArgument, "illegal character in component: [%s]", c)
		}

		node := v.nmap.get(cur)
		if !node.isDirectory() {
			return NidInvalid, newErr(KindNotDir, "path traverses a non-directory component")
		}

		next, found, err := v.lookupName(cur, c)
		if err != nil {
			return NidInvalid, err
		}

		if !found {
			return NidInvalid, newErrf(KindNotFound, "no such file or directory: [%s]", c)
		}

		cur = next
	}

	v.nmap.get(cur).get()

	return cur, nil
}

// findSlot scans dnid's directory stream for nEntries consecutive free (or
// past-end) slots, growing the directory if none are found. Grounded on
// exfat.rs's find_slot / check_slot.
func (v *Volume) findSlot(dnid Nid, nEntries int) (uint64, error) {
	dnode := v.nmap.get(dnid)

	if err := v.cacheDirectory(dnid); err != nil {
		return 0, err
	}

	run := 0
	var runStart uint64

	total := dnode.size / entrySize

	for i := uint64(0); i < total; i++ {
		entries, err := v.readEntries(dnode, i*entrySize, 1)
		if err != nil {
			return 0, err
		}

		if entries[0].isValid() {
			run = 0
			continue
		}

		if run == 0 {
			runStart = i * entrySize
		}

		run++

		if run == nEntries {
			return runStart, nil
		}
	}

	// No run found: grow the directory by one cluster and use its start.
	growStart := dnode.size

	if err := v.growFile(dnode, 1); err != nil {
		return 0, err
	}

	dnode.size += v.sb.clusterSize()
	dnode.isDirty = true

	blank := make([]rawEntry, v.sb.clusterSize()/entrySize)
	if err := v.writeEntries(dnode, growStart, blank); err != nil {
		return 0, err
	}

	return growStart, nil
}

// commitEntry writes node's current entry set at its cached entryOffset
// within parent's stream. Grounded on exfat.rs's commit_entry.
func (v *Volume) commitEntry(pnid Nid, node *Node) error {
	pnode := v.nmap.get(pnid)
	entries := v.buildFileEntries(node)

	return v.writeEntries(pnode, node.entryOffset, entries)
}

// createAt creates a new file or directory named name under dnid. Grounded
// on exfat.rs's create_at / mknod / mkdir.
func (v *Volume) createAt(dnid Nid, name string, isDir bool) (Nid, error) {
	if !isAllowedChar(name) {
		return NidInvalid, newErrf(KindInvalidArgument, "illegal character in name: [%s]", name)
	}

	if _, found, err := v.lookupName(dnid, name); err != nil {
		return NidInvalid, err
	} else if found {
		return NidInvalid, newErrf(KindExists, "already exists: [%s]", name)
	}

	units, err := utf8ToUTF16(name)
	if err != nil {
		return NidInvalid, err
	}

	nameEntries := int(divRoundUp(uint32(len(units)), uint32(exfatEnameMax)))
	if nameEntries == 0 {
		nameEntries = 1
	}

	offset, err := v.findSlot(dnid, 2+nameEntries)
	if err != nil {
		return NidInvalid, err
	}

	attrib := uint16(attribArchive)
	if isDir {
		attrib = attribDir
	}

	node := &Node{
		pnid:        dnid,
		entryOffset: offset,
		attrib:      attrib,
		name:        units,
		isCached:    true,
	}

	node.nid = v.nmap.allocID()
	v.nmap.insert(node)
	v.nmap.attach(dnid, node)

	if err := v.commitEntry(dnid, node); err != nil {
		return NidInvalid, err
	}

	return node.nid, nil
}

// eraseEntries clears the entryValid bit across node's full entry set
// in-place within parent's directory stream, matching exfat.rs's
// erase_entries used by unlink/rmdir.
func (v *Volume) eraseEntries(pnid Nid, node *Node) error {
	pnode := v.nmap.get(pnid)

	n := 2 + int(divRoundUp(uint32(len(node.name)), uint32(exfatEnameMax)))
	if len(node.name) == 0 {
		n = 2
	}

	entries, err := v.readEntries(pnode, node.entryOffset, n)
	if err != nil {
		return err
	}

	for i := range entries {
		entries[i][0] &^= entryValid
	}

	return v.writeEntries(pnode, node.entryOffset, entries)
}

// Unlink removes a regular file. Grounded on exfat.rs's unlink.
func (v *Volume) Unlink(dnid Nid, name string) error {
	nid, found, err := v.lookupName(dnid, name)
	if err != nil {
		return err
	}

	if !found {
		return newErrf(KindNotFound, "no such file: [%s]", name)
	}

	node := v.nmap.get(nid)
	if node.isDirectory() {
		return newErr(KindIsDir, "is a directory")
	}

	if node.references > 0 {
		return newErr(KindBusy, "file is still referenced")
	}

	if err := v.eraseEntries(dnid, node); err != nil {
		return err
	}

	if node.startCluster != clusterFree {
		clusters := v.sb.bytesToClusters(node.size)
		if err := v.shrinkFile(node, clusters); err != nil {
			return err
		}
	}

	v.nmap.detach(dnid, nid)
	v.nmap.remove(nid)

	return nil
}

// Rmdir removes an empty directory. Grounded on exfat.rs's rmdir.
func (v *Volume) Rmdir(dnid Nid, name string) error {
	nid, found, err := v.lookupName(dnid, name)
	if err != nil {
		return err
	}

	if !found {
		return newErrf(KindNotFound, "no such directory: [%s]", name)
	}

	node := v.nmap.get(nid)
	if !node.isDirectory() {
		return newErr(KindNotDir, "not a directory")
	}

	if err := v.cacheDirectory(nid); err != nil {
		return err
	}

	if len(node.children) > 0 {
		return newErr(KindNotEmpty, "directory not empty")
	}

	if node.references > 0 {
		return newErr(KindBusy, "directory is still referenced")
	}

	if err := v.eraseEntries(dnid, node); err != nil {
		return err
	}

	if node.startCluster != clusterFree {
		clusters := v.sb.bytesToClusters(node.size)
		if err := v.shrinkFile(node, clusters); err != nil {
			return err
		}
	}

	v.nmap.detach(dnid, nid)
	v.nmap.remove(nid)

	return nil
}

// RenameAt moves/renames the node at oldDnid/oldName to newDnid/newName,
// overwriting an existing empty-directory or file target per exfat.rs's
// rename_at / rename_entry semantics.
func (v *Volume) RenameAt(oldDnid Nid, oldName string, newDnid Nid, newName string) error {
	if !isAllowedChar(newName) {
		return newErrf(KindInvalidArgument, "illegal character in name: [%s]", newName)
	}

	nid, found, err := v.lookupName(oldDnid, oldName)
	if err != nil {
		return err
	}

	if !found {
		return newErrf(KindNotFound, "no such file or directory: [%s]", oldName)
	}

	node := v.nmap.get(nid)

	existingNid, existingFound, err := v.lookupName(newDnid, newName)
	if err != nil {
		return err
	}

	if existingFound {
		existing := v.nmap.get(existingNid)

		if existing.isDirectory() != node.isDirectory() {
			if existing.isDirectory() {
				return newErr(KindIsDir, "rename target is a directory")
			}

			return newErr(KindNotDir, "rename target is not a directory")
		}

		if existing.isDirectory() {
			if err := v.Rmdir(newDnid, newName); err != nil {
				return err
			}
		} else {
			if err := v.Unlink(newDnid, newName); err != nil {
				return err
			}
		}
	}

	units, err := utf8ToUTF16(newName)
	if err != nil {
		return err
	}

	if err := v.eraseEntries(oldDnid, node); err != nil {
		return err
	}

	v.nmap.detach(oldDnid, nid)

	nameEntries := int(divRoundUp(uint32(len(units)), uint32(exfatEnameMax)))
	if nameEntries == 0 {
		nameEntries = 1
	}

	offset, err := v.findSlot(newDnid, 2+nameEntries)
	if err != nil {
		return err
	}

	node.name = units
	node.entryOffset = offset
	node.pnid = NidInvalid

	v.nmap.attach(newDnid, node)

	return v.commitEntry(newDnid, node)
}

// opendirCursor begins streaming dnid's children.
func (v *Volume) opendirCursor(dnid Nid) (*Cursor, error) {
	if err := v.cacheDirectory(dnid); err != nil {
		return nil, err
	}

	return &Cursor{vol: v, pnid: dnid, index: -1}, nil
}

// readdirCursor advances c and returns the next child's Nid, or
// (NidInvalid, false) once the directory is exhausted.
func (v *Volume) readdirCursor(c *Cursor) (Nid, bool) {
	dnode := v.nmap.get(c.pnid)

	c.index++
	if c.index >= len(dnode.children) {
		c.cur = NidInvalid
		return NidInvalid, false
	}

	c.cur = dnode.children[c.index]

	return c.cur, true
}

// closedirCursor releases a cursor. It exists, symmetrically with
// opendirCursor/readdirCursor, purely to mirror exfat.rs's
// opendir_cursor/readdir_cursor/closedir_cursor trio; there is no state to
// release since Cursor holds no handle beyond plain Go values.
func (v *Volume) closedirCursor(c *Cursor) {
	c.cur = NidInvalid
}
