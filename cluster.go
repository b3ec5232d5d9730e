package exfat

// clusterMap is the in-memory mirror of the on-disk Allocation Bitmap: which
// clusters of the heap are in use. Grounded on
// original_source/src/exfat.rs's ExfatClusterMap.
type clusterMap struct {
	// startCluster is the first cluster of the bitmap's own data (the
	// bitmap entry is always stored NoFatChain / contiguous in practice,
	// which is what every exFAT implementation this engine has to
	// interoperate with assumes).
	startCluster uint32
	// size is the number of clusters described by the bitmap (equal to the
	// super-block's ClusterCount).
	size uint32
	// chunk is the bitmap bytes themselves, one bit per cluster starting at
	// firstDataCluster.
	chunk     Bitmap
	chunkSize uint32
	dirty     bool
}

func (v *Volume) clusterIndex(cluster uint32) uint32 {
	return cluster - firstDataCluster
}

// clusterInvalid reports whether cluster is outside the allocable range.
func (v *Volume) clusterInvalid(cluster uint32) bool {
	return v.sb.clusterInvalid(cluster)
}

// getFreeClusters returns the number of clusters currently marked free.
func (v *Volume) getFreeClusters() uint32 {
	used := v.cmap.chunk.Count(v.cmap.size)
	return v.cmap.size - used
}

// loadClusterMap reads the allocation bitmap's data into cmap.chunk. Called
// once during mount's cache_directory pass when the Allocation Bitmap
// directory entry is encountered.
func (v *Volume) loadClusterMap(firstCluster uint32, dataLength uint64) error {
	size := bitmapSizeBytes(v.sb.ClusterCount)

	buf, err := v.dev.Preadx(uint64(size), v.sb.clusterToOffset(firstCluster))
	if err != nil {
		return wrapErr(KindIOError, "failed to read allocation bitmap", err)
	}

	v.cmap = clusterMap{
		startCluster: firstCluster,
		size:         v.sb.ClusterCount,
		chunk:        Bitmap(buf),
		chunkSize:    size,
	}

	return nil
}

// flushClusterMap writes cmap.chunk back if it is dirty.
func (v *Volume) flushClusterMap() error {
	if !v.cmap.dirty {
		return nil
	}

	err := v.dev.Pwrite(v.cmap.chunk, v.sb.clusterToOffset(v.cmap.startCluster))
	if err != nil {
		return wrapErr(KindIOError, "failed to write allocation bitmap", err)
	}

	v.cmap.dirty = false

	return nil
}

// nextCluster returns the cluster that follows cluster within node's chain,
// either by FAT lookup or, for a contiguous node, by simple increment.
// Grounded on exfat.rs's next_cluster.
func (v *Volume) nextCluster(node *Node, cluster uint32) (uint32, error) {
	if node.isContiguous {
		return cluster + 1, nil
	}

	buf, err := v.dev.Preadx(4, v.sb.fatEntryOffset(cluster))
	if err != nil {
		return 0, wrapErr(KindIOError, "failed to read FAT entry", err)
	}

	return littleEndian.Uint32(buf), nil
}

// setNextCluster writes the FAT entry for cluster to value. It is a no-op
// for contiguous nodes (which carry no FAT chain by definition).
func (v *Volume) setNextCluster(node *Node, cluster, value uint32) error {
	if node.isContiguous {
		return nil
	}

	buf := make([]byte, 4)
	littleEndian.PutUint32(buf, value)

	if err := v.dev.Pwrite(buf, v.sb.fatEntryOffset(cluster)); err != nil {
		return wrapErr(KindIOError, "failed to write FAT entry", err)
	}

	return nil
}

// advanceCluster walks node's chain to the cluster at index count, leaving it
// in fptrCluster. It starts from the fptrIndex/fptrCluster seek hint when the
// hint lies at or before count, and from startCluster otherwise (or while the
// hint is still at index 0), so sequential access never re-walks from the
// beginning. Grounded on exfat.rs's advance_cluster.
func (v *Volume) advanceCluster(node *Node, count uint32) error {
	if count < node.fptrIndex || node.fptrIndex == 0 {
		node.fptrIndex = 0
		node.fptrCluster = node.startCluster
	}

	for node.fptrIndex < count {
		next, err := v.nextCluster(node, node.fptrCluster)
		if err != nil {
			return err
		}

		if v.clusterInvalid(next) {
			return newErrf(KindIOError, "invalid cluster %#x in chain", next)
		}

		node.fptrCluster = next
		node.fptrIndex++
	}

	return nil
}

// makeNoncontiguous materializes a node's implicit contiguous run as an
// explicit FAT chain, needed right before an allocation would otherwise
// break contiguity. Grounded on exfat.rs's make_noncontiguous.
func (v *Volume) makeNoncontiguous(node *Node) error {
	if !node.isContiguous {
		return nil
	}

	clusters := v.sb.bytesToClusters(node.size)

	c := node.startCluster
	for i := uint32(1); i < clusters; i++ {
		if err := v.setNextClusterRaw(c, c+1); err != nil {
			return err
		}

		c++
	}

	if err := v.setNextClusterRaw(c, clusterEnd); err != nil {
		return err
	}

	node.isContiguous = false

	return nil
}

func (v *Volume) setNextClusterRaw(cluster, value uint32) error {
	buf := make([]byte, 4)
	littleEndian.PutUint32(buf, value)

	if err := v.dev.Pwrite(buf, v.sb.fatEntryOffset(cluster)); err != nil {
		return wrapErr(KindIOError, "failed to write FAT entry", err)
	}

	return nil
}

// allocateCluster finds a free cluster at or after hint, marks it used, and
// returns it. Grounded on exfat.rs's ffas/allocate_cluster.
func (v *Volume) allocateCluster(hint uint32) (uint32, error) {
	start := v.clusterIndex(hint)

	idx := v.cmap.chunk.FindAndSet(start, v.cmap.size)
	if idx == ^uint32(0) {
		idx = v.cmap.chunk.FindAndSet(0, start)
		if idx == ^uint32(0) {
			return 0, newErr(KindNoSpace, "no free cluster")
		}
	}

	v.cmap.dirty = true

	return idx + firstDataCluster, nil
}

// freeCluster marks cluster free again.
func (v *Volume) freeCluster(cluster uint32) {
	v.cmap.chunk.Clear(v.clusterIndex(cluster))
	v.cmap.dirty = true
}

// growFile extends node by deltaClusters clusters, allocating a contiguous
// run when possible and falling back to (or converting to) an explicit FAT
// chain otherwise; on failure the clusters allocated by this call are freed
// again.
// Grounded on exfat.rs's grow_file.
func (v *Volume) growFile(node *Node, deltaClusters uint32) error {
	if deltaClusters == 0 {
		return nil
	}

	currentClusters := v.sb.bytesToClusters(node.size)

	allocated := uint32(0)
	var last uint32
	newClusters := make([]uint32, 0, deltaClusters)

	rollback := func() {
		for _, c := range newClusters {
			v.freeCluster(c)
		}
	}

	for allocated < deltaClusters {
		hint := firstDataCluster
		if allocated > 0 {
			hint = int(last) + 1
		} else if currentClusters > 0 {
			hint = int(node.startCluster) + int(currentClusters)
		}

		c, err := v.allocateCluster(uint32(hint))
		if err != nil {
			rollback()
			return err
		}

		newClusters = append(newClusters, c)

		if allocated > 0 && c != last+1 {
			// The run broke; the node can no longer be treated as
			// contiguous from here on.
			if err := v.makeNoncontiguous(node); err != nil {
				rollback()
				return err
			}
		}

		if currentClusters == 0 && allocated == 0 {
			node.startCluster = c
			node.isContiguous = true
		}

		if !node.isContiguous && allocated > 0 {
			if err := v.setNextClusterRaw(last, c); err != nil {
				rollback()
				return err
			}
		}

		last = c
		allocated++
	}

	if !node.isContiguous {
		if err := v.setNextClusterRaw(last, clusterEnd); err != nil {
			rollback()
			return err
		}
	}

	node.isDirty = true

	return nil
}

// shrinkFile severs and frees the tail deltaClusters clusters of node.
// Grounded on exfat.rs's shrink_file.
func (v *Volume) shrinkFile(node *Node, deltaClusters uint32) error {
	if deltaClusters == 0 {
		return nil
	}

	totalClusters := v.sb.bytesToClusters(node.size)
	keep := totalClusters - deltaClusters

	if keep == 0 {
		c := node.startCluster
		for i := uint32(0); i < totalClusters; i++ {
			next, err := v.nextCluster(node, c)
			if err != nil && i+1 < totalClusters {
				return err
			}

			v.freeCluster(c)
			c = next
		}

		node.startCluster = clusterFree
		node.isContiguous = false
		node.fptrIndex = 0
		node.fptrCluster = 0
		node.isDirty = true

		return nil
	}

	// Walk to the last cluster to keep, sever the chain there, then free
	// the remainder.
	if err := v.advanceCluster(node, keep-1); err != nil {
		return err
	}

	last := node.fptrCluster

	next, err := v.nextCluster(node, last)
	if err != nil {
		return err
	}

	if err := v.setNextCluster(node, last, clusterEnd); err != nil {
		return err
	}

	c := next
	for i := uint32(0); i < deltaClusters; i++ {
		var n uint32
		if i+1 < deltaClusters {
			n, err = v.nextCluster(node, c)
			if err != nil {
				return err
			}
		}

		v.freeCluster(c)
		c = n
	}

	node.isDirty = true

	return nil
}

// eraseRange zero-fills [offset, offset+size) of node's data, used by
// truncate to materialize the zero bytes a grow implies. Grounded on
// exfat.rs's erase_range/erase_raw.
func (v *Volume) eraseRange(node *Node, offset, size uint64) error {
	for size > 0 {
		clusterOffset := offset % v.sb.clusterSize()
		n := v.sb.clusterSize() - clusterOffset
		if n > size {
			n = size
		}

		clusterIdx := uint32(offset / v.sb.clusterSize())
		if err := v.advanceCluster(node, clusterIdx); err != nil {
			return err
		}

		absOffset := v.sb.clusterToOffset(node.fptrCluster) + clusterOffset

		if err := v.dev.Pwrite(v.zeroCluster[:n], absOffset); err != nil {
			return wrapErr(KindIOError, "failed to zero-fill range", err)
		}

		offset += n
		size -= n
	}

	return nil
}

// truncate grows or shrinks node to newSize, zero-filling any newly exposed
// range and updating validSize, matching exfat.rs's truncate semantics
// (size monotonic with respect to cluster count; validSize tracks how much
// of that range actually holds meaningful data).
func (v *Volume) truncate(node *Node, newSize uint64, erase bool) error {
	oldClusters := v.sb.bytesToClusters(node.size)
	newClusters := v.sb.bytesToClusters(newSize)

	if newClusters > oldClusters {
		if err := v.growFile(node, newClusters-oldClusters); err != nil {
			return err
		}
	} else if newClusters < oldClusters {
		if err := v.shrinkFile(node, oldClusters-newClusters); err != nil {
			return err
		}
	}

	if erase && newSize > node.size {
		if err := v.eraseRange(node, node.size, newSize-node.size); err != nil {
			return err
		}
	}

	node.size = newSize
	if node.validSize > newSize {
		node.validSize = newSize
	}

	node.isDirty = true

	return nil
}
