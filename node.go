package exfat

// Nid is a stable handle for a cached Node, used instead of a pointer or an
// index into a slice so that parent/child relationships survive directory
// cache rebuilds. Grounded on original_source/src/exfat.rs's
// `nid_next`/`HashMap<Nid, ExfatNode>`.
type Nid uint64

const (
	// NidInvalid marks the absence of a node (an unresolved lookup, a
	// cursor that has run off the end of a directory).
	NidInvalid Nid = 0

	// NidRoot is always the root directory's nid. It is inserted at mount
	// and never removed while the volume stays mounted.
	NidRoot Nid = 1
)

const (
	attribReadOnly = 0x0001
	attribHidden   = 0x0002
	attribSystem   = 0x0004
	attribDir      = 0x0010
	attribArchive  = 0x0020
)

// Node is the in-memory representation of a file or directory: the mutable
// fields mirrored from its on-disk entry set, plus cache-management state
// (references, dirtiness, the cluster-chain seek hint). Grounded on
// original_source/src/exfat.rs's ExfatNode.
type Node struct {
	nid Nid
	// pnid is NidInvalid only for the root node.
	pnid Nid
	// children holds this node's child nids in on-disk order, populated
	// once the directory has been cached (isCached).
	children []Nid

	// entryOffset is the byte offset, within the parent directory's data
	// stream, of this node's primary (meta1) entry.
	entryOffset uint64
	// continuations is the SecondaryCount of the entry set (1 for the
	// stream-extension entry plus however many file-name entries the name
	// requires).
	continuations uint8

	attrib       uint16
	startCluster uint32
	size         uint64
	validSize    uint64
	isContiguous bool

	isCached   bool
	isDirty    bool
	references int

	name []uint16

	mtime uint32
	atime uint32

	// fptrIndex/fptrCluster cache the last cluster-chain walk position so
	// that sequential access doesn't re-walk the FAT chain from cluster 0
	// every time.
	fptrIndex   uint32
	fptrCluster uint32
}

func newRootNode() *Node {
	return &Node{
		nid:    NidRoot,
		pnid:   NidInvalid,
		attrib: attribDir,
	}
}

func (n *Node) isDirectory() bool {
	return n.attrib&attribDir != 0
}

// get increments the reference count; callers must balance every get() with
// a put().
func (n *Node) get() {
	n.references++
}

// put decrements the reference count. It never removes the node from the
// map itself -- that is nodeMap's job once references reaches zero and the
// caller has no further use for it (exfat.rs's at-unmount invariant:
// references == 0 && !is_dirty).
func (n *Node) put() {
	if n.references == 0 {
		panic("put() on node with zero references")
	}

	n.references--
}

// nodeMap is the nid-keyed arena backing every cached Node, plus the
// allocator for fresh nids. Grounded on exfat.rs's `nmap: HashMap<Nid,
// ExfatNode>` / `nid_next`.
type nodeMap struct {
	nodes  map[Nid]*Node
	nextID Nid
}

func newNodeMap() *nodeMap {
	return &nodeMap{
		nodes:  make(map[Nid]*Node),
		nextID: NidRoot + 1,
	}
}

func (m *nodeMap) allocID() Nid {
	id := m.nextID
	m.nextID++
	return id
}

func (m *nodeMap) get(nid Nid) *Node {
	n, found := m.nodes[nid]
	if !found {
		panic("nid not present in node map")
	}

	return n
}

func (m *nodeMap) tryGet(nid Nid) (*Node, bool) {
	n, found := m.nodes[nid]
	return n, found
}

func (m *nodeMap) insert(n *Node) {
	m.nodes[n.nid] = n
}

// attach links node under dnid's children list and sets its pnid, matching
// exfat.rs's nmap_attach.
func (m *nodeMap) attach(dnid Nid, n *Node) {
	n.pnid = dnid
	parent := m.get(dnid)
	parent.children = append(parent.children, n.nid)
}

// detach removes nid from dnid's children list (but not from the map
// itself) and returns the detached node, matching exfat.rs's nmap_detach.
func (m *nodeMap) detach(dnid, nid Nid) *Node {
	parent := m.get(dnid)

	for i, c := range parent.children {
		if c == nid {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}

	n := m.get(nid)
	n.pnid = NidInvalid

	return n
}

func (m *nodeMap) remove(nid Nid) {
	delete(m.nodes, nid)
}

// Cursor streams a directory's children one nid at a time without
// materializing a full listing, matching exfat.rs's ExfatCursor /
// opendir_cursor / readdir_cursor / closedir_cursor.
type Cursor struct {
	vol   *Volume
	pnid  Nid
	index int
	cur   Nid
}

// Next advances the cursor and returns the next child's Nid. It returns a
// KindNotFound error once the directory is exhausted, the same kind Lookup
// returns for a missing name, so callers can range over a directory with a
// single error check: for { nid, err := c.Next(); if err != nil { break } }.
func (c *Cursor) Next() (Nid, error) {
	nid, ok := c.vol.readdirCursor(c)
	if !ok {
		return NidInvalid, newErr(KindNotFound, "no more entries")
	}

	return nid, nil
}
