package winsys

import "math/bits"

// bufferHashSize is the number of hash buckets of a buffer table. It must be
// a power of two; the bucket of a buffer is id & (bufferHashSize-1).
const bufferHashSize = 4096

// bufferEntry is one referenced buffer of a submission.
type bufferEntry struct {
	buf           *Buffer
	usage         Usage
	priorityUsage uint32

	// realIndex is the index of the owning real buffer for slab entries.
	realIndex int
}

// priority returns the kernel priority of the entry.
func (e *bufferEntry) priority() uint32 {
	if e.priorityUsage == 0 {
		return 0
	}
	return uint32(bits.Len32(e.priorityUsage)-1) / 2
}

// bufferTable dedupes the buffers referenced by one submission.
//
// The three kinds live in separate arrays that share one bucket index. A
// bucket may point into the wrong array or at a stale slot after a
// collision; lookup validates the slot and falls back to a reverse linear
// scan, reinserting the hit so repeated lookups stay O(1).
type bufferTable struct {
	real   []bufferEntry
	slab   []bufferEntry
	sparse []bufferEntry

	hash [bufferHashSize]int32

	// last-added cache for back to back references to one buffer.
	lastBuf      *Buffer
	lastIndex    int
	lastUsage    Usage
	lastPriority uint32

	usedVRAM uint64
	usedGTT  uint64
}

func newBufferTable() *bufferTable {
	t := &bufferTable{}
	t.clearHash()
	return t
}

func (t *bufferTable) clearHash() {
	for i := range t.hash {
		t.hash[i] = -1
	}
	t.lastBuf = nil
}

// entries returns the array that holds buffers of kind k.
func (t *bufferTable) entries(k BufferKind) []bufferEntry {
	switch k {
	case KindSlab:
		return t.slab
	case KindSparse:
		return t.sparse
	default:
		return t.real
	}
}

// numBuffers returns the total number of entries of all kinds.
func (t *bufferTable) numBuffers() int {
	return len(t.real) + len(t.slab) + len(t.sparse)
}

func hashOf(b *Buffer) uint32 {
	return b.id & (bufferHashSize - 1)
}

// lookup returns the index of b in its kind's array, or -1.
func (t *bufferTable) lookup(b *Buffer) int {
	h := hashOf(b)
	i := int(t.hash[h])
	list := t.entries(b.kind)

	if i < 0 || (i < len(list) && list[i].buf == b) {
		return i
	}

	// Collision: scan from the most recent entry and heal the bucket.
	for i = len(list) - 1; i >= 0; i-- {
		if list[i].buf == b {
			t.hash[h] = int32(i)
			return i
		}
	}
	return -1
}

// addReal appends a real buffer entry without looking it up first.
func (t *bufferTable) addReal(b *Buffer) int {
	idx := len(t.real)
	t.real = append(t.real, bufferEntry{buf: b})
	b.csRefs.Add(1)
	return idx
}

func (t *bufferTable) account(domain Domain, size uint64) {
	if domain&DomainVRAM != 0 {
		t.usedVRAM += size
	} else if domain&DomainGTT != 0 {
		t.usedGTT += size
	}
}

func (t *bufferTable) lookupOrAddReal(b *Buffer) int {
	if idx := t.lookup(b); idx >= 0 {
		return idx
	}

	idx := t.addReal(b)
	t.hash[hashOf(b)] = int32(idx)
	t.account(b.domain, b.size)
	return idx
}

func (t *bufferTable) lookupOrAddSlab(b *Buffer) int {
	if idx := t.lookup(b); idx >= 0 {
		return idx
	}

	realIdx := t.lookupOrAddReal(b.real)

	idx := len(t.slab)
	t.slab = append(t.slab, bufferEntry{buf: b, realIndex: realIdx})
	b.csRefs.Add(1)
	t.hash[hashOf(b)] = int32(idx)
	return idx
}

func (t *bufferTable) lookupOrAddSparse(b *Buffer) int {
	if idx := t.lookup(b); idx >= 0 {
		return idx
	}

	idx := len(t.sparse)
	t.sparse = append(t.sparse, bufferEntry{buf: b})
	b.csRefs.Add(1)
	t.hash[hashOf(b)] = int32(idx)

	// Backing is added at submission time, but memory use is counted now.
	b.mu.Lock()
	for _, backing := range b.backing {
		t.account(b.domain, backing.size)
	}
	b.mu.Unlock()

	return idx
}

// add references b with the given usage and priority and returns its index.
// Slab buffers return the index of their real buffer, which receives the
// usage without UsageSynchronized; the slab entry keeps the full usage.
func (t *bufferTable) add(b *Buffer, usage Usage, prio Priority) int {
	prioBit := uint32(1) << (prio & 31)

	if b == t.lastBuf && usage&t.lastUsage == usage && prioBit&t.lastPriority != 0 {
		return t.lastIndex
	}

	var entry *bufferEntry
	var index int

	switch b.kind {
	case KindSlab:
		index = t.lookupOrAddSlab(b)
		slab := &t.slab[index]
		slab.usage |= usage

		usage &^= UsageSynchronized
		index = slab.realIndex
		entry = &t.real[index]
	case KindSparse:
		index = t.lookupOrAddSparse(b)
		entry = &t.sparse[index]
	default:
		index = t.lookupOrAddReal(b)
		entry = &t.real[index]
	}

	entry.priorityUsage |= prioBit
	entry.usage |= usage

	t.lastBuf = b
	t.lastIndex = index
	t.lastUsage = entry.usage
	t.lastPriority = entry.priorityUsage
	return index
}

// resolveSparseBacking inserts the backing regions of every sparse buffer as
// real entries. Each backing region belongs to exactly one sparse buffer, so
// entries are appended without lookup. Regions inherit usage without
// UsageSynchronized and count as active submissions.
func (t *bufferTable) resolveSparseBacking() {
	for i := range t.sparse {
		sp := &t.sparse[i]
		b := sp.buf

		b.mu.Lock()
		for _, backing := range b.backing {
			idx := t.addReal(backing)
			t.real[idx].usage = sp.usage &^ UsageSynchronized
			t.real[idx].priorityUsage = sp.priorityUsage
			backing.activeSubmissions.Add(1)
		}
		b.mu.Unlock()
	}
}

// isReferenced reports whether b is in the table with any of the usage bits.
// A zero usage matches any reference.
func (t *bufferTable) isReferenced(b *Buffer, usage Usage) bool {
	if b.csRefs.Load() == 0 {
		return false
	}
	idx := t.lookup(b)
	if idx < 0 {
		return false
	}
	entry := t.entries(b.kind)[idx]
	if usage == 0 {
		return true
	}
	return entry.usage&usage != 0
}

// boList appends the kernel buffer list of all real entries to dst.
func (t *bufferTable) boList(dst []BOListEntry) []BOListEntry {
	for i := range t.real {
		e := &t.real[i]
		dst = append(dst, BOListEntry{Handle: e.buf.handle, Priority: e.priority()})
	}
	return dst
}

// finishSubmission drops the active-submission count taken at flush.
func (t *bufferTable) finishSubmission() {
	for _, list := range [][]bufferEntry{t.real, t.slab, t.sparse} {
		for i := range list {
			list[i].buf.activeSubmissions.Add(-1)
		}
	}
}

// reset releases all entries, keeping the arrays for the next cycle.
func (t *bufferTable) reset() {
	for _, list := range [][]bufferEntry{t.real, t.slab, t.sparse} {
		for i := range list {
			list[i].buf.csRefs.Add(-1)
			list[i] = bufferEntry{}
		}
	}
	t.real = t.real[:0]
	t.slab = t.slab[:0]
	t.sparse = t.sparse[:0]
	t.usedVRAM = 0
	t.usedGTT = 0
	t.clearHash()
}
