package winsys

// Packet encodings the submission engine emits itself: ring padding and the
// INDIRECT_BUFFER packet that links chained segments.
const (
	nopType3    uint32 = 0xffff1000
	nopType2    uint32 = 0x80000000
	nopDMA      uint32 = 0xf0000000
	nopVCNDec   uint32 = 0x000081ff
	nopJPEG     uint32 = 0x60000000
	nopJPEGBody uint32 = 0x00000000

	pkt3IndirectBufferCIK = 0x3F

	// ibSizeChain marks an INDIRECT_BUFFER that chains to the next segment.
	ibSizeChain uint32 = 1 << 20
	// ibSizeValid marks the size field as valid.
	ibSizeValid uint32 = 1 << 23
	// ibSizeMask covers the 20-bit dword count field.
	ibSizeMask uint32 = 0xFFFFF
)

// pkt3 builds a type-3 packet header.
func pkt3(op, count, predicate uint32) uint32 {
	return 3<<30 | (count&0x3FFF)<<16 | (op&0xFF)<<8 | predicate&1
}

// ChainSize decodes the size word of an INDIRECT_BUFFER packet into the dword
// count of the target segment and whether the packet chains.
func ChainSize(word uint32) (dwords uint32, chained bool) {
	return word & ibSizeMask, word&ibSizeChain != 0 && word&ibSizeValid != 0
}

// IsChainPacket reports whether the four words form the INDIRECT_BUFFER
// packet written when a stream chains to a new segment.
func IsChainPacket(words []uint32) bool {
	if len(words) != 4 || words[0] != pkt3(pkt3IndirectBufferCIK, 2, 0) {
		return false
	}
	_, chained := ChainSize(words[3])
	return chained
}

// ChainTarget returns the VA and dword count a chain packet jumps to.
func ChainTarget(words []uint32) (va uint64, dwords uint32) {
	va = uint64(words[1]) | uint64(words[2])<<32
	dwords, _ = ChainSize(words[3])
	return va, dwords
}
