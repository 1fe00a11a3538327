package winsys

import (
	"encoding/binary"
	"fmt"
)

// ChunkID identifies the payload type of a submission chunk.
type ChunkID uint32

// Chunk IDs as defined by the kernel submission interface.
const (
	ChunkIB                    ChunkID = 0x01
	ChunkFence                 ChunkID = 0x02
	ChunkDependencies          ChunkID = 0x03
	ChunkSyncobjIn             ChunkID = 0x04
	ChunkSyncobjOut            ChunkID = 0x05
	ChunkBOHandles             ChunkID = 0x06
	ChunkScheduledDependencies ChunkID = 0x07
)

// String returns the chunk name.
func (id ChunkID) String() string {
	switch id {
	case ChunkIB:
		return "IB"
	case ChunkFence:
		return "FENCE"
	case ChunkDependencies:
		return "DEPENDENCIES"
	case ChunkSyncobjIn:
		return "SYNCOBJ_IN"
	case ChunkSyncobjOut:
		return "SYNCOBJ_OUT"
	case ChunkBOHandles:
		return "BO_HANDLES"
	case ChunkScheduledDependencies:
		return "SCHEDULED_DEPENDENCIES"
	default:
		return fmt.Sprintf("CHUNK(%d)", uint32(id))
	}
}

// Chunk is one typed payload of a request.
type Chunk struct {
	ID   ChunkID
	Data []byte
}

// LengthDW returns the payload length in dwords.
func (c Chunk) LengthDW() uint32 {
	return uint32(len(c.Data) / 4)
}

// IBFlags are the flags of an IB chunk.
type IBFlags uint32

// IB flags.
const (
	IBFlagCE                IBFlags = 1 << 0
	IBFlagPreamble          IBFlags = 1 << 1
	IBFlagPreempt           IBFlags = 1 << 2
	IBFlagTCWBNotInvalidate IBFlags = 1 << 3
	IBFlagResetGDSMaxWaveID IBFlags = 1 << 4
)

// Payload sizes in bytes.
const (
	ibInfoSize      = 32
	depInfoSize     = 24
	semInfoSize     = 4
	fenceInfoSize   = 8
	boListInSize    = 24
	boListEntrySize = 8
)

// IBInfo is the payload of an IB chunk.
type IBInfo struct {
	Flags      IBFlags
	VAStart    uint64
	IBBytes    uint32
	IPType     IPType
	IPInstance uint32
	Ring       uint32
}

// Encode appends the 32-byte kernel layout of the IB descriptor to b.
func (ib IBInfo) Encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, 0) // pad
	b = binary.LittleEndian.AppendUint32(b, uint32(ib.Flags))
	b = binary.LittleEndian.AppendUint64(b, ib.VAStart)
	b = binary.LittleEndian.AppendUint32(b, ib.IBBytes)
	b = binary.LittleEndian.AppendUint32(b, uint32(ib.IPType))
	b = binary.LittleEndian.AppendUint32(b, ib.IPInstance)
	b = binary.LittleEndian.AppendUint32(b, ib.Ring)
	return b
}

// DecodeIBInfo decodes an IB chunk payload.
func DecodeIBInfo(b []byte) (IBInfo, error) {
	if len(b) != ibInfoSize {
		return IBInfo{}, fmt.Errorf("%w: IB payload is %d bytes", ErrMalformedChunk, len(b))
	}
	le := binary.LittleEndian
	return IBInfo{
		Flags:      IBFlags(le.Uint32(b[4:])),
		VAStart:    le.Uint64(b[8:]),
		IBBytes:    le.Uint32(b[16:]),
		IPType:     IPType(le.Uint32(b[20:])),
		IPInstance: le.Uint32(b[24:]),
		Ring:       le.Uint32(b[28:]),
	}, nil
}

// DepInfo is one entry of a DEPENDENCIES or SCHEDULED_DEPENDENCIES chunk.
type DepInfo struct {
	IPType     IPType
	IPInstance uint32
	Ring       uint32
	Context    ContextHandle
	Handle     uint64
}

// depFromFence converts a submitted ring fence into a dependency entry.
func depFromFence(f RingFence) DepInfo {
	return DepInfo{
		IPType:     f.IP,
		IPInstance: f.Instance,
		Ring:       f.Ring,
		Context:    f.Context,
		Handle:     f.Seq,
	}
}

// RingFence returns the ring fence the dependency waits for.
func (d DepInfo) RingFence() RingFence {
	return RingFence{Context: d.Context, IP: d.IPType, Instance: d.IPInstance, Ring: d.Ring, Seq: d.Handle}
}

// Encode appends the 24-byte kernel layout to b.
func (d DepInfo) Encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(d.IPType))
	b = binary.LittleEndian.AppendUint32(b, d.IPInstance)
	b = binary.LittleEndian.AppendUint32(b, d.Ring)
	b = binary.LittleEndian.AppendUint32(b, uint32(d.Context))
	b = binary.LittleEndian.AppendUint64(b, d.Handle)
	return b
}

// DecodeDeps decodes a dependency chunk payload.
func DecodeDeps(b []byte) ([]DepInfo, error) {
	if len(b)%depInfoSize != 0 {
		return nil, fmt.Errorf("%w: dependency payload is %d bytes", ErrMalformedChunk, len(b))
	}
	le := binary.LittleEndian
	deps := make([]DepInfo, 0, len(b)/depInfoSize)
	for off := 0; off < len(b); off += depInfoSize {
		p := b[off:]
		deps = append(deps, DepInfo{
			IPType:     IPType(le.Uint32(p)),
			IPInstance: le.Uint32(p[4:]),
			Ring:       le.Uint32(p[8:]),
			Context:    ContextHandle(le.Uint32(p[12:])),
			Handle:     le.Uint64(p[16:]),
		})
	}
	return deps, nil
}

// encodeSems appends SYNCOBJ_IN/OUT entries to b.
func encodeSems(b []byte, handles []SyncobjHandle) []byte {
	for _, h := range handles {
		b = binary.LittleEndian.AppendUint32(b, uint32(h))
	}
	return b
}

// DecodeSems decodes a SYNCOBJ_IN or SYNCOBJ_OUT chunk payload.
func DecodeSems(b []byte) ([]SyncobjHandle, error) {
	if len(b)%semInfoSize != 0 {
		return nil, fmt.Errorf("%w: syncobj payload is %d bytes", ErrMalformedChunk, len(b))
	}
	handles := make([]SyncobjHandle, 0, len(b)/semInfoSize)
	for off := 0; off < len(b); off += semInfoSize {
		handles = append(handles, SyncobjHandle(binary.LittleEndian.Uint32(b[off:])))
	}
	return handles, nil
}

// FenceInfo is the payload of a FENCE chunk: the user-fence buffer and the
// byte offset of the slot the kernel writes on completion.
type FenceInfo struct {
	Handle BOHandle
	Offset uint32
}

// Encode appends the 8-byte kernel layout to b.
func (f FenceInfo) Encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(f.Handle))
	b = binary.LittleEndian.AppendUint32(b, f.Offset)
	return b
}

// DecodeFenceInfo decodes a FENCE chunk payload.
func DecodeFenceInfo(b []byte) (FenceInfo, error) {
	if len(b) != fenceInfoSize {
		return FenceInfo{}, fmt.Errorf("%w: fence payload is %d bytes", ErrMalformedChunk, len(b))
	}
	return FenceInfo{
		Handle: BOHandle(binary.LittleEndian.Uint32(b)),
		Offset: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// BOListIn is the payload of a BO_HANDLES chunk. The entries it describes
// travel in Request.Buffers; BOInfoPtr is left for the transport to fill.
type BOListIn struct {
	Operation  uint32
	ListHandle uint32
	BONumber   uint32
	BOInfoSize uint32
	BOInfoPtr  uint64
}

// inlineBOList returns the header for an inline buffer list of n entries.
func inlineBOList(n int) BOListIn {
	return BOListIn{
		Operation:  ^uint32(0),
		ListHandle: ^uint32(0),
		BONumber:   uint32(n),
		BOInfoSize: boListEntrySize,
	}
}

// Encode appends the 24-byte kernel layout to b.
func (l BOListIn) Encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, l.Operation)
	b = binary.LittleEndian.AppendUint32(b, l.ListHandle)
	b = binary.LittleEndian.AppendUint32(b, l.BONumber)
	b = binary.LittleEndian.AppendUint32(b, l.BOInfoSize)
	b = binary.LittleEndian.AppendUint64(b, l.BOInfoPtr)
	return b
}

// DecodeBOListIn decodes a BO_HANDLES chunk payload.
func DecodeBOListIn(b []byte) (BOListIn, error) {
	if len(b) != boListInSize {
		return BOListIn{}, fmt.Errorf("%w: buffer list payload is %d bytes", ErrMalformedChunk, len(b))
	}
	le := binary.LittleEndian
	return BOListIn{
		Operation:  le.Uint32(b),
		ListHandle: le.Uint32(b[4:]),
		BONumber:   le.Uint32(b[8:]),
		BOInfoSize: le.Uint32(b[12:]),
		BOInfoPtr:  le.Uint64(b[16:]),
	}, nil
}

// BOListEntry is one buffer of a submission's buffer list.
type BOListEntry struct {
	Handle   BOHandle
	Priority uint32
}

// Encode appends the 8-byte kernel layout to b.
func (e BOListEntry) Encode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(e.Handle))
	b = binary.LittleEndian.AppendUint32(b, e.Priority)
	return b
}

// EncodeBOList appends the kernel layout of all entries to b.
func EncodeBOList(b []byte, entries []BOListEntry) []byte {
	for _, e := range entries {
		b = e.Encode(b)
	}
	return b
}

// DecodeBOList decodes an array of buffer list entries.
func DecodeBOList(b []byte) ([]BOListEntry, error) {
	if len(b)%boListEntrySize != 0 {
		return nil, fmt.Errorf("%w: buffer list entries are %d bytes", ErrMalformedChunk, len(b))
	}
	entries := make([]BOListEntry, 0, len(b)/boListEntrySize)
	for off := 0; off < len(b); off += boListEntrySize {
		entries = append(entries, BOListEntry{
			Handle:   BOHandle(binary.LittleEndian.Uint32(b[off:])),
			Priority: binary.LittleEndian.Uint32(b[off+4:]),
		})
	}
	return entries, nil
}
