// Package loader implements §4.4's binary program format: a 32-byte
// header, a segment table, and concatenated segment payloads. Grounded on
// the teacher's little-endian decode idiom (vm.go's uint32FromBytes,
// binary.LittleEndian) and its NewVirtualMachine file-reading/validation
// setup, adapted from reading text assembly to walking a segmented binary
// artifact since this spec's input is an opaque pre-compiled program
// (§1's out-of-scope compiler), not source text.
package loader

// Magic is "ZPLC" in wire order, 0x5A 0x50 0x4C 0x43 (§6).
var Magic = [4]byte{'Z', 'P', 'L', 'C'}

const (
	HeaderSize     = 32
	SegmentEntrySize = 8
	TaskEntrySize  = 16
	IOMapEntrySize = 8

	SupportedMajorVersion = 1
)

// SegmentType enumerates the segment-table's type field.
type SegmentType uint16

const (
	SegCode SegmentType = iota + 1
	SegTask
	SegIOMap
	SegData
)

// Header is the fixed 32-byte file header (§4.4).
type Header struct {
	Magic         [4]byte
	VersionMajor  uint8
	VersionMinor  uint8
	Flags         uint16
	CRC32         uint32
	CodeSize      uint32
	DataSize      uint32
	EntryPoint    uint32
	SegmentCount  uint32
	Reserved      uint32
}

// SegmentEntry is one segment-table row: type:u16, flags:u16, size:u32.
type SegmentEntry struct {
	Type  SegmentType
	Flags uint16
	Size  uint32
}

// TaskEntry is one 16-byte TASK segment row (§4.4):
// id:u16, type:u8, priority:u8, interval_us:u32, entry_point:u16,
// stack_size:u16, reserved:u32.
type TaskEntry struct {
	ID         uint16
	Type       TaskKind
	Priority   uint8
	IntervalUs uint32
	EntryPoint uint16
	StackSize  uint16
	Reserved   uint32
}

// TaskKind is the TASK entry's type byte.
type TaskKind uint8

const (
	TaskCyclic TaskKind = 0
	TaskEvent  TaskKind = 1
)

// DefaultTaskID/Priority/IntervalUs/StackSize are the backward-
// compatibility fallback task's fixed fields (§4.4) used when
// segment_count > 0 but no TASK segment is present.
const (
	DefaultTaskID         = 99
	DefaultTaskPriority   = 3
	DefaultTaskIntervalUs = 50_000
	DefaultTaskStackSize  = 256
)
