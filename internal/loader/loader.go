package loader

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/zplc/zplc/internal/fault"
)

// Image is the fully validated, parsed output of Parse: CODE bytes ready
// to install into the CODE region, registered task definitions (already
// clamped to §3's invariants), and any DATA segment payload for WORK/
// RETAIN initialisation.
type Image struct {
	Code       []byte
	EntryPoint uint32
	Tasks      []TaskEntry
	Data       []byte
}

// Parse validates buf against §4.4's sequence (fail fast, in order) and
// returns a fully-formed Image, or a *fault.Fault with zero side effects:
// a failed parse never touches CODE or task state, because Parse never
// hands anything back until every check has passed.
func Parse(buf []byte, codeRegionSize uint32) (*Image, *fault.Fault) {
	if len(buf) < HeaderSize {
		return nil, fault.New(fault.LoaderTooSmall, "file is %d bytes, header alone needs %d", len(buf), HeaderSize)
	}

	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != Magic {
		return nil, fault.New(fault.LoaderBadMagic, "magic bytes %v do not match ZPLC", magic)
	}

	versionMajor := buf[4]
	if versionMajor != SupportedMajorVersion {
		return nil, fault.New(fault.LoaderUnsupportedVersion, "major version %d unsupported (want %d)", versionMajor, SupportedMajorVersion)
	}

	hdr := Header{
		Magic:        magic,
		VersionMajor: versionMajor,
		VersionMinor: buf[5],
		Flags:        binary.LittleEndian.Uint16(buf[6:8]),
		CRC32:        binary.LittleEndian.Uint32(buf[8:12]),
		CodeSize:     binary.LittleEndian.Uint32(buf[12:16]),
		DataSize:     binary.LittleEndian.Uint32(buf[16:20]),
		EntryPoint:   binary.LittleEndian.Uint32(buf[20:24]),
		SegmentCount: binary.LittleEndian.Uint32(buf[24:28]),
		Reserved:     binary.LittleEndian.Uint32(buf[28:32]),
	}

	segments, err := readSegmentTable(buf, hdr.SegmentCount)
	if err != nil {
		return nil, err
	}

	var codeBytes []byte
	var dataBytes []byte
	var taskBytes []byte
	codeSegCount := 0

	offset := HeaderSize + int(hdr.SegmentCount)*SegmentEntrySize
	for _, seg := range segments {
		end := offset + int(seg.Size)
		if end > len(buf) {
			return nil, fault.New(fault.LoaderTruncated, "segment type %d payload (offset %d, size %d) extends past the %d-byte file", seg.Type, offset, seg.Size, len(buf))
		}
		payload := buf[offset:end]

		switch seg.Type {
		case SegCode:
			codeSegCount++
			if codeSegCount > 1 || uint32(len(payload)) > codeRegionSize {
				return nil, fault.New(fault.LoaderBadCode, "CODE segment invalid: count=%d size=%d region=%d", codeSegCount, len(payload), codeRegionSize)
			}
			codeBytes = payload
		case SegTask:
			taskBytes = payload
		case SegData:
			dataBytes = payload
		case SegIOMap:
			// Out of scope (§4.4); accepted but ignored.
		}

		offset = end
	}

	if f := verifyCRC(buf, hdr.CRC32); f != nil {
		return nil, f
	}

	if codeBytes == nil {
		return nil, fault.New(fault.LoaderNoCode, "file has no CODE segment")
	}

	tasks, f := parseTasks(taskBytes, hdr)
	if f != nil {
		return nil, f
	}
	for _, t := range tasks {
		if uint32(t.EntryPoint) >= uint32(len(codeBytes)) {
			return nil, fault.New(fault.LoaderBadCode, "task id %d entry_point %d is not < code_size %d", t.ID, t.EntryPoint, len(codeBytes))
		}
	}

	return &Image{
		Code:       codeBytes,
		EntryPoint: hdr.EntryPoint,
		Tasks:      tasks,
		Data:       dataBytes,
	}, nil
}

func readSegmentTable(buf []byte, count uint32) ([]SegmentEntry, *fault.Fault) {
	offset := HeaderSize
	need := int(count) * SegmentEntrySize
	if offset+need > len(buf) {
		return nil, fault.New(fault.LoaderTruncated, "segment table (%d entries) extends past the %d-byte file", count, len(buf))
	}

	entries := make([]SegmentEntry, count)
	for i := range entries {
		row := buf[offset : offset+SegmentEntrySize]
		entries[i] = SegmentEntry{
			Type:  SegmentType(binary.LittleEndian.Uint16(row[0:2])),
			Flags: binary.LittleEndian.Uint16(row[2:4]),
			Size:  binary.LittleEndian.Uint32(row[4:8]),
		}
		offset += SegmentEntrySize
	}
	return entries, nil
}

// verifyCRC recomputes CRC-32 (IEEE) over the whole file with the header's
// CRC field zeroed, per §6, and rejects on any mismatch (§9 resolves the
// "warn vs reject" open question explicitly in favor of reject).
func verifyCRC(buf []byte, want uint32) *fault.Fault {
	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	for i := 8; i < 12; i++ {
		scratch[i] = 0
	}
	got := crc32.ChecksumIEEE(scratch)
	if got != want {
		return fault.New(fault.LoaderChecksumFailed, "CRC32 mismatch: file declares 0x%08X, computed 0x%08X", want, got)
	}
	return nil
}

func clampStackSize(v uint16) uint16 {
	if v < 256 {
		return 256
	}
	if v > 1024 {
		return 1024
	}
	return v
}

func clampIntervalUs(v uint32) uint32 {
	if v < 1000 {
		return 1000
	}
	return v
}

// parseTasks decodes the TASK segment's 16-byte rows, clamping each entry
// to §3's invariants. If no TASK segment is present but the file does
// carry segments, it registers the single backward-compatibility default
// task (§4.4). `type=event` rows are rejected (§9's open question: event
// triggers are undesigned, so the loader refuses rather than guesses).
func parseTasks(taskBytes []byte, hdr Header) ([]TaskEntry, *fault.Fault) {
	if len(taskBytes) == 0 {
		if hdr.SegmentCount == 0 {
			return nil, nil
		}
		return []TaskEntry{{
			ID:         DefaultTaskID,
			Type:       TaskCyclic,
			Priority:   DefaultTaskPriority,
			IntervalUs: DefaultTaskIntervalUs,
			EntryPoint: uint16(hdr.EntryPoint),
			StackSize:  DefaultTaskStackSize,
		}}, nil
	}

	if len(taskBytes)%TaskEntrySize != 0 {
		return nil, fault.New(fault.LoaderTruncated, "TASK segment size %d is not a multiple of %d", len(taskBytes), TaskEntrySize)
	}

	n := len(taskBytes) / TaskEntrySize
	tasks := make([]TaskEntry, 0, n)
	for i := 0; i < n; i++ {
		row := taskBytes[i*TaskEntrySize : (i+1)*TaskEntrySize]
		kind := TaskKind(row[2])
		if kind == TaskEvent {
			return nil, fault.New(fault.LoaderBadCode, "task id %d declares type=event, which has no designed trigger surface", binary.LittleEndian.Uint16(row[0:2]))
		}

		t := TaskEntry{
			ID:         binary.LittleEndian.Uint16(row[0:2]),
			Type:       kind,
			Priority:   row[3],
			IntervalUs: clampIntervalUs(binary.LittleEndian.Uint32(row[4:8])),
			EntryPoint: binary.LittleEndian.Uint16(row[8:10]),
			StackSize:  clampStackSize(binary.LittleEndian.Uint16(row[10:12])),
			Reserved:   binary.LittleEndian.Uint32(row[12:16]),
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
