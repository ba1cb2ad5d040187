package loader

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFile assembles a minimal valid file: header + one CODE segment,
// optionally one TASK segment, with a correct CRC32.
func buildFile(t *testing.T, code []byte, taskRows []byte) []byte {
	t.Helper()

	segCount := 1
	if taskRows != nil {
		segCount = 2
	}

	header := make([]byte, HeaderSize)
	copy(header[0:4], Magic[:])
	header[4] = SupportedMajorVersion
	header[5] = 0
	binary.LittleEndian.PutUint16(header[6:8], 0) // flags
	// CRC32 field (header[8:12]) filled in last.
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(code)))
	binary.LittleEndian.PutUint32(header[16:20], 0)
	binary.LittleEndian.PutUint32(header[20:24], 0) // entry_point
	binary.LittleEndian.PutUint32(header[24:28], uint32(segCount))

	segTable := make([]byte, 0, segCount*SegmentEntrySize)
	codeEntry := make([]byte, SegmentEntrySize)
	binary.LittleEndian.PutUint16(codeEntry[0:2], uint16(SegCode))
	binary.LittleEndian.PutUint32(codeEntry[4:8], uint32(len(code)))
	segTable = append(segTable, codeEntry...)

	if taskRows != nil {
		taskEntry := make([]byte, SegmentEntrySize)
		binary.LittleEndian.PutUint16(taskEntry[0:2], uint16(SegTask))
		binary.LittleEndian.PutUint32(taskEntry[4:8], uint32(len(taskRows)))
		segTable = append(segTable, taskEntry...)
	}

	buf := append(header, segTable...)
	buf = append(buf, code...)
	if taskRows != nil {
		buf = append(buf, taskRows...)
	}

	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf
}

func TestParseValidFileWithDefaultTaskFallback(t *testing.T) {
	code := []byte{0x01} // HALT
	buf := buildFile(t, code, nil)

	img, f := Parse(buf, 32*1024)
	require.Nil(t, f)
	require.Equal(t, code, img.Code)
	require.Len(t, img.Tasks, 1)
	require.Equal(t, uint16(DefaultTaskID), img.Tasks[0].ID)
	require.Equal(t, TaskCyclic, img.Tasks[0].Type)
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := buildFile(t, []byte{0x01}, nil)
	buf[0] = 'X'
	// Re-stamp CRC so the failure we hit is specifically BadMagic, not
	// ChecksumFailed (BadMagic is checked first per §4.4's ordering).
	crc := crc32.ChecksumIEEE(func() []byte {
		cp := append([]byte(nil), buf...)
		for i := 8; i < 12; i++ {
			cp[i] = 0
		}
		return cp
	}())
	binary.LittleEndian.PutUint32(buf[8:12], crc)

	_, f := Parse(buf, 32*1024)
	require.NotNil(t, f)
	require.Equal(t, "LoaderBadMagic", f.Code.String())
}

func TestParseRejectsChecksumMismatch(t *testing.T) {
	buf := buildFile(t, []byte{0x01}, nil)
	buf[len(buf)-1] ^= 0xFF // corrupt the code payload after CRC was stamped

	_, f := Parse(buf, 32*1024)
	require.NotNil(t, f)
	require.Equal(t, "LoaderChecksumFailed", f.Code.String())
}

func TestParseRejectsTooSmall(t *testing.T) {
	_, f := Parse([]byte{1, 2, 3}, 32*1024)
	require.NotNil(t, f)
	require.Equal(t, "LoaderTooSmall", f.Code.String())
}

func TestParseRejectsTruncatedSegmentPayload(t *testing.T) {
	buf := buildFile(t, []byte{0x01, 0x02, 0x03}, nil)
	buf = buf[:len(buf)-2] // chop the tail off the CODE payload

	_, f := Parse(buf, 32*1024)
	require.NotNil(t, f)
	// Truncation is caught before CRC is even checked.
	require.Equal(t, "LoaderTruncated", f.Code.String())
}

func TestParseClampsTaskFieldsAndRejectsEventType(t *testing.T) {
	code := make([]byte, 64)
	row := make([]byte, TaskEntrySize)
	binary.LittleEndian.PutUint16(row[0:2], 1)
	row[2] = byte(TaskCyclic)
	row[3] = 2
	binary.LittleEndian.PutUint32(row[4:8], 10) // interval_us, below the 1000 floor
	binary.LittleEndian.PutUint16(row[8:10], 0) // entry_point
	binary.LittleEndian.PutUint16(row[10:12], 4000) // stack_size, above the 1024 ceiling

	buf := buildFile(t, code, row)
	img, f := Parse(buf, 32*1024)
	require.Nil(t, f)
	require.Len(t, img.Tasks, 1)
	require.Equal(t, uint32(1000), img.Tasks[0].IntervalUs)
	require.Equal(t, uint16(1024), img.Tasks[0].StackSize)

	row[2] = byte(TaskEvent)
	buf2 := buildFile(t, code, row)
	_, f = Parse(buf2, 32*1024)
	require.NotNil(t, f)
	require.Equal(t, "LoaderBadCode", f.Code.String())
}

func TestParseRejectsEntryPointPastCodeSize(t *testing.T) {
	code := []byte{0x01, 0x01, 0x01, 0x01}
	row := make([]byte, TaskEntrySize)
	binary.LittleEndian.PutUint16(row[0:2], 1)
	row[2] = byte(TaskCyclic)
	binary.LittleEndian.PutUint32(row[4:8], 1000)
	binary.LittleEndian.PutUint16(row[8:10], 99) // past the 4-byte code

	buf := buildFile(t, code, row)
	_, f := Parse(buf, 32*1024)
	require.NotNil(t, f)
	require.Equal(t, "LoaderBadCode", f.Code.String())
}
