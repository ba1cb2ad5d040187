package vm

import (
	"encoding/binary"

	"github.com/zplc/zplc/internal/fault"
)

// Decoded is one fetched instruction: the opcode plus its immediate operand
// (if any), zero-extended into a uint32 regardless of width. Callers that
// need a signed interpretation (JR's relative offset) cast explicitly.
type Decoded struct {
	Op      Opcode
	Operand uint32
	Width   int // operand bytes consumed, 0/1/2/4
}

// decodeAt fetches one instruction from code (CODE region bytes,
// region-relative, i.e. code[0] == CODE.Base()) at region-relative offset
// off. It returns the decoded instruction and the offset just past it, or a
// fault. Per §4.2: unknown opcodes in the gaps of the map are
// IllegalInstruction; operands that would read past the end of code are
// TruncatedInstruction.
func decodeAt(code []byte, off uint32) (Decoded, uint32, *fault.Fault) {
	if off >= uint32(len(code)) {
		return Decoded{}, off, fault.Truncated("instruction fetch at offset %d is past end of code (size %d)", off, len(code))
	}

	op := Opcode(code[off])
	if !op.IsValid() {
		return Decoded{}, off, fault.IllegalInstr("unrecognized opcode 0x%02X", byte(op))
	}

	width := OperandWidth(byte(op))
	next := off + 1
	if width == 0 {
		return Decoded{Op: op, Width: 0}, next, nil
	}

	if next+uint32(width) > uint32(len(code)) {
		return Decoded{}, off, fault.Truncated("operand for %s at offset %d truncated (need %d bytes, code size %d)", op, off, width, len(code))
	}

	var operand uint32
	switch width {
	case 1:
		operand = uint32(code[next])
	case 2:
		operand = uint32(binary.LittleEndian.Uint16(code[next : next+2]))
	case 4:
		operand = binary.LittleEndian.Uint32(code[next : next+4])
	}

	return Decoded{Op: op, Operand: operand, Width: width}, next + uint32(width), nil
}
