package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zplc/zplc/internal/memory"
)

func newTestVM(t *testing.T, code []byte, ticks func() uint32) (*VM, *memory.Space, uint32) {
	t.Helper()
	mem := memory.NewSpace(memory.DefaultConfig())
	require.Nil(t, mem.BulkCopyIn(memory.CODE, 0, code))

	if ticks == nil {
		ticks = func() uint32 { return 0 }
	}
	v := New(mem, ticks)

	cfg := mem.Config()
	entry := cfg.CodeBase
	v.StartCycle(entry, cfg.WorkBase, cfg.WorkSize)
	return v, mem, cfg.WorkBase
}

func push32(buf []byte, v uint32) []byte {
	return append(buf, byte(OpPush32), byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func push8(buf []byte, v uint8) []byte {
	return append(buf, byte(OpPush8), v)
}

func store32(buf []byte, addr uint16) []byte {
	return append(buf, byte(OpStore32), byte(addr), byte(addr>>8))
}

func call(buf []byte, target uint16) []byte {
	return append(buf, byte(OpCall), byte(target), byte(target>>8))
}

func TestAddAndHalt(t *testing.T) {
	var code []byte
	code = push8(code, 5)
	code = push8(code, 3)
	code = append(code, byte(OpAdd))
	code = append(code, byte(OpHalt))

	v, mem, _ := newTestVM(t, code, nil)
	outcome, f := v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)

	top, f := mem.ReadU32(v.SP())
	require.Nil(t, f)
	require.Equal(t, uint32(8), top)
}

func TestDivisionByZeroFaultsAtInstructionStart(t *testing.T) {
	var code []byte
	code = push8(code, 10)
	code = push8(code, 0)
	divPC := uint32(len(code))
	code = append(code, byte(OpDiv))
	code = append(code, byte(OpHalt))

	v, _, _ := newTestVM(t, code, nil)
	cfg := memory.DefaultConfig()

	outcome, f := v.RunUntil(100)
	require.Equal(t, RunFaulted, outcome)
	require.NotNil(t, f)
	require.True(t, f.HasPC)
	require.Equal(t, cfg.CodeBase+divPC, f.PC)
}

func TestJumpOutsideCodeIsIllegalBranch(t *testing.T) {
	var code []byte
	code = append(code, byte(OpJmp), 0xFF, 0xFF) // 0xFFFF is nowhere near CODE
	code = append(code, byte(OpHalt))

	v, _, _ := newTestVM(t, code, nil)
	outcome, f := v.RunUntil(10)
	require.Equal(t, RunFaulted, outcome)
	require.NotNil(t, f)
}

func TestUnknownOpcodeFaultsIllegalInstruction(t *testing.T) {
	code := []byte{0x2D, byte(OpHalt)} // 0x2D is a hole in the opcode map
	v, _, _ := newTestVM(t, code, nil)
	_, f := v.RunUntil(10)
	require.NotNil(t, f)
}

func TestCallAndReturn(t *testing.T) {
	cfg := memory.DefaultConfig()
	// main: CALL sub; HALT
	// sub: PUSH8 9; RET
	callInstr := []byte{byte(OpCall), 0, 0} // operand patched below
	haltInstr := []byte{byte(OpHalt)}
	sub := append(push8(nil, 9), byte(OpRet))

	subAddr := cfg.CodeBase + uint32(len(callInstr)+len(haltInstr))
	callInstr[1] = byte(subAddr)
	callInstr[2] = byte(subAddr >> 8)

	code := append(append(callInstr, haltInstr...), sub...)

	v, mem, _ := newTestVM(t, code, nil)
	outcome, f := v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)

	top, f := mem.ReadU32(v.SP())
	require.Nil(t, f)
	require.Equal(t, uint32(9), top)
}

func TestTonTimerReachesQAfterPresetTime(t *testing.T) {
	cfg := memory.DefaultConfig()
	instanceAddr := uint16(cfg.WorkBase + 256)
	etAddr := uint16(cfg.WorkBase + 300)
	qAddr := uint16(cfg.WorkBase + 304)

	build := func() []byte {
		var code []byte
		code = push32(code, uint32(instanceAddr))
		code = push8(code, 1)    // IN = true
		code = push32(code, 100) // PT = 100 ticks
		code = call(code, uint16(FBAddr(FBTon)))
		code = store32(code, etAddr)
		code = store32(code, qAddr)
		code = append(code, byte(OpHalt))
		return code
	}

	now := uint32(0)
	tick := func() uint32 { return now }

	v, mem, _ := newTestVM(t, build(), tick)

	// First cycle: timer just started, Q must still be false.
	outcome, f := v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)
	q, f := mem.ReadU32(uint32(qAddr))
	require.Nil(t, f)
	require.Equal(t, uint32(0), q)

	// Advance past PT and re-run the same program (a fresh cycle); WORK
	// (and hence the instance) persists, only the stacks reset.
	now = 150
	v.StartCycle(cfg.CodeBase, cfg.WorkBase, cfg.WorkSize)
	outcome, f = v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)

	q, f = mem.ReadU32(uint32(qAddr))
	require.Nil(t, f)
	require.Equal(t, uint32(1), q)

	et, f := mem.ReadU32(uint32(etAddr))
	require.Nil(t, f)
	require.Equal(t, uint32(100), et)
}

func TestBreakpointPausesBeforeInstruction(t *testing.T) {
	cfg := memory.DefaultConfig()
	var code []byte
	code = push8(code, 1)
	bpOffset := uint32(len(code))
	code = push8(code, 2)
	code = append(code, byte(OpAdd))
	code = append(code, byte(OpHalt))

	v, _, _ := newTestVM(t, code, nil)
	v.SetBreakpoint(cfg.CodeBase + bpOffset)

	outcome, f := v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunBreakpoint, outcome)
	require.Equal(t, cfg.CodeBase+bpOffset, v.PC())

	v.ClearBreakpoint(cfg.CodeBase + bpOffset)
	outcome, f = v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)
}

func TestResumeFromBreakpointAdvancesPastIt(t *testing.T) {
	cfg := memory.DefaultConfig()
	var code []byte
	code = push8(code, 1)
	bpOffset := uint32(len(code))
	code = push8(code, 2)
	code = append(code, byte(OpAdd))
	code = append(code, byte(OpHalt))

	v, _, _ := newTestVM(t, code, nil)
	v.SetBreakpoint(cfg.CodeBase + bpOffset)

	outcome, f := v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunBreakpoint, outcome)
	require.Equal(t, cfg.CodeBase+bpOffset, v.PC())

	// Without ResumeFromBreakpoint, RunUntil would re-report RunBreakpoint
	// at the same pc forever without executing anything.
	outcome, f = v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunBreakpoint, outcome)
	require.Equal(t, cfg.CodeBase+bpOffset, v.PC())

	v.ResumeFromBreakpoint()
	outcome, f = v.RunUntil(100)
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)
}

func TestRunTracedInvokesOnOpcodePerInstruction(t *testing.T) {
	var code []byte
	code = push8(code, 5)
	code = push8(code, 3)
	code = append(code, byte(OpAdd))
	code = append(code, byte(OpHalt))

	v, _, _ := newTestVM(t, code, nil)

	var ops []Opcode
	var lastTOS uint32
	outcome, f := v.RunTraced(100, func(op Opcode, pc, sp, tos uint32) {
		ops = append(ops, op)
		lastTOS = tos
	})
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)
	require.Equal(t, []Opcode{OpPush8, OpPush8, OpAdd, OpHalt}, ops)
	require.Equal(t, uint32(8), lastTOS)
}

func TestRunTracedStopsAtBreakpointAndResumes(t *testing.T) {
	cfg := memory.DefaultConfig()
	var code []byte
	code = push8(code, 1)
	bpOffset := uint32(len(code))
	code = push8(code, 2)
	code = append(code, byte(OpAdd))
	code = append(code, byte(OpHalt))

	v, _, _ := newTestVM(t, code, nil)
	v.SetBreakpoint(cfg.CodeBase + bpOffset)

	var n int
	outcome, f := v.RunTraced(100, func(Opcode, uint32, uint32, uint32) { n++ })
	require.Nil(t, f)
	require.Equal(t, RunBreakpoint, outcome)
	require.Equal(t, 1, n)

	v.ResumeFromBreakpoint()
	outcome, f = v.RunTraced(100, func(Opcode, uint32, uint32, uint32) { n++ })
	require.Nil(t, f)
	require.Equal(t, RunHalted, outcome)
	require.Equal(t, 4, n)
}

func TestRTrigFiresOnlyOnRisingEdge(t *testing.T) {
	cfg := memory.DefaultConfig()
	instanceAddr := uint16(cfg.WorkBase + 400)
	qAddr := uint16(cfg.WorkBase + 404)

	code := func() []byte {
		var c []byte
		c = push32(c, uint32(instanceAddr))
		c = push8(c, 1) // CLK held true across every cycle
		c = call(c, uint16(FBAddr(FBRTrig)))
		c = store32(c, qAddr)
		c = append(c, byte(OpHalt))
		return c
	}()

	v, mem, _ := newTestVM(t, code, nil)

	_, f := v.RunUntil(100)
	require.Nil(t, f)
	q, f := mem.ReadU32(uint32(qAddr))
	require.Nil(t, f)
	require.Equal(t, uint32(1), q, "rising edge on first true must fire once")

	// Same instance, CLK still true: must not re-fire.
	v.StartCycle(cfg.CodeBase, cfg.WorkBase, cfg.WorkSize)
	_, f = v.RunUntil(100)
	require.Nil(t, f)
	q, f = mem.ReadU32(uint32(qAddr))
	require.Nil(t, f)
	require.Equal(t, uint32(0), q, "no second edge while CLK stays high")
}
