package vm

import (
	"math"

	"github.com/zplc/zplc/internal/fault"
)

// execOne fetches, decodes and executes the instruction at vm.pc. PC is an
// absolute address in the shared address space; code[] is CODE-region-
// relative, so fetches translate by codeBase. On any fault, vm.pc is reset
// to instrPC (the address of the faulting instruction, not the next one)
// per the fault model's PC invariant.
func (vm *VM) execOne() (StepOutcome, *fault.Fault) {
	instrPC := vm.pc
	if instrPC < vm.codeBase {
		return vm.fault(fault.Branch("pc 0x%04X is outside CODE", instrPC), instrPC)
	}

	d, nextOff, f := decodeAt(vm.code, instrPC-vm.codeBase)
	if f != nil {
		return vm.fault(f, instrPC)
	}
	vm.lastOp = d.Op
	nextPC := vm.codeBase + nextOff
	vm.pc = nextPC

	if f := vm.dispatch(d, instrPC); f != nil {
		return vm.fault(f, instrPC)
	}
	if vm.halted {
		return StepHalted, nil
	}
	if d.Op == OpBreak {
		return StepBreak, nil
	}
	return StepOK, nil
}

func (vm *VM) dispatch(d Decoded, instrPC uint32) *fault.Fault {
	switch d.Op {

	// --- system ---------------------------------------------------------
	case OpNop:
		return nil
	case OpHalt:
		vm.halted = true
		return nil
	case OpBreak:
		return nil
	case OpGetTicks:
		return vm.push32(vm.ticks())

	// --- stack ------------------------------------------------------------
	case OpDup:
		v, f := vm.peekAt(0)
		if f != nil {
			return f
		}
		return vm.push32(v)
	case OpDrop:
		_, f := vm.pop32()
		return f
	case OpSwap:
		a, f := vm.peekAt(0)
		if f != nil {
			return f
		}
		b, f := vm.peekAt(1)
		if f != nil {
			return f
		}
		if f := vm.mem.WriteU32(vm.sp, b); f != nil {
			return f
		}
		return vm.mem.WriteU32(vm.sp+4, a)
	case OpOver:
		v, f := vm.peekAt(1)
		if f != nil {
			return f
		}
		return vm.push32(v)
	case OpRot:
		a, f := vm.peekAt(2) // third from top
		if f != nil {
			return f
		}
		b, f := vm.peekAt(1)
		if f != nil {
			return f
		}
		c, f := vm.peekAt(0)
		if f != nil {
			return f
		}
		if f := vm.mem.WriteU32(vm.sp+8, b); f != nil {
			return f
		}
		if f := vm.mem.WriteU32(vm.sp+4, c); f != nil {
			return f
		}
		return vm.mem.WriteU32(vm.sp, a)

	// --- integer arithmetic -----------------------------------------------
	case OpAdd:
		return vm.binI32(func(a, b int32) int32 { return a + b })
	case OpSub:
		return vm.binI32(func(a, b int32) int32 { return a - b })
	case OpMul:
		return vm.binI32(func(a, b int32) int32 { return a * b })
	case OpDiv:
		b, a, f := vm.pop2I32()
		if f != nil {
			return f
		}
		if b == 0 {
			return fault.DivByZero("integer division by zero")
		}
		return vm.push32(uint32(a / b))
	case OpMod:
		b, a, f := vm.pop2I32()
		if f != nil {
			return f
		}
		if b == 0 {
			return fault.DivByZero("integer modulo by zero")
		}
		return vm.push32(uint32(a % b))
	case OpNeg:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(uint32(-int32(v)))
	case OpAbs:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		iv := int32(v)
		if iv == math.MinInt32 {
			return vm.push32(v) // no positive representation; wraps per two's complement
		}
		if iv < 0 {
			iv = -iv
		}
		return vm.push32(uint32(iv))

	// --- float arithmetic ---------------------------------------------
	case OpAddF:
		return vm.binF32(func(a, b float32) float32 { return a + b })
	case OpSubF:
		return vm.binF32(func(a, b float32) float32 { return a - b })
	case OpMulF:
		return vm.binF32(func(a, b float32) float32 { return a * b })
	case OpDivF:
		return vm.binF32(func(a, b float32) float32 { return a / b })
	case OpNegF:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(math.Float32bits(-math.Float32frombits(v)))
	case OpAbsF:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		fv := math.Float32frombits(v)
		if fv < 0 {
			fv = -fv
		}
		return vm.push32(math.Float32bits(fv))

	// --- logic / bitwise -------------------------------------------------
	case OpAnd:
		return vm.binU32(func(a, b uint32) uint32 { return a & b })
	case OpOr:
		return vm.binU32(func(a, b uint32) uint32 { return a | b })
	case OpXor:
		return vm.binU32(func(a, b uint32) uint32 { return a ^ b })
	case OpNot:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(^v)
	case OpShl:
		b, a, f := vm.pop2U32()
		if f != nil {
			return f
		}
		return vm.push32(a << (b & 31))
	case OpShr:
		b, a, f := vm.pop2U32()
		if f != nil {
			return f
		}
		return vm.push32(a >> (b & 31))
	case OpSar:
		b, a, f := vm.pop2I32()
		if f != nil {
			return f
		}
		return vm.push32(uint32(a >> (uint32(b) & 31)))

	// --- comparison ---------------------------------------------------
	case OpEq:
		a, b, f := vm.pop2U32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a == b))
	case OpNe:
		a, b, f := vm.pop2U32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a != b))
	case OpLt:
		b, a, f := vm.pop2I32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a < b))
	case OpLe:
		b, a, f := vm.pop2I32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a <= b))
	case OpGt:
		b, a, f := vm.pop2I32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a > b))
	case OpGe:
		b, a, f := vm.pop2I32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a >= b))
	case OpLtu:
		b, a, f := vm.pop2U32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a < b))
	case OpGtu:
		b, a, f := vm.pop2U32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(a > b))

	// --- conversion -----------------------------------------------------
	case OpI2F:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(math.Float32bits(float32(int32(v))))
	case OpF2I:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(vm.f2i(math.Float32frombits(v)))
	case OpI2B:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(boolToU32(v != 0))
	case OpExt8:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(uint32(int32(int8(v))))
	case OpExt16:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(uint32(int32(int16(v))))
	case OpZext8:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(uint32(uint8(v)))
	case OpZext16:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.push32(uint32(uint16(v)))

	// --- control flow, no operand -----------------------------------------
	case OpRet:
		target, f := vm.popCall()
		if f != nil {
			return f
		}
		vm.pc = target
		return nil

	// --- 1-byte operand ---------------------------------------------------
	case OpPush8:
		return vm.push32(d.Operand)
	case OpJr:
		return vm.jumpRel(int8(d.Operand))
	case OpJrz:
		return vm.jumpRelCond(int8(d.Operand), false)
	case OpJrnz:
		return vm.jumpRelCond(int8(d.Operand), true)

	// --- 2-byte operand -----------------------------------------------
	case OpLoad8:
		v, f := vm.mem.ReadU8(d.Operand)
		if f != nil {
			return f
		}
		return vm.push32(uint32(v))
	case OpLoad16:
		v, f := vm.mem.ReadU16(d.Operand)
		if f != nil {
			return f
		}
		return vm.push32(uint32(v))
	case OpLoad32:
		v, f := vm.mem.ReadU32(d.Operand)
		if f != nil {
			return f
		}
		return vm.push32(v)
	case OpLoad64:
		v, f := vm.mem.ReadU64(d.Operand)
		if f != nil {
			return f
		}
		return vm.push64(v)
	case OpStore8:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.mem.WriteU8(d.Operand, uint8(v))
	case OpStore16:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.mem.WriteU16(d.Operand, uint16(v))
	case OpStore32:
		v, f := vm.pop32()
		if f != nil {
			return f
		}
		return vm.mem.WriteU32(d.Operand, v)
	case OpStore64:
		v, f := vm.pop64()
		if f != nil {
			return f
		}
		return vm.mem.WriteU64(d.Operand, v)
	case OpPush16:
		return vm.push32(d.Operand)
	case OpJmp:
		if f := vm.validateBranch(d.Operand); f != nil {
			return f
		}
		vm.pc = d.Operand
		return nil
	case OpJz:
		return vm.jumpAbsCond(d.Operand, false)
	case OpJnz:
		return vm.jumpAbsCond(d.Operand, true)
	case OpCall:
		return vm.doCall(d.Operand)

	// --- 4-byte operand -----------------------------------------------
	case OpPush32:
		return vm.push32(d.Operand)

	default:
		return fault.IllegalInstr("opcode %s has no dispatch (decoder/executor out of sync)", d.Op)
	}
}

func (vm *VM) binI32(op func(a, b int32) int32) *fault.Fault {
	b, a, f := vm.pop2I32()
	if f != nil {
		return f
	}
	return vm.push32(uint32(op(a, b)))
}

func (vm *VM) binU32(op func(a, b uint32) uint32) *fault.Fault {
	b, a, f := vm.pop2U32()
	if f != nil {
		return f
	}
	return vm.push32(op(a, b))
}

func (vm *VM) binF32(op func(a, b float32) float32) *fault.Fault {
	bv, f := vm.pop32()
	if f != nil {
		return f
	}
	av, f := vm.pop32()
	if f != nil {
		return f
	}
	a, b := math.Float32frombits(av), math.Float32frombits(bv)
	return vm.push32(math.Float32bits(op(a, b)))
}

// pop2U32 pops b (top) then a (below it), matching the convention that the
// second operand of a binary op is pushed last.
func (vm *VM) pop2U32() (b, a uint32, f *fault.Fault) {
	b, f = vm.pop32()
	if f != nil {
		return 0, 0, f
	}
	a, f = vm.pop32()
	return
}

func (vm *VM) pop2I32() (b, a int32, f *fault.Fault) {
	ub, ua, ferr := vm.pop2U32()
	return int32(ub), int32(ua), ferr
}

// f2i converts a float32 to the wire int32 representation: NaN and
// infinities collapse to 0 (§4.2, hard requirement); finite values outside
// int32 range saturate to MinInt32/MaxInt32 and raise a warning, not a
// fault (§9 supplement).
func (vm *VM) f2i(v float32) uint32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0
	}
	if v >= math.MaxInt32 {
		vm.warnings = append(vm.warnings, fault.New(fault.Unknown, "F2I saturated %g to MaxInt32", v))
		return uint32(math.MaxInt32)
	}
	if v <= math.MinInt32 {
		vm.warnings = append(vm.warnings, fault.New(fault.Unknown, "F2I saturated %g to MinInt32", v))
		minI32 := int32(math.MinInt32)
		return uint32(minI32)
	}
	return uint32(int32(v))
}

func (vm *VM) jumpRel(offset int8) *fault.Fault {
	target := uint32(int64(vm.pc) + int64(offset))
	if f := vm.validateBranch(target); f != nil {
		return f
	}
	vm.pc = target
	return nil
}

func (vm *VM) jumpRelCond(offset int8, onNonZero bool) *fault.Fault {
	v, f := vm.pop32()
	if f != nil {
		return f
	}
	if (v != 0) == onNonZero {
		return vm.jumpRel(offset)
	}
	return nil
}

func (vm *VM) jumpAbsCond(target uint32, onNonZero bool) *fault.Fault {
	v, f := vm.pop32()
	if f != nil {
		return f
	}
	if (v != 0) != onNonZero {
		return nil
	}
	if f := vm.validateBranch(target); f != nil {
		return f
	}
	vm.pc = target
	return nil
}

func (vm *VM) doCall(target uint32) *fault.Fault {
	if target >= FBReservedBase {
		return vm.execFB(target)
	}
	if f := vm.validateBranch(target); f != nil {
		return f
	}
	if f := vm.pushCall(vm.pc); f != nil {
		return f
	}
	vm.pc = target
	return nil
}
