package vm

import (
	"math"

	"github.com/zplc/zplc/internal/fault"
)

// FBReservedBase is the first address of the reserved native-call window.
// No CALL target below this value ever reaches a function block: the
// window sits above any address the loader will accept for CODE (§3's
// CODE region tops out well under 0xFF00), so it can never collide with a
// real compiled program.
const FBReservedBase = 0xFF00

// FBKind enumerates the standard function blocks implemented natively by
// the VM rather than compiled to bytecode (§3). Each kind claims one
// reserved CALL address, FBReservedBase+kind.
type FBKind uint32

const (
	FBTon FBKind = iota
	FBToff
	FBTp
	FBCtu
	FBCtd
	FBCtud
	FBRTrig
	FBFTrig
	FBSr
	FBRs
	numFBKinds
)

var fbNames = [...]string{
	"TON", "TOF", "TP", "CTU", "CTD", "CTUD", "R_TRIG", "F_TRIG", "SR", "RS",
}

// FBAddr returns the reserved CALL target for kind.
func FBAddr(kind FBKind) uint32 { return FBReservedBase + uint32(kind) }

// Calling convention: the caller pushes the instance's WORK base address
// first, then each input in the order listed below (last input pushed
// ends up on top). On return the stack holds the outputs, last one
// pushed on top. Every instance is word-aligned and at most 20 bytes (TP's
// layout is the largest), laid out by the native implementation below; the compiler that emits instance
// addresses owns keeping distinct FB instances non-overlapping.
//
//	TON/TOF/TP  in: IN(bool), PT(ticks)         out: Q(bool), ET(ticks)
//	CTU         in: CU(bool), R(bool), PV(i32)  out: Q(bool), CV(i32)
//	CTD         in: CD(bool), LD(bool), PV(i32) out: Q(bool), CV(i32)
//	CTUD        in: CU(bool), CD(bool), R(bool), LD(bool), PV(i32)
//	                                             out: QU(bool), QD(bool), CV(i32)
//	R_TRIG/F_TRIG in: CLK(bool)                 out: Q(bool)
//	SR          in: SET1(bool), RESET(bool)     out: Q1(bool)
//	RS          in: SET(bool), RESET1(bool)     out: Q1(bool)
// fbTable is the immutable native-call registry, indexed by FBKind exactly
// as devices.go's HardwareDevice table is indexed by port number.
var fbTable = [numFBKinds]func(*VM) *fault.Fault{
	FBTon:   func(vm *VM) *fault.Fault { return vm.fbTimer(FBTon, true) },
	FBToff:  func(vm *VM) *fault.Fault { return vm.fbTimer(FBToff, false) },
	FBTp:    func(vm *VM) *fault.Fault { return vm.fbPulse() },
	FBCtu:   func(vm *VM) *fault.Fault { return vm.fbCount(true) },
	FBCtd:   func(vm *VM) *fault.Fault { return vm.fbCount(false) },
	FBCtud:  func(vm *VM) *fault.Fault { return vm.fbCountUpDown() },
	FBRTrig: func(vm *VM) *fault.Fault { return vm.fbTrig(true) },
	FBFTrig: func(vm *VM) *fault.Fault { return vm.fbTrig(false) },
	FBSr:    func(vm *VM) *fault.Fault { return vm.fbBistable(true) },
	FBRs:    func(vm *VM) *fault.Fault { return vm.fbBistable(false) },
}

func (vm *VM) execFB(target uint32) *fault.Fault {
	kind := FBKind(target - FBReservedBase)
	if kind >= numFBKinds || fbTable[kind] == nil {
		return fault.IllegalInstr("no function block at reserved address 0x%04X", target)
	}
	return fbTable[kind](vm)
}

func (vm *VM) popInstance3(nInputs int) (instance uint32, inputs []uint32, f *fault.Fault) {
	inputs = make([]uint32, nInputs)
	for i := nInputs - 1; i >= 0; i-- {
		v, ferr := vm.pop32()
		if ferr != nil {
			return 0, nil, ferr
		}
		inputs[i] = v
	}
	instance, f = vm.pop32()
	return
}

func (vm *VM) emitFB(kind FBKind, instance uint32, q bool, extra *uint32) {
	ev := FBEvent{Name: fbNames[kind], ID: instance, Q: q}
	switch kind {
	case FBCtu, FBCtd, FBCtud:
		ev.CV = extra
	default:
		ev.ET = extra
	}
	vm.fbEvents = append(vm.fbEvents, ev)
}

// fbTimer implements TON (onDelay=true) and TOF (onDelay=false). Instance
// layout: [0]=running, [4]=startTick, [8]=elapsed, [12]=q.
func (vm *VM) fbTimer(kind FBKind, onDelay bool) *fault.Fault {
	instance, in, f := vm.popInstance3(2)
	if f != nil {
		return f
	}
	inSig, pt := in[0] != 0, in[1]

	running, f := vm.mem.ReadU32(instance)
	if f != nil {
		return f
	}
	startTick, f := vm.mem.ReadU32(instance + 4)
	if f != nil {
		return f
	}
	q, f := vm.mem.ReadU32(instance + 12)
	if f != nil {
		return f
	}
	now := vm.ticks()

	var elapsed uint32
	if onDelay {
		// TON: counts while IN is true; resets the instant IN drops.
		if inSig {
			if running == 0 {
				startTick = now
				running = 1
			}
			elapsed = now - startTick
			if elapsed >= pt {
				elapsed = pt
				q = 1
			} else {
				q = 0
			}
		} else {
			running, elapsed, q = 0, 0, 0
		}
	} else {
		// TOF: Q follows IN immediately true; on the falling edge it stays
		// true until PT has elapsed since the edge.
		if inSig {
			running, elapsed, q = 0, 0, 1
		} else {
			if running == 0 {
				startTick = now
				running = 1
			}
			elapsed = now - startTick
			if elapsed >= pt {
				elapsed = pt
				q = 0
			} else {
				q = 1
			}
		}
	}

	if f := vm.mem.WriteU32(instance, running); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+4, startTick); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+8, elapsed); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+12, q); f != nil {
		return f
	}

	vm.emitFB(kind, instance, q != 0, &elapsed)
	if f := vm.push32(q); f != nil {
		return f
	}
	return vm.push32(elapsed)
}

// fbPulse implements TP: a fixed-width pulse starting on IN's rising edge,
// regardless of how IN behaves afterwards. Instance layout: [0]=running,
// [4]=startTick, [8]=elapsed, [12]=q, [16]=prevIN.
func (vm *VM) fbPulse() *fault.Fault {
	instance, in, f := vm.popInstance3(2)
	if f != nil {
		return f
	}
	inSig, pt := in[0] != 0, in[1]

	running, f := vm.mem.ReadU32(instance)
	if f != nil {
		return f
	}
	startTick, f := vm.mem.ReadU32(instance + 4)
	if f != nil {
		return f
	}
	prevIN, f := vm.mem.ReadU32(instance + 16)
	if f != nil {
		return f
	}
	now := vm.ticks()

	risingEdge := inSig && prevIN == 0
	if risingEdge && running == 0 {
		running = 1
		startTick = now
	}

	var elapsed, q uint32
	if running != 0 {
		elapsed = now - startTick
		if elapsed >= pt {
			elapsed = pt
			running = 0
			q = 0
		} else {
			q = 1
		}
	}

	if f := vm.mem.WriteU32(instance, running); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+4, startTick); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+8, elapsed); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+12, q); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+16, boolToU32(inSig)); f != nil {
		return f
	}

	vm.emitFB(FBTp, instance, q != 0, &elapsed)
	if f := vm.push32(q); f != nil {
		return f
	}
	return vm.push32(elapsed)
}

// fbCount implements CTU (up=true) and CTD (up=false). Instance layout:
// [0]=prevPulse, [4]=cv, [8]=q.
func (vm *VM) fbCount(up bool) *fault.Fault {
	instance, in, f := vm.popInstance3(3)
	if f != nil {
		return f
	}
	pulse, resetOrLoad, pv := in[0] != 0, in[1] != 0, int32(in[2])

	prevPulse, f := vm.mem.ReadU32(instance)
	if f != nil {
		return f
	}
	cv, f := vm.mem.ReadI32(instance + 4)
	if f != nil {
		return f
	}

	edge := pulse && prevPulse == 0
	if up {
		if resetOrLoad {
			cv = 0
		} else if edge && cv < math.MaxInt32 {
			cv++
		}
	} else {
		if resetOrLoad {
			cv = pv
		} else if edge && cv > math.MinInt32 {
			cv--
		}
	}

	var q bool
	if up {
		q = cv >= pv
	} else {
		q = cv <= 0
	}

	if f := vm.mem.WriteU32(instance, boolToU32(pulse)); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+4, uint32(cv)); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+8, boolToU32(q)); f != nil {
		return f
	}

	kind := FBCtu
	if !up {
		kind = FBCtd
	}
	ucv := uint32(cv)
	vm.emitFB(kind, instance, q, &ucv)
	if f := vm.push32(boolToU32(q)); f != nil {
		return f
	}
	return vm.push32(uint32(cv))
}

// fbCountUpDown implements CTUD. Instance layout: [0]=prevCU, [4]=prevCD,
// [8]=cv.
func (vm *VM) fbCountUpDown() *fault.Fault {
	instance, in, f := vm.popInstance3(5)
	if f != nil {
		return f
	}
	cu, cd, reset, load, pv := in[0] != 0, in[1] != 0, in[2] != 0, in[3] != 0, int32(in[4])

	prevCU, f := vm.mem.ReadU32(instance)
	if f != nil {
		return f
	}
	prevCD, f := vm.mem.ReadU32(instance + 4)
	if f != nil {
		return f
	}
	cv, f := vm.mem.ReadI32(instance + 8)
	if f != nil {
		return f
	}

	upEdge := cu && prevCU == 0
	downEdge := cd && prevCD == 0

	switch {
	case reset:
		cv = 0
	case load:
		cv = pv
	case upEdge && cv < math.MaxInt32:
		cv++
	case downEdge && cv > math.MinInt32:
		cv--
	}

	qu := cv >= pv
	qd := cv <= 0

	if f := vm.mem.WriteU32(instance, boolToU32(cu)); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+4, boolToU32(cd)); f != nil {
		return f
	}
	if f := vm.mem.WriteU32(instance+8, uint32(cv)); f != nil {
		return f
	}

	ucv := uint32(cv)
	vm.emitFB(FBCtud, instance, qu, &ucv)
	if f := vm.push32(boolToU32(qu)); f != nil {
		return f
	}
	if f := vm.push32(boolToU32(qd)); f != nil {
		return f
	}
	return vm.push32(uint32(cv))
}

// fbTrig implements R_TRIG (rising=true) and F_TRIG (rising=false).
// Instance layout: [0]=prevCLK.
func (vm *VM) fbTrig(rising bool) *fault.Fault {
	instance, in, f := vm.popInstance3(1)
	if f != nil {
		return f
	}
	clk := in[0] != 0

	prev, f := vm.mem.ReadU32(instance)
	if f != nil {
		return f
	}

	var q bool
	if rising {
		q = clk && prev == 0
	} else {
		q = !clk && prev != 0
	}

	if f := vm.mem.WriteU32(instance, boolToU32(clk)); f != nil {
		return f
	}

	kind := FBRTrig
	if !rising {
		kind = FBFTrig
	}
	vm.emitFB(kind, instance, q, nil)
	return vm.push32(boolToU32(q))
}

// fbBistable implements SR (setDominant=true) and RS (setDominant=false).
// Instance layout: [0]=q.
func (vm *VM) fbBistable(setDominant bool) *fault.Fault {
	instance, in, f := vm.popInstance3(2)
	if f != nil {
		return f
	}
	set, reset := in[0] != 0, in[1] != 0

	q, f := vm.mem.ReadU32(instance)
	if f != nil {
		return f
	}
	qb := q != 0

	switch {
	case setDominant && set:
		qb = true
	case setDominant && reset:
		qb = false
	case !setDominant && reset:
		qb = false
	case !setDominant && set:
		qb = true
	}

	if f := vm.mem.WriteU32(instance, boolToU32(qb)); f != nil {
		return f
	}

	kind := FBSr
	if !setDominant {
		kind = FBRs
	}
	vm.emitFB(kind, instance, qb, nil)
	return vm.push32(boolToU32(qb))
}
