// Package sched implements the cyclic multi-task scheduler (§4.3): a
// fixed-capacity priority-ordered task table and the six-step per-cycle
// contract, driven synchronously by a single shared VM because the
// scheduling model is cooperative single-threaded scan, not preemption
// (§5) — grounded on the teacher's systemTimer device (devices.go) for
// "something that owns wall-clock deadlines," generalized from an always-
// running goroutine to a host-driven Tick the caller controls.
package sched

import (
	"context"
	"time"

	"github.com/zplc/zplc/internal/fault"
	"github.com/zplc/zplc/internal/hal"
	"github.com/zplc/zplc/internal/memory"
	"github.com/zplc/zplc/internal/vm"
)

// DefaultCapacity is the compile-time task-table bound from §4.3.
const DefaultCapacity = 4

// opcodeSlice bounds how many instructions RunUntil executes between
// watchdog checks; small enough that a runaway cycle is caught promptly,
// large enough that the check itself is not the bottleneck.
const opcodeSlice = 4096

// CycleEvent is the 'cycle' debug frame payload (§4.6).
type CycleEvent struct {
	TaskID  uint16
	Cycles  uint64
	ElapsedUs uint32
	Overrun bool
}

// TaskEvent is the 'task' debug frame payload (§4.6).
type TaskEvent struct {
	ID    uint16
	Start time.Time
	End   time.Time
	Us    uint32
	Overrun bool
}

// Scheduler owns the task table, the shared VM and the HAL, and performs
// one scheduling decision per Tick call.
type Scheduler struct {
	mem *memory.Space
	vm  *vm.VM
	hal hal.HAL

	tasks    []*Task
	capacity int

	now func() time.Time

	paused    bool
	midCycle  *Task
	trace     bool
	ipiBuf    []byte
	opiBuf    []byte

	OnCycle  func(CycleEvent)
	OnTask   func(TaskEvent)
	OnError  func(taskID uint16, f *fault.Fault)
	OnFB     func(taskID uint16, ev vm.FBEvent)
	OnWarn   func(taskID uint16, f *fault.Fault)
	OnOpcode func(taskID uint16, op vm.Opcode, pc, sp, tos uint32)
}

func New(mem *memory.Space, v *vm.VM, h hal.HAL, capacity int) *Scheduler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Scheduler{
		mem:      mem,
		vm:       v,
		hal:      h,
		tasks:    make([]*Task, 0, capacity),
		capacity: capacity,
		now:      time.Now,
		ipiBuf:   make([]byte, mem.Region(memory.IPI).Size()),
		opiBuf:   make([]byte, mem.Region(memory.OPI).Size()),
	}
}

// Register adds t to the task table. It fails with SchedulerFull if every
// slot is occupied (§4.3's "registration after start is allowed only if a
// slot is free").
func (s *Scheduler) Register(t *Task) *fault.Fault {
	if len(s.tasks) >= s.capacity {
		return fault.Scheduler("task table full (capacity %d)", s.capacity)
	}
	t.nextRun = s.now()
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *Scheduler) Tasks() []*Task { return s.tasks }

func (s *Scheduler) Pause()       { s.paused = true }
func (s *Scheduler) Resume()      { s.paused = false }
func (s *Scheduler) IsPaused() bool { return s.paused }

// SetTrace toggles per-opcode tracing via OnOpcode (§4.6's verbose
// verbosity level). Off by default: tracing forces continueCycle onto a
// single-step path instead of RunUntil's batched one, so it only runs when
// a client actually wants opcode frames.
func (s *Scheduler) SetTrace(on bool) { s.trace = on }

// VM exposes the shared interpreter for the debug channel's peek/poke/
// breakpoint commands.
func (s *Scheduler) VM() *vm.VM { return s.vm }

// Reset clears IPI/OPI/WORK (per §5's reset contract; RETAIN is
// preserved) and drops every task's run history back to a pre-start state.
func (s *Scheduler) Reset() {
	for _, id := range []memory.RegionID{memory.IPI, memory.OPI, memory.WORK} {
		s.mem.Region(id).Zero()
	}
	s.midCycle = nil
	for _, t := range s.tasks {
		t.faulted = false
		t.faultInfo = nil
		t.cyclesRun = 0
		t.overruns = 0
		t.nextRun = s.now()
	}
}

// pickTask returns the highest-priority (lowest Priority value) ready
// cyclic task whose next-run timestamp has passed, ties broken by lowest
// ID, skipping faulted tasks (§4.3).
func (s *Scheduler) pickTask() *Task {
	now := s.now()
	var best *Task
	for _, t := range s.tasks {
		if t.faulted || now.Before(t.nextRun) {
			continue
		}
		if best == nil || t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.ID < best.ID) {
			best = t
		}
	}
	return best
}

// Tick performs at most one scheduling decision: resume a breakpoint-
// paused cycle if one is in flight, otherwise pick and run the next ready
// task's cycle to completion. It reports whether any VM time was spent.
func (s *Scheduler) Tick() bool {
	if s.midCycle != nil {
		s.continueCycle(s.midCycle)
		return true
	}
	if s.paused {
		return false
	}
	t := s.pickTask()
	if t == nil {
		return false
	}
	s.startCycle(t)
	return true
}

func (s *Scheduler) startCycle(t *Task) {
	t.lastStart = s.now()

	if res := s.hal.ReadInputs(s.ipiBuf); res == hal.Ok {
		s.mem.BulkCopyIn(memory.IPI, 0, s.ipiBuf)
	}

	s.vm.StartCycle(t.EntryPoint, t.WorkBase, t.WorkSize)
	s.continueCycle(t)
}

// continueCycle drives the shared VM for task t until HALT, fault, or a
// breakpoint, within the task's watchdog budget. On breakpoint it leaves
// s.midCycle set so the next Tick (driven by an operator 'resume'/'step')
// picks the same task back up mid-cycle; the HAL output flush and
// timestamp bookkeeping only happen once the cycle truly ends.
func (s *Scheduler) continueCycle(t *Task) {
	budget := t.watchdogBudget()

	for {
		var outcome vm.RunOutcome
		var f *fault.Fault
		if s.trace && s.OnOpcode != nil {
			taskID := t.ID
			outcome, f = s.vm.RunTraced(opcodeSlice, func(op vm.Opcode, pc, sp, tos uint32) {
				s.OnOpcode(taskID, op, pc, sp, tos)
			})
		} else {
			outcome, f = s.vm.RunUntil(opcodeSlice)
		}

		for _, w := range s.vm.DrainWarnings() {
			if s.OnWarn != nil {
				s.OnWarn(t.ID, w)
			}
		}
		for _, ev := range s.vm.DrainFBEvents() {
			if s.OnFB != nil {
				s.OnFB(t.ID, ev)
			}
		}

		switch outcome {
		case vm.RunBreakpoint:
			s.midCycle = t
			return
		case vm.RunFaulted:
			t.faulted = true
			t.faultInfo = f
			if s.OnError != nil {
				s.OnError(t.ID, f)
			}
			s.endCycle(t)
			return
		case vm.RunHalted:
			s.endCycle(t)
			return
		case vm.RunBudgetExhausted:
			if s.now().Sub(t.lastStart) > budget {
				wf := fault.Watchdog("task %d exceeded watchdog budget of %s", t.ID, budget)
				t.faulted = true
				t.faultInfo = wf
				if s.OnError != nil {
					s.OnError(t.ID, wf)
				}
				s.endCycle(t)
				return
			}
			// Keep running within budget; loop for another slice.
		}
	}
}

func (s *Scheduler) endCycle(t *Task) {
	s.midCycle = nil

	if res := s.mem.BulkCopyOut(memory.OPI, 0, s.opiBuf); res == nil {
		s.hal.WriteOutputs(s.opiBuf)
	}

	end := s.now()
	elapsed := end.Sub(t.lastStart)
	t.lastEndUs = uint32(elapsed.Microseconds())
	t.cyclesRun++

	overrun := false
	next := t.lastStart.Add(time.Duration(t.IntervalUs) * time.Microsecond)
	if end.After(next) {
		overrun = true
		t.overruns++
		next = end
	}
	t.nextRun = next

	if s.OnTask != nil {
		s.OnTask(TaskEvent{ID: t.ID, Start: t.lastStart, End: end, Us: t.lastEndUs, Overrun: overrun})
	}
	if s.OnCycle != nil {
		s.OnCycle(CycleEvent{TaskID: t.ID, Cycles: t.cyclesRun, ElapsedUs: t.lastEndUs, Overrun: overrun})
	}
}

// RunForever drives Tick in a loop until ctx is cancelled, sleeping via the
// HAL between ticks that found nothing to run so idle scheduling doesn't
// spin the host CPU.
func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.Tick() {
			s.hal.Sleep(1)
		}
	}
}
