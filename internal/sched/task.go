package sched

import (
	"time"

	"github.com/zplc/zplc/internal/fault"
)

// Stack-size clamp range from §3's task-definition invariants.
const (
	MinStackSize = 256
	MaxStackSize = 1024

	// MinIntervalUs is the cyclic-task floor from §3: interval_us >= 1000.
	MinIntervalUs = 1000
)

// Task is one registered cyclic program. Watchdog and overrun bookkeeping
// (lastStart/nextRun/cyclesRun/overruns/faulted) are plain fields updated
// by Scheduler.Tick, not locked, per §5's single-task-at-a-time guarantee.
type Task struct {
	ID         uint16
	Priority   uint8
	IntervalUs uint32
	EntryPoint uint32
	WorkBase   uint32
	WorkSize   uint32

	// WatchdogUs bounds one cycle's wall-clock duration. Zero means "use
	// IntervalUs as the budget" (a cycle must finish inside its own period).
	WatchdogUs uint32

	nextRun   time.Time
	lastStart time.Time
	lastEndUs uint32
	cyclesRun uint64
	overruns  uint64
	faulted   bool
	faultInfo *fault.Fault
}

func NewTask(id uint16, priority uint8, intervalUs, entryPoint, workBase, workSize uint32) *Task {
	stackSize := workSize
	if stackSize < MinStackSize {
		stackSize = MinStackSize
	} else if stackSize > MaxStackSize {
		stackSize = MaxStackSize
	}
	if intervalUs < MinIntervalUs {
		intervalUs = MinIntervalUs
	}
	return &Task{
		ID:         id,
		Priority:   priority,
		IntervalUs: intervalUs,
		EntryPoint: entryPoint,
		WorkBase:   workBase,
		WorkSize:   stackSize,
	}
}

func (t *Task) watchdogBudget() time.Duration {
	if t.WatchdogUs == 0 {
		return time.Duration(t.IntervalUs) * time.Microsecond
	}
	return time.Duration(t.WatchdogUs) * time.Microsecond
}

func (t *Task) Faulted() bool           { return t.faulted }
func (t *Task) FaultInfo() *fault.Fault { return t.faultInfo }
func (t *Task) CyclesRun() uint64       { return t.cyclesRun }
func (t *Task) Overruns() uint64        { return t.overruns }
func (t *Task) LastCycleUs() uint32     { return t.lastEndUs }
