package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zplc/zplc/internal/hal/simhal"
	"github.com/zplc/zplc/internal/memory"
	"github.com/zplc/zplc/internal/vm"
)

// fakeClock lets tests drive scheduling decisions without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func haltOnlyProgram() []byte {
	return []byte{byte(vm.OpHalt)}
}

func newTestScheduler(t *testing.T, code []byte) (*Scheduler, *fakeClock) {
	t.Helper()
	mem := memory.NewSpace(memory.DefaultConfig())
	require.Nil(t, mem.BulkCopyIn(memory.CODE, 0, code))

	h := simhal.New(nil)
	v := vm.New(mem, h.Tick)
	s := New(mem, v, h, DefaultCapacity)

	fc := &fakeClock{t: time.Unix(0, 0)}
	s.now = fc.now
	return s, fc
}

func TestTwoTaskPriorityScheduling(t *testing.T) {
	cfg := memory.DefaultConfig()
	s, fc := newTestScheduler(t, haltOnlyProgram())

	taskA := NewTask(1, 1, 10_000, cfg.CodeBase, cfg.WorkBase, 512)
	taskB := NewTask(2, 2, 50_000, cfg.CodeBase, cfg.WorkBase+512, 512)
	require.Nil(t, s.Register(taskA))
	require.Nil(t, s.Register(taskB))

	// Advance a simulated second in 1ms steps, giving the scheduler a
	// chance to act at every step (cycles complete instantly since the
	// program is just HALT).
	s.Tick()
	for i := 0; i < 1000; i++ {
		fc.advance(time.Millisecond)
		s.Tick()
	}

	require.InDelta(t, 100, taskA.CyclesRun(), 15)
	require.InDelta(t, 20, taskB.CyclesRun(), 5)
	require.False(t, taskA.Faulted())
	require.False(t, taskB.Faulted())
}

func TestSchedulerFullOnRegistrationPastCapacity(t *testing.T) {
	s, _ := newTestScheduler(t, haltOnlyProgram())
	cfg := memory.DefaultConfig()

	for i := 0; i < DefaultCapacity; i++ {
		task := NewTask(uint16(i), 1, 10_000, cfg.CodeBase, cfg.WorkBase, 256)
		require.Nil(t, s.Register(task))
	}

	overflow := NewTask(99, 1, 10_000, cfg.CodeBase, cfg.WorkBase, 256)
	f := s.Register(overflow)
	require.NotNil(t, f)
	require.Equal(t, "SchedulerFull", f.Code.String())
}

func TestTraceEmitsOnOpcodePerInstructionOnlyWhenEnabled(t *testing.T) {
	cfg := memory.DefaultConfig()
	code := []byte{byte(vm.OpPush8), 1, byte(vm.OpPush8), 2, byte(vm.OpAdd), byte(vm.OpHalt)}
	s, _ := newTestScheduler(t, code)

	var n int
	s.OnOpcode = func(taskID uint16, op vm.Opcode, pc, sp, tos uint32) { n++ }

	task := NewTask(1, 1, 10_000, cfg.CodeBase, cfg.WorkBase, 256)
	require.Nil(t, s.Register(task))
	s.Tick()
	require.Equal(t, 0, n, "OnOpcode must stay silent until tracing is enabled")

	s.SetTrace(true)
	task2 := NewTask(2, 1, 10_000, cfg.CodeBase, cfg.WorkBase+256, 256)
	require.Nil(t, s.Register(task2))
	s.Tick()
	require.Equal(t, 4, n, "push8, push8, add, halt")
}

func TestWatchdogTripsOnRunawayTask(t *testing.T) {
	cfg := memory.DefaultConfig()
	// An infinite loop: JR -2 jumps back onto the JR instruction itself.
	code := []byte{byte(vm.OpJr), 0xFE}
	mem := memory.NewSpace(memory.DefaultConfig())
	require.Nil(t, mem.BulkCopyIn(memory.CODE, 0, code))

	h := simhal.New(nil)
	v := vm.New(mem, h.Tick)
	s := New(mem, v, h, DefaultCapacity)

	task := NewTask(7, 1, 10_000, cfg.CodeBase, cfg.WorkBase, 256)
	task.WatchdogUs = 1_000 // 1ms: the real wall clock will blow through this fast
	require.Nil(t, s.Register(task))

	s.Tick()

	require.True(t, task.Faulted())
	require.Equal(t, "WatchdogExpired", task.FaultInfo().Code.String())
}
