// Package simhal is the in-process HAL simulator used by the default CLI
// run mode and by the scheduler and debug-channel tests. It stands in for real hardware
// exactly the way the teacher's systemTimer/memoryManagement/consoleIO
// device constructors stand in for real devices: software simulating a
// contract so the core never needs real I/O to be exercised.
package simhal

import (
	"fmt"
	"sync"
	"time"

	"github.com/zplc/zplc/internal/hal"
)

const numGPIO = 64

// Sim is a complete in-process HAL: a monotonic clock snapshot at
// construction, an in-memory GPIO array, and a map-backed persistence
// store. Nothing here survives process exit; that's the point; real
// durability is a different HAL implementation's job.
type Sim struct {
	mu sync.Mutex

	start time.Time

	gpio [numGPIO]bool

	persist map[string][]byte

	inputs  []byte
	outputs []byte

	logSink func(string)
}

// New returns a ready Sim. logSink receives every Log line verbatim; pass
// nil to use fmt.Println.
func New(logSink func(string)) *Sim {
	return &Sim{
		start:   time.Now(),
		persist: make(map[string][]byte),
		logSink: logSink,
	}
}

func (s *Sim) Tick() uint32 {
	return uint32(time.Since(s.start).Milliseconds())
}

func (s *Sim) Sleep(ms uint32) hal.Result {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return hal.Ok
}

// ReadInputs copies the simulator's staged input buffer into buf. SetInputs
// is how a test or a future physical-IO bridge stages values for the next
// cycle's IPI mirror.
func (s *Sim) ReadInputs(buf []byte) hal.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(buf, s.inputs)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return hal.Ok
}

func (s *Sim) WriteOutputs(buf []byte) hal.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs[:0], buf...)
	return hal.Ok
}

// SetInputs stages the bytes the next ReadInputs call will hand to the
// core, standing in for a physical input bridge.
func (s *Sim) SetInputs(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs[:0], buf...)
}

// Outputs returns the most recent bytes written via WriteOutputs, for
// tests asserting on what the core produced.
func (s *Sim) Outputs() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.outputs))
	copy(out, s.outputs)
	return out
}

func (s *Sim) GPIORead(channel uint32) (bool, hal.Result) {
	if channel >= numGPIO {
		return false, hal.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpio[channel], hal.Ok
}

func (s *Sim) GPIOWrite(channel uint32, value bool) hal.Result {
	if channel >= numGPIO {
		return hal.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpio[channel] = value
	return hal.Ok
}

func (s *Sim) PersistSave(key string, data []byte) hal.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.persist[key] = cp
	return hal.Ok
}

func (s *Sim) PersistLoad(key string) ([]byte, hal.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.persist[key]
	if !ok {
		return nil, hal.Err
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, hal.Ok
}

func (s *Sim) PersistDelete(key string) hal.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.persist[key]; !ok {
		return hal.Err
	}
	delete(s.persist, key)
	return hal.Ok
}

// PersistKeys lists known keys and their sizes, for the debug channel's
// `persist info` command.
func (s *Sim) PersistKeys() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.persist))
	for k, v := range s.persist {
		out[k] = len(v)
	}
	return out
}

func (s *Sim) Log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.logSink != nil {
		s.logSink(line)
		return
	}
	fmt.Println(line)
}
