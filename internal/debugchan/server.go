package debugchan

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zplc/zplc/internal/fault"
	"github.com/zplc/zplc/internal/hal"
	"github.com/zplc/zplc/internal/loader"
	"github.com/zplc/zplc/internal/memory"
	"github.com/zplc/zplc/internal/plclog"
	"github.com/zplc/zplc/internal/sched"
	"github.com/zplc/zplc/internal/vm"
)

// Session identifies one connected debug-channel client — the one place
// google/uuid is wired in, per SPEC_FULL.md's §3.6 grounding note.
type Session struct {
	ID uuid.UUID
}

// Server owns the scheduler/HAL/memory triple and serves §4.6's line
// protocol to any number of concurrent TCP connections.
type Server struct {
	mem *memory.Space
	sch *sched.Scheduler
	hal hal.HAL
	log *plclog.Logger

	ln net.Listener

	mu        sync.Mutex
	verbosity Verbosity
	startTime time.Time
	watches   []watch
}

// watch is one address registered via `watch_add`, polled once per cycle
// and reported as a `watch` frame (§4.6's "On polled watch" row).
type watch struct {
	addr uint32
	typ  string
}

func watchSize(typ string) int {
	switch typ {
	case "u8", "bool":
		return 1
	case "u16":
		return 2
	default:
		return 4
	}
}

func NewServer(mem *memory.Space, sch *sched.Scheduler, h hal.HAL, log *plclog.Logger) *Server {
	s := &Server{
		mem:       mem,
		sch:       sch,
		hal:       h,
		log:       log,
		verbosity: VerbositySummary,
		startTime: time.Now(),
	}
	sch.OnCycle = s.onCycle
	sch.OnTask = s.onTask
	sch.OnError = s.onError
	sch.OnFB = s.onFB
	sch.OnWarn = s.onWarn
	sch.OnOpcode = s.onOpcode
	return s
}

// ListenAndServe binds addr and accepts connections until the listener
// is closed. One goroutine per connection, matching the teacher's
// per-consumer-goroutine idiom in devices.go's nonBlockingChan readers.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Infof("debug channel listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// per-connection frame broadcast: every connected client gets summary/
// verbose frames as they're produced, matching §4.6's always-on telemetry
// surface rather than a request/response-only model.
var (
	connsMu sync.Mutex
	conns   = map[uuid.UUID]net.Conn{}
)

func (s *Server) broadcast(f Frame) {
	s.mu.Lock()
	v := s.verbosity
	s.mu.Unlock()
	if v == VerbosityOff {
		return
	}
	if f.Type() == "opcode" && v != VerbosityVerbose {
		return
	}

	connsMu.Lock()
	defer connsMu.Unlock()
	for _, c := range conns {
		f.Encode(c)
	}
}

func (s *Server) onCycle(ev sched.CycleEvent) {
	s.broadcast(CycleFrame{N: ev.Cycles, Us: ev.ElapsedUs, Tasks: len(s.sch.Tasks())})
	s.pollWatches()
}

// pollWatches reads every registered watch address and broadcasts its
// current value, once per completed scheduler cycle (§4.6's `watch` frame).
func (s *Server) pollWatches() {
	s.mu.Lock()
	watches := append([]watch(nil), s.watches...)
	s.mu.Unlock()

	for _, w := range watches {
		region := regionContaining(s.mem, w.addr)
		if region == memory.RegionID(-1) {
			continue
		}
		buf := make([]byte, watchSize(w.typ))
		base := s.mem.Region(region).Base()
		if s.mem.BulkCopyOut(region, w.addr-base, buf) != nil {
			continue
		}
		s.broadcast(WatchFrame{Addr: w.addr, ValType: w.typ, Val: hex.EncodeToString(buf)})
	}
}

func (s *Server) onTask(ev sched.TaskEvent) {
	s.broadcast(TaskFrame{ID: ev.ID, StartUs: ev.Start.UnixMicro(), EndUs: ev.End.UnixMicro(), Us: ev.Us, Overrun: ev.Overrun})
}

func (s *Server) onError(taskID uint16, f *fault.Fault) {
	s.broadcast(ErrorFrame{Code: f.Code.String(), Msg: f.Message, PC: f.PC})
	s.log.Errorf("task %d faulted: %s", taskID, f.Error())
}

func (s *Server) onFB(taskID uint16, ev vm.FBEvent) {
	s.broadcast(FBFrame{Name: ev.Name, ID: ev.ID, Q: ev.Q, ET: ev.ET, CV: ev.CV})
}

func (s *Server) onWarn(taskID uint16, f *fault.Fault) {
	s.broadcast(WarnFrame{Code: f.Code.String(), Msg: f.Message, PC: f.PC})
}

func (s *Server) onOpcode(taskID uint16, op vm.Opcode, pc, sp, tos uint32) {
	s.broadcast(OpcodeFrame{Op: op.String(), PC: pc, SP: sp, TOS: tos})
}

// connState is the per-connection mutable bits: the in-progress upload
// buffer and this connection's session.
type connState struct {
	session  Session
	loadSize int
	loadBuf  []byte
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	sess := Session{ID: uuid.New()}
	connsMu.Lock()
	conns[sess.ID] = conn
	connsMu.Unlock()
	defer func() {
		connsMu.Lock()
		delete(conns, sess.ID)
		connsMu.Unlock()
	}()

	s.log.Infof("debug channel connection %s opened", sess.ID)
	defer s.log.Infof("debug channel connection %s closed", sess.ID)

	ReadyFrame{FW: "zplc-1", Caps: []string{"bp", "watch", "persist", "sched"}}.Encode(conn)

	cs := &connState{session: sess}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ack := s.handle(cs, line)
		ack.Encode(conn)
	}
}

// handle parses and executes one command line, returning its terminal
// ack frame (§7: exactly one ack per command, success or failure).
func (s *Server) handle(cs *connState, line string) AckFrame {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "status", "sched":
		return s.cmdStatus(cmd, args)
	case "version":
		return AckFrame{Cmd: cmd, Val: "zplc-1", OK: true}
	case "load":
		return s.cmdLoad(cs, args)
	case "data":
		return s.cmdData(cs, args)
	case "start":
		return s.cmdStart(cs)
	case "stop":
		s.sch.Pause()
		return AckFrame{Cmd: cmd, OK: true}
	case "reset":
		s.sch.Reset()
		return AckFrame{Cmd: cmd, OK: true}
	case "pause":
		s.sch.Pause()
		return AckFrame{Cmd: cmd, OK: true}
	case "resume":
		// If the VM is sitting on a breakpoint, arm the one-shot bypass so
		// the next cycle steps past it instead of re-breaking immediately
		// (§4.6 `resume`; see VM.ResumeFromBreakpoint).
		v := s.sch.VM()
		if v.HasBreakpoint(v.PC()) {
			v.ResumeFromBreakpoint()
		}
		s.sch.Resume()
		return AckFrame{Cmd: cmd, OK: true}
	case "step":
		outcome, f := s.sch.VM().Step()
		if f != nil {
			return AckFrame{Cmd: cmd, OK: false, Err: f.Error()}
		}
		return AckFrame{Cmd: cmd, Val: fmt.Sprintf("%v", outcome), OK: true}
	case "peek":
		return s.cmdPeek(args)
	case "poke":
		return s.cmdPoke(args)
	case "set_bp":
		return s.cmdBreakpoint(args, true)
	case "clear_bp":
		return s.cmdBreakpoint(args, false)
	case "watch_add":
		return s.cmdWatchAdd(args)
	case "watch_remove":
		return s.cmdWatchRemove(args)
	case "hil":
		return s.cmdVerbosity(args)
	case "persist":
		return s.cmdPersist(args)
	default:
		return AckFrame{Cmd: cmd, OK: false, Err: "unknown command"}
	}
}

func (s *Server) cmdStatus(cmd string, args []string) AckFrame {
	if cmd == "sched" && len(args) > 0 && args[0] == "tasks" {
		var b strings.Builder
		for _, t := range s.sch.Tasks() {
			fmt.Fprintf(&b, "%d:p%d:i%d:c%d:o%d:f%v;", t.ID, t.Priority, t.IntervalUs, t.CyclesRun(), t.Overruns(), t.Faulted())
		}
		return AckFrame{Cmd: cmd, Val: b.String(), OK: true}
	}
	mode := "running"
	if s.sch.IsPaused() {
		mode = "paused"
	}
	var cycles uint64
	for _, t := range s.sch.Tasks() {
		cycles += t.CyclesRun()
	}
	s.broadcast(StatusFrame{Mode: mode, Cycles: cycles, Uptime: time.Since(s.startTime).Milliseconds()})
	return AckFrame{Cmd: cmd, Val: mode, OK: true}
}

func (s *Server) cmdLoad(cs *connState, args []string) AckFrame {
	if len(args) < 1 {
		return AckFrame{Cmd: "load", OK: false, Err: "missing size"}
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return AckFrame{Cmd: "load", OK: false, Err: "bad size"}
	}
	cs.loadSize = n
	cs.loadBuf = make([]byte, 0, n)
	return AckFrame{Cmd: "load", Val: args[0], OK: true}
}

func (s *Server) cmdData(cs *connState, args []string) AckFrame {
	if len(args) < 1 {
		return AckFrame{Cmd: "data", OK: false, Err: "missing hex chunk"}
	}
	chunk, err := hex.DecodeString(args[0])
	if err != nil {
		return AckFrame{Cmd: "data", OK: false, Err: "bad hex"}
	}
	if len(chunk) > 64 {
		return AckFrame{Cmd: "data", OK: false, Err: "chunk exceeds 64 bytes"}
	}
	cs.loadBuf = append(cs.loadBuf, chunk...)
	return AckFrame{Cmd: "data", Val: strconv.Itoa(len(cs.loadBuf)), OK: true}
}

func (s *Server) cmdStart(cs *connState) AckFrame {
	if cs.loadBuf == nil {
		return AckFrame{Cmd: "start", OK: false, Err: "no image uploaded"}
	}

	cfg := s.mem.Config()
	img, f := loader.Parse(cs.loadBuf, cfg.CodeSize)
	if f != nil {
		return AckFrame{Cmd: "start", OK: false, Err: f.Error()}
	}

	if werr := s.mem.BulkCopyIn(memory.CODE, 0, img.Code); werr != nil {
		return AckFrame{Cmd: "start", OK: false, Err: werr.Error()}
	}

	n := len(img.Tasks)
	if n == 0 {
		n = 1
	}
	slice := cfg.WorkSize / uint32(n)
	for i, te := range img.Tasks {
		t := sched.NewTask(te.ID, te.Priority, te.IntervalUs,
			cfg.CodeBase+uint32(te.EntryPoint),
			cfg.WorkBase+uint32(i)*slice, slice)
		if rerr := s.sch.Register(t); rerr != nil {
			return AckFrame{Cmd: "start", OK: false, Err: rerr.Error()}
		}
	}

	cs.loadBuf = nil
	s.sch.Resume()
	return AckFrame{Cmd: "start", Val: fmt.Sprintf("%d tasks", len(img.Tasks)), OK: true}
}

func (s *Server) cmdPeek(args []string) AckFrame {
	if len(args) < 2 {
		return AckFrame{Cmd: "peek", OK: false, Err: "usage: peek <addr> <len>"}
	}
	addr, err1 := strconv.ParseUint(args[0], 0, 32)
	n, err2 := strconv.ParseUint(args[1], 0, 32)
	if err1 != nil || err2 != nil {
		return AckFrame{Cmd: "peek", OK: false, Err: "bad address/length"}
	}

	region := regionContaining(s.mem, uint32(addr))
	if region == memory.RegionID(-1) {
		return AckFrame{Cmd: "peek", OK: false, Err: "address out of range"}
	}
	base := s.mem.Region(region).Base()
	buf := make([]byte, n)
	if rerr := s.mem.BulkCopyOut(region, uint32(addr)-base, buf); rerr != nil {
		return AckFrame{Cmd: "peek", OK: false, Err: rerr.Error()}
	}
	return AckFrame{Cmd: "peek", Val: hex.EncodeToString(buf), OK: true}
}

// cmdPoke writes a single byte into IPI only (§4.6: "poke <addr> <byte>
// (IPI only)") — it bypasses the VM's normal write-protection on IPI
// because this is the debug channel simulating physical input, not a
// running program's own store.
func (s *Server) cmdPoke(args []string) AckFrame {
	if len(args) < 2 {
		return AckFrame{Cmd: "poke", OK: false, Err: "usage: poke <addr> <byte>"}
	}
	addr, err1 := strconv.ParseUint(args[0], 0, 32)
	val, err2 := strconv.ParseUint(args[1], 0, 8)
	if err1 != nil || err2 != nil {
		return AckFrame{Cmd: "poke", OK: false, Err: "bad address/value"}
	}

	ipi := s.mem.Region(memory.IPI)
	if uint32(addr) < ipi.Base() || uint32(addr) >= ipi.End() {
		return AckFrame{Cmd: "poke", OK: false, Err: "address not in IPI"}
	}
	if werr := s.mem.BulkCopyIn(memory.IPI, uint32(addr)-ipi.Base(), []byte{byte(val)}); werr != nil {
		return AckFrame{Cmd: "poke", OK: false, Err: werr.Error()}
	}
	return AckFrame{Cmd: "poke", OK: true}
}

func regionContaining(mem *memory.Space, addr uint32) memory.RegionID {
	for _, id := range []memory.RegionID{memory.IPI, memory.OPI, memory.WORK, memory.RETAIN, memory.CODE} {
		r := mem.Region(id)
		if addr >= r.Base() && addr < r.End() {
			return id
		}
	}
	return memory.RegionID(-1)
}

func (s *Server) cmdBreakpoint(args []string, set bool) AckFrame {
	cmd := "clear_bp"
	if set {
		cmd = "set_bp"
	}
	if len(args) < 1 {
		return AckFrame{Cmd: cmd, OK: false, Err: "missing pc"}
	}
	pc, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return AckFrame{Cmd: cmd, OK: false, Err: "bad pc"}
	}
	if set {
		s.sch.VM().SetBreakpoint(uint32(pc))
	} else {
		s.sch.VM().ClearBreakpoint(uint32(pc))
	}
	return AckFrame{Cmd: cmd, Val: args[0], OK: true}
}

// cmdWatchAdd registers addr/type for polling, once per scheduler cycle
// (§4.6: "watch_add <addr> <type>"). Re-adding an already-watched address
// replaces its type rather than creating a duplicate entry.
func (s *Server) cmdWatchAdd(args []string) AckFrame {
	if len(args) < 2 {
		return AckFrame{Cmd: "watch_add", OK: false, Err: "usage: watch_add <addr> <type>"}
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return AckFrame{Cmd: "watch_add", OK: false, Err: "bad address"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watches {
		if w.addr == uint32(addr) {
			s.watches[i].typ = args[1]
			return AckFrame{Cmd: "watch_add", Val: args[0], OK: true}
		}
	}
	s.watches = append(s.watches, watch{addr: uint32(addr), typ: args[1]})
	return AckFrame{Cmd: "watch_add", Val: args[0], OK: true}
}

func (s *Server) cmdWatchRemove(args []string) AckFrame {
	if len(args) < 1 {
		return AckFrame{Cmd: "watch_remove", OK: false, Err: "usage: watch_remove <addr>"}
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return AckFrame{Cmd: "watch_remove", OK: false, Err: "bad address"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watches {
		if w.addr == uint32(addr) {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			break
		}
	}
	return AckFrame{Cmd: "watch_remove", Val: args[0], OK: true}
}

func (s *Server) cmdVerbosity(args []string) AckFrame {
	if len(args) < 2 || args[0] != "mode" {
		return AckFrame{Cmd: "hil", OK: false, Err: "usage: hil mode {off|summary|verbose}"}
	}
	v, ok := ParseVerbosity(args[1])
	if !ok {
		return AckFrame{Cmd: "hil", OK: false, Err: "unknown verbosity"}
	}
	s.mu.Lock()
	s.verbosity = v
	s.mu.Unlock()
	s.sch.SetTrace(v == VerbosityVerbose)
	return AckFrame{Cmd: "hil", Val: v.String(), OK: true}
}

// cmdPersist implements the supplemented `persist info`/`persist clear`
// commands (§6 excerpt) against the HAL's persistence capability.
func (s *Server) cmdPersist(args []string) AckFrame {
	if len(args) < 1 {
		return AckFrame{Cmd: "persist", OK: false, Err: "usage: persist info|clear"}
	}
	switch args[0] {
	case "info":
		type keyLister interface{ PersistKeys() map[string]int }
		kl, ok := s.hal.(keyLister)
		if !ok {
			return AckFrame{Cmd: "persist", OK: false, Err: "HalNotImplemented"}
		}
		var b strings.Builder
		for k, n := range kl.PersistKeys() {
			fmt.Fprintf(&b, "%s:%d;", k, n)
		}
		return AckFrame{Cmd: "persist", Val: b.String(), OK: true}
	case "clear":
		res := s.hal.PersistDelete("retain")
		if res == hal.Err {
			return AckFrame{Cmd: "persist", OK: false, Err: "HalError"}
		}
		return AckFrame{Cmd: "persist", OK: true}
	default:
		return AckFrame{Cmd: "persist", OK: false, Err: "usage: persist info|clear"}
	}
}
