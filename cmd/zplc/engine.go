package main

import (
	"fmt"
	"os"

	"github.com/zplc/zplc/internal/config"
	"github.com/zplc/zplc/internal/hal"
	"github.com/zplc/zplc/internal/hal/simhal"
	"github.com/zplc/zplc/internal/loader"
	"github.com/zplc/zplc/internal/memory"
	"github.com/zplc/zplc/internal/plclog"
	"github.com/zplc/zplc/internal/sched"
	"github.com/zplc/zplc/internal/vm"
)

// engine bundles everything a run needs: the memory space, the VM, the
// scheduler and its HAL, plus the config it was built from.
type engine struct {
	cfg config.Config
	mem *memory.Space
	vm  *vm.VM
	hal hal.HAL
	sch *sched.Scheduler
	log *plclog.Logger
}

// buildEngine loads and installs imgPath's bytecode file, converting
// each loader.TaskEntry's CODE-relative EntryPoint into the absolute VM
// address sched.Task requires (codeBase + entryPoint), and partitions
// WORK evenly across the declared tasks' stack sub-regions.
func buildEngine(imgPath string, cfgPath string) (*engine, error) {
	cfg := config.Defaults
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = loaded
	}

	buf, err := os.ReadFile(imgPath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	spaceCfg := cfg.Memory.ToSpaceConfig()
	mem := memory.NewSpace(spaceCfg)

	img, f := loader.Parse(buf, spaceCfg.CodeSize)
	if f != nil {
		return nil, &loaderError{f.Error()}
	}
	if werr := mem.BulkCopyIn(memory.CODE, 0, img.Code); werr != nil {
		return nil, &loaderError{werr.Error()}
	}
	if img.Data != nil {
		mem.BulkCopyIn(memory.RETAIN, 0, img.Data)
	}

	log := plclog.Default("zplc")
	h := simhal.New(func(line string) { log.Infof("hal: %s", line) })

	v := vm.New(mem, h.Tick)
	sc := sched.New(mem, v, h, cfg.Scheduler.TaskCapacity)

	slice := spaceCfg.WorkSize
	if n := len(img.Tasks); n > 0 {
		slice = spaceCfg.WorkSize / uint32(n)
	}
	for i, te := range img.Tasks {
		t := sched.NewTask(te.ID, te.Priority, te.IntervalUs,
			spaceCfg.CodeBase+uint32(te.EntryPoint),
			spaceCfg.WorkBase+uint32(i)*slice, slice)
		if rerr := sc.Register(t); rerr != nil {
			return nil, fmt.Errorf("register task %d: %w", te.ID, rerr)
		}
	}

	return &engine{cfg: cfg, mem: mem, vm: v, hal: h, sch: sc, log: log}, nil
}

// loaderError tags a failure as a loader-stage failure, so main can map
// it to exit code 2 rather than the generic fault code.
type loaderError struct{ msg string }

func (e *loaderError) Error() string { return e.msg }
