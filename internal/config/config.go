// Package config loads the runtime's TOML configuration file: memory
// region layout, scheduler task-table capacity, debug channel bind
// address, and persistence paths. Grounded on gprobe's tomlSettings
// idiom (cmd/gprobe/config.go's toml.Config{NormFieldName, FieldToKey,
// MissingField} plus tomlSettings.NewDecoder(bufio.NewReader(f))) and
// probeconfig.Config's struct-of-defaults style (a package-level
// Defaults value, overridden field-by-field from a file).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/zplc/zplc/internal/memory"
	"github.com/zplc/zplc/internal/sched"
)

// tomlSettings makes TOML keys match Go struct field names verbatim,
// exactly as gprobe's cmd/gprobe/config.go does.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// MemoryConfig mirrors memory.Config's region layout so it can be
// expressed in TOML; ToSpaceConfig converts it back.
type MemoryConfig struct {
	IPIBase    uint32
	IPISize    uint32
	OPIBase    uint32
	OPISize    uint32
	WorkBase   uint32
	WorkSize   uint32
	RetainBase uint32
	RetainSize uint32
	CodeBase   uint32
	CodeSize   uint32
}

func (m MemoryConfig) ToSpaceConfig() memory.Config {
	return memory.Config{
		IPIBase:    m.IPIBase,
		IPISize:    m.IPISize,
		OPIBase:    m.OPIBase,
		OPISize:    m.OPISize,
		WorkBase:   m.WorkBase,
		WorkSize:   m.WorkSize,
		RetainBase: m.RetainBase,
		RetainSize: m.RetainSize,
		CodeBase:   m.CodeBase,
		CodeSize:   m.CodeSize,
	}
}

func memoryConfigFromSpace(c memory.Config) MemoryConfig {
	return MemoryConfig{
		IPIBase:    c.IPIBase,
		IPISize:    c.IPISize,
		OPIBase:    c.OPIBase,
		OPISize:    c.OPISize,
		WorkBase:   c.WorkBase,
		WorkSize:   c.WorkSize,
		RetainBase: c.RetainBase,
		RetainSize: c.RetainSize,
		CodeBase:   c.CodeBase,
		CodeSize:   c.CodeSize,
	}
}

// SchedulerConfig covers the task-table bound.
type SchedulerConfig struct {
	TaskCapacity int
}

// DebugChannelConfig covers the debug wire protocol's TCP listener.
type DebugChannelConfig struct {
	Enabled    bool
	ListenAddr string
	Verbose    bool
}

// PersistConfig points the HAL's PersistSave/Load/Delete at a directory
// on disk (§4.5's non-volatile key/value store).
type PersistConfig struct {
	Dir string `toml:",omitempty"`
}

// Config is the top-level runtime configuration, loaded from a single
// TOML file via Load, or used as-is via Defaults.
type Config struct {
	Memory      MemoryConfig
	Scheduler   SchedulerConfig
	DebugChannel DebugChannelConfig
	Persist     PersistConfig
}

// Defaults mirrors probeconfig.Defaults: a package-level value built
// from the other packages' own compiled-in defaults, never hand-
// duplicated numbers.
var Defaults = Config{
	Memory: memoryConfigFromSpace(memory.DefaultConfig()),
	Scheduler: SchedulerConfig{
		TaskCapacity: sched.DefaultCapacity,
	},
	DebugChannel: DebugChannelConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:9110",
		Verbose:    false,
	},
	Persist: PersistConfig{
		Dir: "./zplc-data",
	},
}

// Load reads and decodes a TOML file on top of Defaults, the same
// "start from defaults, layer the file on top" sequence as gprobe's
// makeConfigNode. Missing fields in the file are fine; unknown fields
// are rejected so a typo in the config doesn't silently no-op.
func Load(path string) (Config, error) {
	cfg := Defaults

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return cfg, err
}

// Dump marshals cfg back to TOML text, for an operator-facing
// "show effective configuration" command.
func Dump(cfg Config) ([]byte, error) {
	return tomlSettings.Marshal(&cfg)
}
