package memory

import (
	"encoding/binary"
	"math"

	"github.com/zplc/zplc/internal/fault"
)

// Config gives the five regions' base addresses and sizes. Sizes are
// configuration, not ISA (§3): defaults below match the spec's table, but a
// host config may resize the regions within reason.
type Config struct {
	IPIBase, IPISize       uint32
	OPIBase, OPISize       uint32
	WorkBase, WorkSize     uint32
	RetainBase, RetainSize uint32
	CodeBase, CodeSize     uint32
}

// DefaultConfig returns the region layout from spec §3.
func DefaultConfig() Config {
	return Config{
		IPIBase: 0x0000, IPISize: 4 * 1024,
		OPIBase: 0x1000, OPISize: 4 * 1024,
		WorkBase: 0x2000, WorkSize: 8 * 1024,
		RetainBase: 0x4000, RetainSize: 4 * 1024,
		CodeBase: 0x5000, CodeSize: 32 * 1024,
	}
}

// Space owns all five regions and routes any access to the region that
// fully contains it, or faults if none does.
type Space struct {
	regions [numRegions]*Region
	cfg     Config
}

func NewSpace(cfg Config) *Space {
	s := &Space{cfg: cfg}
	s.regions[IPI] = newRegion(IPI, cfg.IPIBase, cfg.IPISize, ReadOnly)
	s.regions[OPI] = newRegion(OPI, cfg.OPIBase, cfg.OPISize, ReadWrite)
	s.regions[WORK] = newRegion(WORK, cfg.WorkBase, cfg.WorkSize, ReadWrite)
	s.regions[RETAIN] = newRegion(RETAIN, cfg.RetainBase, cfg.RetainSize, ReadWrite)
	s.regions[CODE] = newRegion(CODE, cfg.CodeBase, cfg.CodeSize, ReadOnly)
	return s
}

func (s *Space) Config() Config { return s.cfg }

func (s *Space) Region(id RegionID) *Region { return s.regions[id] }

// Reset zeroes every region except RETAIN, which survives power cycles and
// is left to the HAL to populate from non-volatile store (§3 lifecycle).
func (s *Space) Reset() {
	for id, r := range s.regions {
		if RegionID(id) == RETAIN {
			continue
		}
		r.Zero()
	}
}

// locate finds the single region fully containing [addr, addr+width), or
// an OutOfBounds fault covering both "falls outside all regions" and
// "straddles region boundaries" (neither region fully contains the range).
func (s *Space) locate(addr, width uint32) (*Region, *fault.Fault) {
	for _, r := range s.regions {
		if r.contains(addr, width) {
			return r, nil
		}
	}
	return nil, fault.Memory(fault.OutOfBounds, "address 0x%04X width %d is out of bounds or straddles regions", addr, width)
}

func (s *Space) checkRead(addr, width uint32) (*Region, *fault.Fault) {
	return s.locate(addr, width)
}

func (s *Space) checkWrite(addr, width uint32) (*Region, *fault.Fault) {
	r, f := s.locate(addr, width)
	if f != nil {
		return nil, f
	}
	if r.access != ReadWrite {
		return nil, fault.Memory(fault.WriteProtected, "write to read-only region %s at 0x%04X", r.ID(), addr)
	}
	return r, nil
}

func (s *Space) ReadU8(addr uint32) (uint8, *fault.Fault) {
	r, f := s.checkRead(addr, 1)
	if f != nil {
		return 0, f
	}
	return r.Slice(addr, 1)[0], nil
}

func (s *Space) ReadU16(addr uint32) (uint16, *fault.Fault) {
	r, f := s.checkRead(addr, 2)
	if f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint16(r.Slice(addr, 2)), nil
}

func (s *Space) ReadU32(addr uint32) (uint32, *fault.Fault) {
	r, f := s.checkRead(addr, 4)
	if f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint32(r.Slice(addr, 4)), nil
}

func (s *Space) ReadU64(addr uint32) (uint64, *fault.Fault) {
	r, f := s.checkRead(addr, 8)
	if f != nil {
		return 0, f
	}
	return binary.LittleEndian.Uint64(r.Slice(addr, 8)), nil
}

func (s *Space) ReadI8(addr uint32) (int8, *fault.Fault) {
	v, f := s.ReadU8(addr)
	return int8(v), f
}

func (s *Space) ReadI16(addr uint32) (int16, *fault.Fault) {
	v, f := s.ReadU16(addr)
	return int16(v), f
}

func (s *Space) ReadI32(addr uint32) (int32, *fault.Fault) {
	v, f := s.ReadU32(addr)
	return int32(v), f
}

func (s *Space) ReadI64(addr uint32) (int64, *fault.Fault) {
	v, f := s.ReadU64(addr)
	return int64(v), f
}

func (s *Space) ReadF32(addr uint32) (float32, *fault.Fault) {
	v, f := s.ReadU32(addr)
	if f != nil {
		return 0, f
	}
	return math.Float32frombits(v), nil
}

func (s *Space) ReadF64(addr uint32) (float64, *fault.Fault) {
	v, f := s.ReadU64(addr)
	if f != nil {
		return 0, f
	}
	return math.Float64frombits(v), nil
}

func (s *Space) WriteU8(addr uint32, v uint8) *fault.Fault {
	r, f := s.checkWrite(addr, 1)
	if f != nil {
		return f
	}
	r.Slice(addr, 1)[0] = v
	return nil
}

func (s *Space) WriteU16(addr uint32, v uint16) *fault.Fault {
	r, f := s.checkWrite(addr, 2)
	if f != nil {
		return f
	}
	binary.LittleEndian.PutUint16(r.Slice(addr, 2), v)
	return nil
}

func (s *Space) WriteU32(addr uint32, v uint32) *fault.Fault {
	r, f := s.checkWrite(addr, 4)
	if f != nil {
		return f
	}
	binary.LittleEndian.PutUint32(r.Slice(addr, 4), v)
	return nil
}

func (s *Space) WriteU64(addr uint32, v uint64) *fault.Fault {
	r, f := s.checkWrite(addr, 8)
	if f != nil {
		return f
	}
	binary.LittleEndian.PutUint64(r.Slice(addr, 8), v)
	return nil
}

func (s *Space) WriteF32(addr uint32, v float32) *fault.Fault {
	return s.WriteU32(addr, math.Float32bits(v))
}

func (s *Space) WriteF64(addr uint32, v float64) *fault.Fault {
	return s.WriteU64(addr, math.Float64bits(v))
}

// BulkCopyIn writes src directly into region id starting at offset,
// bypassing VM opcode access policy. Used by the HAL to mirror physical
// inputs into IPI at cycle start and by the loader to install RETAIN's
// initial image (§4.1, §4.5).
func (s *Space) BulkCopyIn(id RegionID, offset uint32, src []byte) *fault.Fault {
	r := s.regions[id]
	if offset+uint32(len(src)) > r.Size() {
		return fault.Memory(fault.OutOfBounds, "bulk copy into %s overruns region (offset %d, len %d, size %d)", id, offset, len(src), r.Size())
	}
	copy(r.bytes[offset:], src)
	return nil
}

// BulkCopyOut reads region id starting at offset into dst, bypassing VM
// opcode access policy. Used by the HAL to flush OPI to physical outputs
// at cycle end (§4.5).
func (s *Space) BulkCopyOut(id RegionID, offset uint32, dst []byte) *fault.Fault {
	r := s.regions[id]
	if offset+uint32(len(dst)) > r.Size() {
		return fault.Memory(fault.OutOfBounds, "bulk copy out of %s overruns region (offset %d, len %d, size %d)", id, offset, len(dst), r.Size())
	}
	copy(dst, r.bytes[offset:offset+uint32(len(dst))])
	return nil
}
