// ABOUTME: Reports the roots of one located safepoint to the collector
// ABOUTME: Resolves unknown interior pointer offsets before any root is reported

package enumerate

import (
	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
)

var (
	// ErrNoBase is returned when an interior pointer has no object at or below it
	ErrNoBase = errors.New("no base object for interior pointer")
	// ErrNegativeOffset is returned when a resolved offset does not fit a signed offset
	ErrNegativeOffset = errors.New("negative interior pointer offset")
)

// Resolver turns operand locations into slot addresses within one captured
// frame.
type Resolver interface {
	RegisterSlot(reg gcmap.Register) (gcmap.Address, error)
	StackSlot(distance int32) (gcmap.Address, error)
}

// Memory reads the pre-relocation value stored in a slot. Compressed values
// are returned decompressed.
type Memory interface {
	ReadPointer(slot gcmap.Address, compressed bool) (gcmap.Address, error)
}

// Collector receives each root exactly once.
type Collector interface {
	EnumerateObjectRoot(slot gcmap.Address, compressed bool)
	EnumerateInteriorRoot(slot gcmap.Address, offset int64)
}

// Stats counts what one enumeration reported.
type Stats struct {
	Objects  int
	Interior int
	Resolved int // interior pointers whose offset was computed at run time
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Objects += o.Objects
	s.Interior += o.Interior
	s.Resolved += o.Resolved
}

// Enumerate reports every operand of sp to c.
//
// Offsets of interior pointers the compiler could not track are computed
// first, from the values of all operands as they are before anything is
// reported: the owner is the object with the greatest non-null address not
// above the pointer. Nothing is reported if any offset cannot be resolved.
// sp is never modified.
func Enumerate(sp *gcmap.Safepoint, frame Resolver, mem Memory, c Collector) (Stats, error) {
	var stats Stats
	if len(sp.Operands) == 0 {
		return stats, nil
	}

	slots := make([]gcmap.Address, len(sp.Operands))
	for i, op := range sp.Operands {
		slot, err := slotOf(frame, op.Loc)
		if err != nil {
			return stats, errors.Wrapf(err, "ip %s operand %d", sp.IP, i)
		}
		slots[i] = slot
	}

	offsets, resolved, err := resolveOffsets(sp, slots, mem)
	if err != nil {
		return stats, err
	}
	stats.Resolved = resolved

	for i, op := range sp.Operands {
		if op.IsObject() {
			c.EnumerateObjectRoot(slots[i], op.Compressed)
			stats.Objects++
			continue
		}
		c.EnumerateInteriorRoot(slots[i], offsets[i])
		stats.Interior++
	}
	return stats, nil
}

func slotOf(frame Resolver, loc gcmap.Location) (gcmap.Address, error) {
	switch {
	case loc.IsRegister():
		return frame.RegisterSlot(loc.Register())
	case loc.IsStack():
		return frame.StackSlot(loc.StackDistance())
	}
	return 0, gcmap.ErrInvalidLocation
}

// resolveOffsets returns the offset to report for each operand. The slice is
// local to one call.
func resolveOffsets(sp *gcmap.Safepoint, slots []gcmap.Address, mem Memory) ([]int64, int, error) {
	offsets := make([]int64, len(sp.Operands))
	unknown := 0
	for i, op := range sp.Operands {
		offsets[i] = op.Offset
		if op.HasUnknownOffset() {
			unknown++
		}
	}
	if unknown == 0 {
		return offsets, 0, nil
	}

	var bases []gcmap.Address
	for i, op := range sp.Operands {
		if !op.IsObject() {
			continue
		}
		b, err := mem.ReadPointer(slots[i], op.Compressed)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "ip %s reading base operand %d", sp.IP, i)
		}
		if b != 0 {
			bases = append(bases, b)
		}
	}

	for i, op := range sp.Operands {
		if !op.HasUnknownOffset() {
			continue
		}
		v, err := mem.ReadPointer(slots[i], op.Compressed)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "ip %s reading interior pointer %d", sp.IP, i)
		}
		if v == 0 {
			// a null interior pointer needs no base
			offsets[i] = 0
			continue
		}
		var base gcmap.Address
		found := false
		for _, b := range bases {
			if b <= v && (!found || b > base) {
				base, found = b, true
			}
		}
		if !found {
			return nil, 0, errors.Wrapf(ErrNoBase, "ip %s operand %d value %s", sp.IP, i, v)
		}
		off := v.Sub(base)
		if off < 0 {
			return nil, 0, errors.Wrapf(ErrNegativeOffset, "ip %s operand %d value %s base %s", sp.IP, i, v, base)
		}
		offsets[i] = off
	}
	return offsets, unknown, nil
}
