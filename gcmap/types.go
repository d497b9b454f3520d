// ABOUTME: Core data types for the GC root map
// ABOUTME: Defines operands, storage locations, safepoint records and the per-method root map

package gcmap

import "fmt"

// Address is a location in the managed process's address space.
type Address uint64

// Add adds x to address a.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Sub subtracts b from a. Requires a >= b for a meaningful result.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Register is a machine register id as numbered by the back end.
type Register int16

// UnknownOffset marks an interior pointer whose offset from its owning
// object could not be tracked statically. It is resolved at enumeration time.
const UnknownOffset int64 = -1

// Kind tells the collector what an operand's slot holds.
type Kind uint8

const (
	// KindObject is a direct reference to the start of a heap object.
	KindObject Kind = iota
	// KindManagedPointer is an interior pointer derived from an object base.
	KindManagedPointer
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindManagedPointer:
		return "mptr"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Location is where a live operand is stored at a safepoint: either a
// register or a slot at a signed distance from the stack pointer at the
// call instruction. The zero value is invalid.
type Location struct {
	onRegister bool
	valid      bool
	reg        Register
	distance   int32
}

// InRegister returns a register location.
func InRegister(r Register) Location {
	return Location{valid: true, onRegister: true, reg: r}
}

// OnStack returns a stack location distance bytes away from the stack
// pointer at the safepoint.
func OnStack(distance int32) Location {
	return Location{valid: true, distance: distance}
}

// IsValid reports whether the location was built by InRegister or OnStack.
func (l Location) IsValid() bool { return l.valid }

// IsRegister reports whether the operand lives in a register.
func (l Location) IsRegister() bool { return l.valid && l.onRegister }

// IsStack reports whether the operand lives on the stack.
func (l Location) IsStack() bool { return l.valid && !l.onRegister }

// Register returns the register id. Only meaningful when IsRegister.
func (l Location) Register() Register { return l.reg }

// StackDistance returns the signed distance from the stack pointer at the
// safepoint. Only meaningful when IsStack.
func (l Location) StackDistance() int32 { return l.distance }

// Equal reports whether both locations name the same register or slot.
func (l Location) Equal(o Location) bool { return l == o }

func (l Location) String() string {
	switch {
	case !l.valid:
		return "nowhere"
	case l.onRegister:
		return fmt.Sprintf("r%d", l.reg)
	default:
		return fmt.Sprintf("[sp%+d]", l.distance)
	}
}

// Operand describes one live GC-relevant value at one safepoint.
type Operand struct {
	Kind       Kind
	Loc        Location
	Offset     int64 // offset from the owning object base; 0 for objects, UnknownOffset if untracked
	Compressed bool  // narrow pointer encoding
}

// Object returns an object operand stored at loc.
func Object(loc Location) Operand {
	return Operand{Kind: KindObject, Loc: loc}
}

// ManagedPointer returns an interior pointer operand stored at loc with the
// given static offset, or UnknownOffset.
func ManagedPointer(loc Location, offset int64) Operand {
	return Operand{Kind: KindManagedPointer, Loc: loc, Offset: offset}
}

// IsObject reports whether the operand is a direct object reference.
func (o Operand) IsObject() bool { return o.Kind == KindObject }

// HasUnknownOffset reports whether an interior pointer needs its offset
// resolved at enumeration time.
func (o Operand) HasUnknownOffset() bool {
	return o.Kind == KindManagedPointer && o.Offset == UnknownOffset
}

func (o Operand) String() string {
	s := fmt.Sprintf("%s@%s", o.Kind, o.Loc)
	if o.Kind == KindManagedPointer {
		if o.Offset == UnknownOffset {
			s += "+?"
		} else {
			s += fmt.Sprintf("+%d", o.Offset)
		}
	}
	if o.Compressed {
		s += " (compressed)"
	}
	return s
}

// DebugInfo is the side table debug builds attach to each safepoint.
type DebugInfo struct {
	InstID            int32   // id of the originating instruction
	HardwareException bool    // fault-only point, carries no roots
	OperandIDs        []int32 // compiler operand id per entry of Safepoint.Operands
}

// Safepoint is the set of operands live at one native instruction.
type Safepoint struct {
	IP       Address
	Operands []Operand
	Debug    *DebugInfo // nil unless built for the debug layout
}

// IsHardwareException reports whether the record only exists to let stack
// walking pass a potential hardware fault.
func (s *Safepoint) IsHardwareException() bool {
	return s.Debug != nil && s.Debug.HardwareException
}

// Clone returns a deep copy of the record.
func (s *Safepoint) Clone() *Safepoint {
	c := &Safepoint{IP: s.IP}
	if s.Operands != nil {
		c.Operands = append([]Operand(nil), s.Operands...)
	}
	if s.Debug != nil {
		d := *s.Debug
		if s.Debug.OperandIDs != nil {
			d.OperandIDs = append([]int32(nil), s.Debug.OperandIDs...)
		}
		c.Debug = &d
	}
	return c
}

// RootMap is the ordered sequence of safepoint records of one compiled
// method. It is built once and treated as immutable afterwards.
type RootMap struct {
	Safepoints []*Safepoint
}

// NumOperands returns the total number of operands over all records.
func (m *RootMap) NumOperands() int {
	n := 0
	for _, sp := range m.Safepoints {
		n += len(sp.Operands)
	}
	return n
}

// HasDebugInfo reports whether any record carries the debug side table.
func (m *RootMap) HasDebugInfo() bool {
	for _, sp := range m.Safepoints {
		if sp.Debug != nil {
			return true
		}
	}
	return false
}
