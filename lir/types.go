// ABOUTME: Low-level IR of a compiled method as seen after register allocation
// ABOUTME: Defines methods, basic blocks, instructions and allocated operands

package lir

import "github.com/prateek/rootmap/gcmap"

// Type classifies an operand for the collector.
type Type uint8

const (
	TypeScalar     Type = iota // not heap relevant
	TypeRef                    // object reference
	TypeManagedPtr             // interior pointer into an object
)

// IsGC reports whether values of the type may point into the managed heap.
func (t Type) IsGC() bool {
	return t == TypeRef || t == TypeManagedPtr
}

// Storage says where the register allocator placed an operand.
type Storage uint8

const (
	StorageNone     Storage = iota // not placed (e.g. folded immediate)
	StorageRegister                // in a machine register
	StorageSpill                   // in the automatically laid-out spill area
	StorageMemory                  // in memory the frame does not own
)

// Var is one operand after register allocation.
type Var struct {
	ID          int32
	Type        Type
	Compressed  bool
	Storage     Storage
	Reg         gcmap.Register // valid for StorageRegister
	FrameOffset int32          // spill slot offset from the stack pointer at stack depth 0
	StaticField bool           // derived from a static field, never relocated
	Uses        int            // number of references left in the instruction stream
}

// Inst is one emitted machine instruction.
type Inst struct {
	ID         int32
	Addr       gcmap.Address // native start address
	Size       uint32        // encoded length in bytes
	Call       bool
	Defs       []*Var
	Uses       []*Var
	StackDepth int32 // bytes pushed below the frame at this instruction
	// FaultBase is the base of a memory operand that may raise a hardware
	// fault (implicit null or bounds check), if any.
	FaultBase *Var
}

// Result returns the operand a call defines, if any.
func (i *Inst) Result() *Var {
	if !i.Call || len(i.Defs) == 0 {
		return nil
	}
	return i.Defs[0]
}

// ReturnAddr is the address a stack walker observes for a frame suspended
// in this call.
func (i *Inst) ReturnAddr() gcmap.Address {
	return i.Addr.Add(int64(i.Size))
}

// MayFault reports whether the instruction dereferences a heap-typed operand
// and may therefore trap. Calls are never fault points; their record sits
// at the return address.
func (i *Inst) MayFault() bool {
	return !i.Call && i.FaultBase != nil && i.FaultBase.Type.IsGC()
}

// Block is a basic block.
type Block struct {
	ID    int
	Insts []*Inst
	Succs []*Block
}

// Method is a compiled method: its blocks in layout order and its operands.
type Method struct {
	Name   string
	Blocks []*Block
	Vars   []*Var
}

// Var returns the operand with the given id, or nil.
func (m *Method) Var(id int32) *Var {
	if id < 0 || int(id) >= len(m.Vars) {
		return nil
	}
	v := m.Vars[id]
	if v == nil || v.ID != id {
		for _, w := range m.Vars {
			if w != nil && w.ID == id {
				return w
			}
		}
		return nil
	}
	return v
}

// ForEachInst iterates over all instructions in layout order.
func (m *Method) ForEachInst(fn func(b *Block, inst *Inst)) {
	for _, b := range m.Blocks {
		for _, inst := range b.Insts {
			fn(b, inst)
		}
	}
}
