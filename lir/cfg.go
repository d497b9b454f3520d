// ABOUTME: Control-flow helpers for the low-level IR
// ABOUTME: Builds predecessor edges and constructs methods for tests and tools

package lir

import "github.com/prateek/rootmap/gcmap"

// Predecessors maps each block to the blocks that branch to it
type Predecessors map[*Block][]*Block

// BuildPredecessors creates the reverse edges of the control-flow graph
func BuildPredecessors(m *Method) Predecessors {
	preds := make(Predecessors, len(m.Blocks))
	for _, b := range m.Blocks {
		for _, s := range b.Succs {
			preds[s] = append(preds[s], b)
		}
	}
	return preds
}

// NewMethod creates an empty method
func NewMethod(name string) *Method {
	return &Method{Name: name}
}

// NewVar allocates an unplaced operand of the given type
func (m *Method) NewVar(t Type) *Var {
	v := &Var{ID: int32(len(m.Vars)), Type: t}
	m.Vars = append(m.Vars, v)
	return v
}

// NewRegVar allocates an operand placed in register r
func (m *Method) NewRegVar(t Type, r gcmap.Register) *Var {
	v := m.NewVar(t)
	v.Storage = StorageRegister
	v.Reg = r
	return v
}

// NewSpillVar allocates an operand placed in the spill area at frameOffset
func (m *Method) NewSpillVar(t Type, frameOffset int32) *Var {
	v := m.NewVar(t)
	v.Storage = StorageSpill
	v.FrameOffset = frameOffset
	return v
}

// NewBlock appends an empty block in layout order
func (m *Method) NewBlock() *Block {
	b := &Block{ID: len(m.Blocks)}
	m.Blocks = append(m.Blocks, b)
	return b
}

// Append adds an instruction to the block and counts its operand references
func (b *Block) Append(inst *Inst) *Inst {
	for _, v := range inst.Defs {
		v.Uses++
	}
	for _, v := range inst.Uses {
		v.Uses++
	}
	if inst.FaultBase != nil {
		inst.FaultBase.Uses++
	}
	b.Insts = append(b.Insts, inst)
	return inst
}

// Jump adds a control-flow edge from b to succ
func (b *Block) Jump(succs ...*Block) {
	b.Succs = append(b.Succs, succs...)
}

// Layout assigns instruction ids and native addresses in block order,
// starting at base. Instructions without a size are given size.
func (m *Method) Layout(base gcmap.Address, size uint32) {
	addr := base
	var id int32
	m.ForEachInst(func(_ *Block, inst *Inst) {
		inst.ID = id
		id++
		if inst.Size == 0 {
			inst.Size = size
		}
		inst.Addr = addr
		addr = addr.Add(int64(inst.Size))
	})
}
