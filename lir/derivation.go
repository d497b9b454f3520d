// ABOUTME: Static base/offset tracking for interior pointers
// ABOUTME: Records which object each managed pointer was derived from, when known

package lir

// Derivation ties an interior pointer to the object it was derived from.
// Known is false when the compiler could not prove a single base and
// offset, e.g. after a control-flow merge of pointers into different objects.
type Derivation struct {
	Base   *Var
	Offset int64
	Known  bool
}

// DerivationTable is a simple tracker keyed by operand id, with optional
// per-instruction overrides.
type DerivationTable struct {
	byVar  map[int32]Derivation
	byInst map[int32]map[int32]Derivation
}

// NewDerivationTable creates an empty table
func NewDerivationTable() *DerivationTable {
	return &DerivationTable{
		byVar:  make(map[int32]Derivation),
		byInst: make(map[int32]map[int32]Derivation),
	}
}

// Set records that v == base + offset everywhere.
func (t *DerivationTable) Set(v, base *Var, offset int64) {
	t.byVar[v.ID] = Derivation{Base: base, Offset: offset, Known: true}
}

// SetUnknown records that v's base cannot be tracked statically.
func (t *DerivationTable) SetUnknown(v *Var) {
	t.byVar[v.ID] = Derivation{}
}

// SetAt overrides the derivation of v at one instruction.
func (t *DerivationTable) SetAt(inst *Inst, v *Var, d Derivation) {
	m, ok := t.byInst[inst.ID]
	if !ok {
		m = make(map[int32]Derivation)
		t.byInst[inst.ID] = m
	}
	m[v.ID] = d
}

// Derivation returns what is known about v at inst. An interior pointer
// with no entry is treated as untracked.
func (t *DerivationTable) Derivation(inst *Inst, v *Var) Derivation {
	if m, ok := t.byInst[inst.ID]; ok {
		if d, ok := m[v.ID]; ok {
			return d
		}
	}
	return t.byVar[v.ID]
}
