// ABOUTME: Reference backward liveness analysis over the low-level IR
// ABOUTME: Computes per-block live-out sets as roaring bitmaps of operand ids

package lir

import "github.com/RoaringBitmap/roaring"

// Liveness holds the live-in and live-out operand sets of every block.
type Liveness struct {
	in  map[*Block]*roaring.Bitmap
	out map[*Block]*roaring.Bitmap
}

// ComputeLiveness solves the backward dataflow equations
//
//	out(b) = union of in(s) for every successor s
//	in(b)  = uses(b) | (out(b) - defs(b))
//
// with a worklist seeded in reverse layout order.
func ComputeLiveness(m *Method) *Liveness {
	lv := &Liveness{
		in:  make(map[*Block]*roaring.Bitmap, len(m.Blocks)),
		out: make(map[*Block]*roaring.Bitmap, len(m.Blocks)),
	}
	gen := make(map[*Block]*roaring.Bitmap, len(m.Blocks))
	kill := make(map[*Block]*roaring.Bitmap, len(m.Blocks))
	for _, b := range m.Blocks {
		g, k := roaring.New(), roaring.New()
		for i := len(b.Insts) - 1; i >= 0; i-- {
			Update(b.Insts[i], g)
			for _, v := range b.Insts[i].Defs {
				k.Add(uint32(v.ID))
			}
		}
		gen[b], kill[b] = g, k
		lv.in[b] = g.Clone()
		lv.out[b] = roaring.New()
	}

	preds := BuildPredecessors(m)
	work := make([]*Block, 0, len(m.Blocks))
	queued := make(map[*Block]bool, len(m.Blocks))
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		work = append(work, m.Blocks[i])
		queued[m.Blocks[i]] = true
	}
	for len(work) > 0 {
		b := work[0]
		work = work[1:]
		queued[b] = false

		out := roaring.New()
		for _, s := range b.Succs {
			out.Or(lv.in[s])
		}
		lv.out[b] = out

		in := roaring.AndNot(out, kill[b])
		in.Or(gen[b])
		if in.Equals(lv.in[b]) {
			continue
		}
		lv.in[b] = in
		for _, p := range preds[b] {
			if !queued[p] {
				queued[p] = true
				work = append(work, p)
			}
		}
	}
	return lv
}

// LiveOut returns a copy of the operands live at the exit of b.
func (lv *Liveness) LiveOut(b *Block) *roaring.Bitmap {
	if out, ok := lv.out[b]; ok {
		return out.Clone()
	}
	return roaring.New()
}

// LiveIn returns a copy of the operands live at the entry of b.
func (lv *Liveness) LiveIn(b *Block) *roaring.Bitmap {
	if in, ok := lv.in[b]; ok {
		return in.Clone()
	}
	return roaring.New()
}

// Update steps the live set backwards over inst: definitions die, uses
// become live.
func Update(inst *Inst, live *roaring.Bitmap) {
	for _, v := range inst.Defs {
		live.Remove(uint32(v.ID))
	}
	for _, v := range inst.Uses {
		live.Add(uint32(v.ID))
	}
	if inst.FaultBase != nil {
		live.Add(uint32(inst.FaultBase.ID))
	}
}
