// ABOUTME: Decodes and searches serialized root maps
// ABOUTME: Linear record scan by instruction address plus streaming iteration

package codec

import (
	"math"

	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
)

// Reader gives read-only access to one serialized root map. The underlying
// bytes are never modified, so a Reader may be shared between goroutines.
type Reader struct {
	l     Layout
	data  []byte
	count int
}

// NewReader checks the header of blob and returns a reader over it. Bytes
// past the declared total size are ignored.
func (l Layout) NewReader(blob []byte) (*Reader, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	r := &wordReader{data: blob, l: l}
	total, err := r.word()
	if err != nil {
		return nil, err
	}
	count, err := r.word()
	if err != nil {
		return nil, err
	}
	switch {
	case total < uint64(headerWords*l.WordSize):
		return nil, errors.Wrapf(ErrCorrupt, "total size %d below header size", total)
	case total%uint64(l.WordSize) != 0:
		return nil, errors.Wrapf(ErrCorrupt, "total size %d not word aligned", total)
	case total > uint64(len(blob)):
		return nil, errors.Wrapf(ErrCorrupt, "total size %d exceeds blob of %d bytes", total, len(blob))
	}
	words := total/uint64(l.WordSize) - headerWords
	if count > words/recordHeaderWords {
		return nil, errors.Wrapf(ErrCorrupt, "%d records cannot fit in %d words", count, words)
	}
	return &Reader{l: l, data: blob[:total], count: int(count)}, nil
}

// Layout returns the layout the reader decodes with.
func (r *Reader) Layout() Layout { return r.l }

// Len returns the number of records.
func (r *Reader) Len() int { return r.count }

// Size returns the encoded size in bytes.
func (r *Reader) Size() int { return len(r.data) }

// Find returns a freshly decoded copy of the first record whose address is
// ip. Records that do not match are skipped by their declared size without
// decoding operands.
func (r *Reader) Find(ip gcmap.Address) (*gcmap.Safepoint, error) {
	w := &wordReader{data: r.data, pos: headerWords * r.l.WordSize, l: r.l}
	for i := 0; i < r.count; i++ {
		start := w.pos
		words, err := w.word()
		if err != nil {
			return nil, err
		}
		at, err := w.word()
		if err != nil {
			return nil, err
		}
		if words < recordHeaderWords || words > uint64(w.remaining()+2) {
			return nil, errors.Wrapf(ErrCorrupt, "record %d declares %d words", i, words)
		}
		if gcmap.Address(at) == ip {
			w.pos = start
			return r.readRecord(w, i)
		}
		w.pos = start + int(words)*r.l.WordSize
	}
	return nil, errors.Wrapf(ErrNotFound, "ip %s", ip)
}

// Each decodes every record in order and passes it to fn. Iteration stops at
// the first error from fn or from decoding.
func (r *Reader) Each(fn func(sp *gcmap.Safepoint) error) error {
	w := &wordReader{data: r.data, pos: headerWords * r.l.WordSize, l: r.l}
	for i := 0; i < r.count; i++ {
		sp, err := r.readRecord(w, i)
		if err != nil {
			return err
		}
		if err := fn(sp); err != nil {
			return err
		}
	}
	if w.pos != len(r.data) {
		return errors.Wrapf(ErrCorrupt, "%d trailing bytes", len(r.data)-w.pos)
	}
	return nil
}

// Decode reads every record into a new root map.
func (r *Reader) Decode() (*gcmap.RootMap, error) {
	m := &gcmap.RootMap{Safepoints: make([]*gcmap.Safepoint, 0, r.count)}
	err := r.Each(func(sp *gcmap.Safepoint) error {
		m.Safepoints = append(m.Safepoints, sp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Deserialize is the inverse of Serialize for the same layout.
func (l Layout) Deserialize(buf []byte) (*gcmap.RootMap, error) {
	r, err := l.NewReader(buf)
	if err != nil {
		return nil, err
	}
	return r.Decode()
}

// Find locates the record for ip in blob.
func (l Layout) Find(blob []byte, ip gcmap.Address) (*gcmap.Safepoint, error) {
	r, err := l.NewReader(blob)
	if err != nil {
		return nil, err
	}
	return r.Find(ip)
}

func (r *Reader) readRecord(w *wordReader, index int) (*gcmap.Safepoint, error) {
	words, err := w.word()
	if err != nil {
		return nil, err
	}
	ip, err := w.word()
	if err != nil {
		return nil, err
	}
	n, err := w.word()
	if err != nil {
		return nil, err
	}
	if n >= maxOperandsPerSafe || n > uint64(w.remaining()) {
		return nil, errors.Wrapf(ErrCorrupt, "record %d has %d operands", index, n)
	}
	if want := uint64(r.l.recordWords(int(n))); words != want {
		if words == uint64(r.l.other().recordWords(int(n))) {
			return nil, errors.Wrapf(ErrLayoutMismatch, "record %d is %d words, %s layout expects %d", index, words, r.l.Name(), want)
		}
		return nil, errors.Wrapf(ErrCorrupt, "record %d is %d words, expected %d", index, words, want)
	}
	if int(words)-recordHeaderWords > w.remaining() {
		return nil, errors.Wrapf(ErrCorrupt, "record %d truncated", index)
	}

	sp := &gcmap.Safepoint{IP: gcmap.Address(ip)}
	var ids []int32
	if n > 0 {
		sp.Operands = make([]gcmap.Operand, n)
		if r.l.Debug {
			ids = make([]int32, n)
		}
	}
	for i := range sp.Operands {
		op, err := r.readOperand(w)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d operand %d", index, i)
		}
		sp.Operands[i] = op
		if r.l.Debug {
			id, err := w.signed()
			if err != nil {
				return nil, err
			}
			if id < math.MinInt32 || id > math.MaxInt32 {
				return nil, errors.Wrapf(ErrCorrupt, "record %d operand id %d", index, id)
			}
			ids[i] = int32(id)
		}
	}
	if r.l.Debug {
		inst, err := w.signed()
		if err != nil {
			return nil, err
		}
		if inst < math.MinInt32 || inst > math.MaxInt32 {
			return nil, errors.Wrapf(ErrCorrupt, "record %d instruction id %d", index, inst)
		}
		hw, err := w.flag()
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", index)
		}
		if hw && n > 0 {
			return nil, errors.Wrapf(ErrCorrupt, "record %d: hardware exception point with %d operands", index, n)
		}
		sp.Debug = &gcmap.DebugInfo{InstID: int32(inst), HardwareException: hw, OperandIDs: ids}
	}
	return sp, nil
}

func (r *Reader) readOperand(w *wordReader) (gcmap.Operand, error) {
	flags, err := w.word()
	if err != nil {
		return gcmap.Operand{}, err
	}
	if flags&^flagMask != 0 {
		return gcmap.Operand{}, errors.Wrapf(ErrCorrupt, "unknown operand flags %#x", flags)
	}
	val, err := w.signed()
	if err != nil {
		return gcmap.Operand{}, err
	}
	offset, err := w.signed()
	if err != nil {
		return gcmap.Operand{}, err
	}

	var op gcmap.Operand
	if flags&flagOnRegister != 0 {
		if val < 0 || val > math.MaxInt16 {
			return op, errors.Wrapf(ErrCorrupt, "register %d", val)
		}
		op.Loc = gcmap.InRegister(gcmap.Register(val))
	} else {
		if val < math.MinInt32 || val > math.MaxInt32 {
			return op, errors.Wrapf(ErrCorrupt, "stack distance %d", val)
		}
		op.Loc = gcmap.OnStack(int32(val))
	}
	op.Compressed = flags&flagCompressed != 0
	if flags&flagObject != 0 {
		if offset != 0 {
			return op, errors.Wrapf(ErrCorrupt, "object with offset %d", offset)
		}
		op.Kind = gcmap.KindObject
		return op, nil
	}
	if offset < gcmap.UnknownOffset {
		return op, errors.Wrapf(ErrCorrupt, "interior pointer offset %d", offset)
	}
	op.Kind = gcmap.KindManagedPointer
	op.Offset = offset
	return op, nil
}
