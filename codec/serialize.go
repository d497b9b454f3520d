// ABOUTME: Serializes a root map into the word layout
// ABOUTME: Writes header then records in builder order without sorting

package codec

import (
	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
)

// Marshal allocates an exact-size buffer and serializes m into it.
func (l Layout) Marshal(m *gcmap.RootMap) ([]byte, error) {
	buf := make([]byte, l.Size(m))
	n, err := l.Serialize(buf, m)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Serialize writes m into buf and returns the number of bytes written,
// which always equals Size(m). The release layout drops any debug side
// table; the debug layout writes zeros where a record has none.
func (l Layout) Serialize(buf []byte, m *gcmap.RootMap) (int, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	size := l.Size(m)
	if len(buf) < size {
		return 0, errors.Wrapf(ErrShortBuffer, "need %d bytes, have %d", size, len(buf))
	}
	w := &wordWriter{buf: buf[:size], l: l}
	if err := w.put(uint64(size)); err != nil {
		return 0, err
	}
	if err := w.put(uint64(len(m.Safepoints))); err != nil {
		return 0, err
	}
	for i, sp := range m.Safepoints {
		if err := l.writeRecord(w, sp); err != nil {
			return 0, errors.Wrapf(err, "record %d at %s", i, sp.IP)
		}
	}
	return w.pos, nil
}

func (l Layout) writeRecord(w *wordWriter, sp *gcmap.Safepoint) error {
	if len(sp.Operands) >= maxOperandsPerSafe {
		return errors.Wrapf(ErrOverflow, "%d operands", len(sp.Operands))
	}
	if err := w.put(uint64(l.recordWords(len(sp.Operands)))); err != nil {
		return err
	}
	if err := w.put(uint64(sp.IP)); err != nil {
		return err
	}
	if err := w.put(uint64(len(sp.Operands))); err != nil {
		return err
	}
	for i, op := range sp.Operands {
		if err := l.writeOperand(w, op); err != nil {
			return errors.Wrapf(err, "operand %d", i)
		}
		if !l.Debug {
			continue
		}
		var id int32
		if sp.Debug != nil && i < len(sp.Debug.OperandIDs) {
			id = sp.Debug.OperandIDs[i]
		}
		if err := w.putSigned(int64(id)); err != nil {
			return err
		}
	}
	if !l.Debug {
		return nil
	}
	var d gcmap.DebugInfo
	if sp.Debug != nil {
		d = *sp.Debug
	}
	if err := w.putSigned(int64(d.InstID)); err != nil {
		return err
	}
	return w.putBool(d.HardwareException)
}

func (l Layout) writeOperand(w *wordWriter, op gcmap.Operand) error {
	var flags uint64
	var val int64
	switch {
	case op.Loc.IsRegister():
		if op.Loc.Register() < 0 {
			return errors.Wrapf(gcmap.ErrInvalidLocation, "register %d", op.Loc.Register())
		}
		flags |= flagOnRegister
		val = int64(op.Loc.Register())
	case op.Loc.IsStack():
		val = int64(op.Loc.StackDistance())
	default:
		return gcmap.ErrInvalidLocation
	}
	if op.IsObject() {
		flags |= flagObject
	}
	if op.Compressed {
		flags |= flagCompressed
	}
	if err := w.put(flags); err != nil {
		return err
	}
	if err := w.putSigned(val); err != nil {
		return err
	}
	offset := op.Offset
	if op.IsObject() {
		offset = 0
	}
	return w.putSigned(offset)
}
