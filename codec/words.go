// ABOUTME: Fixed-width word readers and writers for the root map encoding
// ABOUTME: Handles 32 and 64 bit words in either byte order

package codec

import (
	"math"

	"github.com/pkg/errors"
)

type wordWriter struct {
	buf []byte
	pos int
	l   Layout
}

func (w *wordWriter) put(v uint64) error {
	if w.l.WordSize == 4 && v > math.MaxUint32 {
		return errors.Wrapf(ErrOverflow, "%#x", v)
	}
	if w.pos+w.l.WordSize > len(w.buf) {
		return ErrShortBuffer
	}
	if w.l.WordSize == 4 {
		w.l.ByteOrder.PutUint32(w.buf[w.pos:], uint32(v))
	} else {
		w.l.ByteOrder.PutUint64(w.buf[w.pos:], v)
	}
	w.pos += w.l.WordSize
	return nil
}

func (w *wordWriter) putSigned(v int64) error {
	if w.l.WordSize == 4 {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return errors.Wrapf(ErrOverflow, "%d", v)
		}
		return w.put(uint64(uint32(int32(v))))
	}
	return w.put(uint64(v))
}

func (w *wordWriter) putBool(b bool) error {
	if b {
		return w.put(1)
	}
	return w.put(0)
}

type wordReader struct {
	data []byte
	pos  int
	l    Layout
}

func (r *wordReader) remaining() int {
	return (len(r.data) - r.pos) / r.l.WordSize
}

func (r *wordReader) word() (uint64, error) {
	if r.pos+r.l.WordSize > len(r.data) {
		return 0, errors.Wrapf(ErrCorrupt, "truncated at byte %d", r.pos)
	}
	var v uint64
	if r.l.WordSize == 4 {
		v = uint64(r.l.ByteOrder.Uint32(r.data[r.pos:]))
	} else {
		v = r.l.ByteOrder.Uint64(r.data[r.pos:])
	}
	r.pos += r.l.WordSize
	return v, nil
}

func (r *wordReader) signed() (int64, error) {
	v, err := r.word()
	if err != nil {
		return 0, err
	}
	if r.l.WordSize == 4 {
		return int64(int32(uint32(v))), nil
	}
	return int64(v), nil
}

func (r *wordReader) flag() (bool, error) {
	v, err := r.word()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Wrapf(ErrCorrupt, "flag word %d", v)
}
