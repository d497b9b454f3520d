// ABOUTME: Binary envelope holding one serialized root map on disk
// ABOUTME: Magic, layout, xxhash64 checksum and length in front of the blob

package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
)

const (
	magicRelease = "gcmap release\n\x00\x00"
	magicDebug   = "gcmap debug\n\x00\x00\x00\x00"
	magicSize    = 16

	// magic, word size, byte order, reserved, checksum, blob length
	envelopeHeaderSize = magicSize + 8 + 8 + 8

	// maxBlobSize bounds allocations driven by the length field
	maxBlobSize = 1 << 30
)

// ErrChecksum is returned when an envelope's blob does not match its checksum
var ErrChecksum = errors.New("root map checksum mismatch")

// Envelope is the binary on-disk format.
type Envelope struct{}

var _ Format = Envelope{}

func init() {
	Register(Envelope{})
}

// Name implements Format.
func (Envelope) Name() string { return "binary" }

// CanDecode checks the magic.
func (Envelope) CanDecode(r io.Reader) bool {
	magic := make([]byte, magicSize)
	if _, err := io.ReadFull(r, magic); err != nil {
		return false
	}
	return string(magic) == magicRelease || string(magic) == magicDebug
}

// Decode reads the envelope and deserializes the blob.
func (Envelope) Decode(r io.Reader) (*File, error) {
	l, blob, err := ReadEnvelope(r)
	if err != nil {
		return nil, err
	}
	m, err := l.Deserialize(blob)
	if err != nil {
		return nil, err
	}
	return &File{Layout: l, RootMap: m}, nil
}

// WriteEnvelope serializes m with l and writes it inside an envelope.
func WriteEnvelope(w io.Writer, l Layout, m *gcmap.RootMap) error {
	blob, err := l.Marshal(m)
	if err != nil {
		return err
	}
	return WriteBlob(w, l, blob)
}

// WriteBlob wraps an already serialized blob.
func WriteBlob(w io.Writer, l Layout, blob []byte) error {
	if err := l.Validate(); err != nil {
		return err
	}
	hdr := make([]byte, envelopeHeaderSize)
	if l.Debug {
		copy(hdr, magicDebug)
	} else {
		copy(hdr, magicRelease)
	}
	hdr[magicSize] = byte(l.WordSize)
	if l.BigEndian() {
		hdr[magicSize+1] = 1
	}
	binary.LittleEndian.PutUint64(hdr[magicSize+8:], xxhash.Sum64(blob))
	binary.LittleEndian.PutUint64(hdr[magicSize+16:], uint64(len(blob)))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "writing envelope header")
	}
	_, err := w.Write(blob)
	return errors.Wrap(err, "writing root map")
}

// ReadEnvelope returns the layout and the raw blob after verifying the
// checksum. The blob is not decoded.
func ReadEnvelope(r io.Reader) (Layout, []byte, error) {
	hdr := make([]byte, envelopeHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Layout{}, nil, errors.Wrap(err, "reading envelope header")
	}

	var l Layout
	switch string(hdr[:magicSize]) {
	case magicRelease:
	case magicDebug:
		l.Debug = true
	default:
		return Layout{}, nil, errors.Wrapf(ErrCorrupt, "bad magic %q", hdr[:magicSize])
	}
	l.WordSize = int(hdr[magicSize])
	switch hdr[magicSize+1] {
	case 0:
		l.ByteOrder = binary.LittleEndian
	case 1:
		l.ByteOrder = binary.BigEndian
	default:
		return Layout{}, nil, errors.Wrapf(ErrCorrupt, "byte order %d", hdr[magicSize+1])
	}
	if err := l.Validate(); err != nil {
		return Layout{}, nil, err
	}

	sum := binary.LittleEndian.Uint64(hdr[magicSize+8:])
	n := binary.LittleEndian.Uint64(hdr[magicSize+16:])
	if n > maxBlobSize {
		return Layout{}, nil, errors.Wrapf(ErrCorrupt, "blob length %d", n)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return Layout{}, nil, errors.Wrap(err, "reading root map")
	}
	blob := buf.Bytes()
	if got := xxhash.Sum64(blob); got != sum {
		return Layout{}, nil, errors.Wrapf(ErrChecksum, "have %016x, header says %016x", got, sum)
	}
	return l, blob, nil
}
