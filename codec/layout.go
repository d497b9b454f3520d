// ABOUTME: Word layouts of the binary root map encoding
// ABOUTME: Fixes word size, byte order and the release or debug field set

package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
)

// Binary layout, one platform word per field:
//
//	header:  [totalByteSize][safepointCount]
//	record:  [recordWordSize][ip][operandCount][operand]* [debug: instId][debug: hwFlag]
//	operand: [flags][val][mptrOffset] [debug: firstId]
//
// val is the register id or the signed stack distance, depending on flags.
// Debug and release layouts differ in field count and are not
// interchangeable.

const (
	flagObject     = 1 << 0
	flagOnRegister = 1 << 1
	flagCompressed = 1 << 2
	flagMask       = flagObject | flagOnRegister | flagCompressed
)

const (
	headerWords        = 2
	recordHeaderWords  = 3
	recordDebugWords   = 2
	operandWords       = 3
	operandDebugWords  = 1
	maxOperandsPerSafe = 1 << 16
)

var (
	// ErrCorrupt is returned when a blob is not a valid encoding
	ErrCorrupt = errors.New("corrupt root map encoding")
	// ErrLayoutMismatch is returned when a blob was written with the other field set
	ErrLayoutMismatch = errors.New("root map written with a different layout")
	// ErrShortBuffer is returned when the destination cannot hold the encoding
	ErrShortBuffer = errors.New("buffer too small for root map")
	// ErrOverflow is returned when a value does not fit the layout's word size
	ErrOverflow = errors.New("value does not fit in a word")
	// ErrInvalidLayout is returned for unsupported word sizes
	ErrInvalidLayout = errors.New("invalid layout")
	// ErrNotFound is returned when no record matches an instruction address
	ErrNotFound = errors.New("no safepoint at address")
)

// Layout fixes the physical encoding of a root map.
type Layout struct {
	Debug     bool
	WordSize  int
	ByteOrder binary.ByteOrder
}

var (
	// Release is the 64-bit little-endian release layout
	Release = Layout{WordSize: 8, ByteOrder: binary.LittleEndian}
	// Debug is the 64-bit little-endian debug layout
	Debug = Layout{Debug: true, WordSize: 8, ByteOrder: binary.LittleEndian}
)

// NewLayout returns a validated layout.
func NewLayout(debug bool, wordSize int, bigEndian bool) (Layout, error) {
	l := Layout{Debug: debug, WordSize: wordSize, ByteOrder: binary.LittleEndian}
	if bigEndian {
		l.ByteOrder = binary.BigEndian
	}
	return l, l.Validate()
}

// Validate checks the word size and byte order.
func (l Layout) Validate() error {
	if l.WordSize != 4 && l.WordSize != 8 {
		return errors.Wrapf(ErrInvalidLayout, "word size %d", l.WordSize)
	}
	if l.ByteOrder == nil {
		return errors.Wrap(ErrInvalidLayout, "missing byte order")
	}
	return nil
}

// Name is "release" or "debug".
func (l Layout) Name() string {
	if l.Debug {
		return "debug"
	}
	return "release"
}

// BigEndian reports whether words are stored most significant byte first.
func (l Layout) BigEndian() bool {
	return l.ByteOrder == binary.BigEndian
}

func (l Layout) String() string {
	order := "le"
	if l.BigEndian() {
		order = "be"
	}
	return l.Name() + "/" + order + "/" + map[int]string{4: "32", 8: "64"}[l.WordSize]
}

func (l Layout) operandWords() int {
	if l.Debug {
		return operandWords + operandDebugWords
	}
	return operandWords
}

func (l Layout) recordWords(numOperands int) int {
	n := recordHeaderWords + numOperands*l.operandWords()
	if l.Debug {
		n += recordDebugWords
	}
	return n
}

// other returns the layout with the opposite field set.
func (l Layout) other() Layout {
	o := l
	o.Debug = !l.Debug
	return o
}

// Size returns the exact number of bytes Serialize writes for m.
func (l Layout) Size(m *gcmap.RootMap) int {
	words := headerWords
	for _, sp := range m.Safepoints {
		words += l.recordWords(len(sp.Operands))
	}
	return words * l.WordSize
}
