// ABOUTME: Compiled method info blob carrying the root map next to other metadata
// ABOUTME: Sections are addressed through a small table of contents

package methodinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/prateek/rootmap/codec"
	"github.com/prateek/rootmap/gcmap"
)

// Blob layout, little endian:
//
//	[magic "MINF"][version u16][layout flags u8][word size u8]
//	[start u64][size u64][name len u32][name]
//	[toc: 3 x (offset u32, length u32)][sections]
//
// Section offsets are relative to the start of the blob.

const (
	infoMagic   = "MINF"
	infoVersion = 1

	layoutDebug     = 1 << 0
	layoutBigEndian = 1 << 1
)

// Section names an entry of the table of contents.
type Section int

const (
	SectionFrameLayout Section = iota
	SectionRootMap
	SectionBytecodeMap
	numSections
)

func (s Section) String() string {
	switch s {
	case SectionFrameLayout:
		return "frame-layout"
	case SectionRootMap:
		return "root-map"
	case SectionBytecodeMap:
		return "bytecode-map"
	}
	return fmt.Sprintf("section(%d)", int(s))
}

// ErrBadInfo is returned when an info blob cannot be decoded
var ErrBadInfo = errors.New("malformed method info")

// Info describes one compiled method.
type Info struct {
	Name        string
	Start       gcmap.Address
	Size        uint64
	Layout      codec.Layout
	FrameLayout []byte
	RootMap     []byte // serialized with Layout
	BytecodeMap []byte
}

// End returns the first address past the method's code.
func (i *Info) End() gcmap.Address {
	return i.Start + gcmap.Address(i.Size)
}

// Contains reports whether pc lies within the method's code.
func (i *Info) Contains(pc gcmap.Address) bool {
	return pc >= i.Start && pc < i.End()
}

// ContainsReturn reports whether ret is a return address into the method:
// the instruction before it lies within the code, so the end is included.
func (i *Info) ContainsReturn(ret gcmap.Address) bool {
	return ret > i.Start && ret <= i.End()
}

// NewInfo serializes m with l and returns the info for a method.
func NewInfo(name string, start gcmap.Address, size uint64, l codec.Layout, m *gcmap.RootMap) (*Info, error) {
	blob, err := l.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing root map of %s", name)
	}
	return &Info{Name: name, Start: start, Size: size, Layout: l, RootMap: blob}, nil
}

// Roots returns a reader over the root map section.
func (i *Info) Roots() (*codec.Reader, error) {
	return i.Layout.NewReader(i.RootMap)
}

func (i *Info) section(s Section) []byte {
	switch s {
	case SectionFrameLayout:
		return i.FrameLayout
	case SectionRootMap:
		return i.RootMap
	case SectionBytecodeMap:
		return i.BytecodeMap
	}
	return nil
}

// Encode writes the info blob.
func (i *Info) Encode() ([]byte, error) {
	if err := i.Layout.Validate(); err != nil {
		return nil, err
	}
	fixed := len(infoMagic) + 2 + 1 + 1 + 8 + 8 + 4 + len(i.Name) + int(numSections)*8
	total := fixed
	for s := Section(0); s < numSections; s++ {
		total += len(i.section(s))
	}
	if uint64(total) > 1<<32-1 {
		return nil, errors.Wrapf(ErrBadInfo, "%s: %d bytes", i.Name, total)
	}

	buf := make([]byte, 0, total)
	le := binary.LittleEndian
	buf = append(buf, infoMagic...)
	buf = le.AppendUint16(buf, infoVersion)
	var flags byte
	if i.Layout.Debug {
		flags |= layoutDebug
	}
	if i.Layout.BigEndian() {
		flags |= layoutBigEndian
	}
	buf = append(buf, flags, byte(i.Layout.WordSize))
	buf = le.AppendUint64(buf, uint64(i.Start))
	buf = le.AppendUint64(buf, i.Size)
	buf = le.AppendUint32(buf, uint32(len(i.Name)))
	buf = append(buf, i.Name...)

	off := fixed
	for s := Section(0); s < numSections; s++ {
		n := len(i.section(s))
		buf = le.AppendUint32(buf, uint32(off))
		buf = le.AppendUint32(buf, uint32(n))
		off += n
	}
	for s := Section(0); s < numSections; s++ {
		buf = append(buf, i.section(s)...)
	}
	return buf, nil
}

// Decode parses an info blob. Sections alias data.
func Decode(data []byte) (*Info, error) {
	le := binary.LittleEndian
	const head = len(infoMagic) + 2 + 1 + 1 + 8 + 8 + 4
	if len(data) < head || string(data[:4]) != infoMagic {
		return nil, errors.Wrap(ErrBadInfo, "bad header")
	}
	if v := le.Uint16(data[4:]); v != infoVersion {
		return nil, errors.Wrapf(ErrBadInfo, "version %d", v)
	}
	flags, wordSize := data[6], data[7]
	l, err := codec.NewLayout(flags&layoutDebug != 0, int(wordSize), flags&layoutBigEndian != 0)
	if err != nil {
		return nil, errors.Wrap(ErrBadInfo, err.Error())
	}
	info := &Info{
		Start:  gcmap.Address(le.Uint64(data[8:])),
		Size:   le.Uint64(data[16:]),
		Layout: l,
	}
	nameLen := int(le.Uint32(data[24:]))
	toc := head + nameLen
	if nameLen > len(data) || toc+int(numSections)*8 > len(data) {
		return nil, errors.Wrap(ErrBadInfo, "truncated")
	}
	info.Name = string(data[head:toc])

	for s := Section(0); s < numSections; s++ {
		entry := data[toc+int(s)*8:]
		off, n := uint64(le.Uint32(entry)), uint64(le.Uint32(entry[4:]))
		if off+n > uint64(len(data)) {
			return nil, errors.Wrapf(ErrBadInfo, "%s section out of range", s)
		}
		if n == 0 {
			continue
		}
		sec := data[off : off+n : off+n]
		switch s {
		case SectionFrameLayout:
			info.FrameLayout = sec
		case SectionRootMap:
			info.RootMap = sec
		case SectionBytecodeMap:
			info.BytecodeMap = sec
		}
	}
	return info, nil
}
