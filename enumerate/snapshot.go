// ABOUTME: In-memory frame and heap image implementing Resolver and Memory
// ABOUTME: Loadable from YAML so captured frames can be replayed offline

package enumerate

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/prateek/rootmap/gcmap"
)

var (
	// ErrNoRegisterSlot is returned for registers the snapshot did not capture
	ErrNoRegisterSlot = errors.New("register not captured")
	// ErrUnmapped is returned when reading a slot outside the snapshot
	ErrUnmapped = errors.New("address not in snapshot")
)

// Snapshot is a captured frame. Registers maps each register to the address
// of the slot its value was saved to, and Words holds every readable slot.
// Compressed values decode as HeapBase + value<<Shift, with zero staying
// null.
type Snapshot struct {
	SP        gcmap.Address                    `yaml:"sp"`
	Registers map[gcmap.Register]gcmap.Address `yaml:"registers"`
	Words     map[gcmap.Address]uint64         `yaml:"words"`
	HeapBase  gcmap.Address                    `yaml:"heap_base,omitempty"`
	Shift     uint                             `yaml:"shift,omitempty"`
}

var (
	_ Resolver = (*Snapshot)(nil)
	_ Memory   = (*Snapshot)(nil)
)

// NewSnapshot returns an empty snapshot with the given stack pointer.
func NewSnapshot(sp gcmap.Address) *Snapshot {
	return &Snapshot{
		SP:        sp,
		Registers: make(map[gcmap.Register]gcmap.Address),
		Words:     make(map[gcmap.Address]uint64),
	}
}

// LoadSnapshot decodes a YAML snapshot.
func LoadSnapshot(r io.Reader) (*Snapshot, error) {
	s := NewSnapshot(0)
	if err := yaml.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}
	return s, nil
}

// SetRegister stores v in a save slot for reg.
func (s *Snapshot) SetRegister(reg gcmap.Register, slot, v gcmap.Address) {
	s.Registers[reg] = slot
	s.Words[slot] = uint64(v)
}

// SetStack stores v at the given distance from the stack pointer.
func (s *Snapshot) SetStack(distance int32, v uint64) {
	s.Words[s.SP.Add(int64(distance))] = v
}

// RegisterSlot implements Resolver.
func (s *Snapshot) RegisterSlot(reg gcmap.Register) (gcmap.Address, error) {
	slot, ok := s.Registers[reg]
	if !ok {
		return 0, errors.Wrapf(ErrNoRegisterSlot, "r%d", reg)
	}
	return slot, nil
}

// StackSlot implements Resolver.
func (s *Snapshot) StackSlot(distance int32) (gcmap.Address, error) {
	return s.SP.Add(int64(distance)), nil
}

// ReadPointer implements Memory.
func (s *Snapshot) ReadPointer(slot gcmap.Address, compressed bool) (gcmap.Address, error) {
	v, ok := s.Words[slot]
	if !ok {
		return 0, errors.Wrapf(ErrUnmapped, "%s", slot)
	}
	if compressed && v != 0 {
		return s.HeapBase + gcmap.Address(uint32(v))<<s.Shift, nil
	}
	return gcmap.Address(v), nil
}

// Root is one reported root.
type Root struct {
	Slot       gcmap.Address
	Kind       gcmap.Kind
	Offset     int64
	Compressed bool
}

// Recorder is a Collector that keeps every root in report order.
type Recorder struct {
	Roots []Root
}

var _ Collector = (*Recorder)(nil)

// EnumerateObjectRoot implements Collector.
func (r *Recorder) EnumerateObjectRoot(slot gcmap.Address, compressed bool) {
	r.Roots = append(r.Roots, Root{Slot: slot, Kind: gcmap.KindObject, Compressed: compressed})
}

// EnumerateInteriorRoot implements Collector.
func (r *Recorder) EnumerateInteriorRoot(slot gcmap.Address, offset int64) {
	r.Roots = append(r.Roots, Root{Slot: slot, Kind: gcmap.KindManagedPointer, Offset: offset})
}
