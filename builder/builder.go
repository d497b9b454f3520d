// ABOUTME: Root map builder turning per-instruction liveness into safepoint records
// ABOUTME: Walks each basic block backwards and registers calls and potential faults

package builder

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
	"github.com/prateek/rootmap/lir"
)

var (
	// ErrNotSafepoint is returned when registering an instruction that is not a call
	ErrNotSafepoint = errors.New("instruction is not a safepoint")
	// ErrDuplicateSafepoint is returned when an instruction is registered twice
	ErrDuplicateSafepoint = errors.New("safepoint registered twice")
	// ErrDuplicateOperand is returned when two live operands share a location
	ErrDuplicateOperand = errors.New("operand registered twice")
	// ErrNoStorage is returned for a live GC operand the frame cannot describe
	ErrNoStorage = errors.New("live GC operand has no frame location")
	// ErrUnknownOperand is returned when the live set names an operand the method does not have
	ErrUnknownOperand = errors.New("live set references unknown operand")
)

// Liveness supplies the operands live at the exit of each block.
type Liveness interface {
	LiveOut(b *lir.Block) *roaring.Bitmap
}

// Derivations supplies what the compiler tracked about interior pointers.
type Derivations interface {
	Derivation(inst *lir.Inst, v *lir.Var) lir.Derivation
}

// Options control what the builder emits.
type Options struct {
	// Debug attaches the debug side table to every record and registers
	// hardware exception points.
	Debug bool
	// Verbose logs the tracked bases and offsets of every record.
	Verbose bool
	Logger  log.Logger
}

// Builder builds the root map of one method.
type Builder struct {
	method      *lir.Method
	liveness    Liveness
	derivations Derivations
	opts        Options
	logger      log.Logger

	safepoints []*gcmap.Safepoint
	calls      map[int32]bool
	faults     map[int32]bool
}

// New creates a builder for m.
func New(m *lir.Method, liveness Liveness, derivations Derivations, opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{
		method:      m,
		liveness:    liveness,
		derivations: derivations,
		opts:        opts,
		logger:      log.With(logger, "method", m.Name),
		calls:       make(map[int32]bool),
		faults:      make(map[int32]bool),
	}
}

// Build walks every block of the method in reverse and returns the
// finished root map.
func (b *Builder) Build() (*gcmap.RootMap, error) {
	for _, blk := range b.method.Blocks {
		live := b.liveness.LiveOut(blk)
		for i := len(blk.Insts) - 1; i >= 0; i-- {
			inst := blk.Insts[i]
			if inst.Call {
				if err := b.RegisterSafepoint(inst, live); err != nil {
					return nil, errors.Wrapf(err, "block %d", blk.ID)
				}
			}
			if b.opts.Debug && inst.MayFault() {
				if err := b.RegisterHardwareExceptionPoint(inst); err != nil {
					return nil, errors.Wrapf(err, "block %d", blk.ID)
				}
			}
			lir.Update(inst, live)
		}
	}
	m := b.RootMap()
	level.Debug(b.logger).Log("msg", "built root map", "safepoints", len(m.Safepoints), "operands", m.NumOperands())
	return m, nil
}

// RegisterSafepoint records the operands of live that the collector must
// see while the thread is suspended in call inst. live holds the operands
// live immediately after the call.
func (b *Builder) RegisterSafepoint(inst *lir.Inst, live *roaring.Bitmap) error {
	if !inst.Call {
		return errors.Wrapf(ErrNotSafepoint, "inst %d", inst.ID)
	}
	if b.calls[inst.ID] {
		return errors.Wrapf(ErrDuplicateSafepoint, "inst %d", inst.ID)
	}

	sp := &gcmap.Safepoint{IP: inst.ReturnAddr()}
	if b.opts.Debug {
		sp.Debug = &gcmap.DebugInfo{InstID: inst.ID}
	}
	result := inst.Result()
	locs := make(map[gcmap.Location]int32)

	it := live.Iterator()
	for it.HasNext() {
		id := int32(it.Next())
		v := b.method.Var(id)
		if v == nil {
			return errors.Wrapf(ErrUnknownOperand, "inst %d operand %d", inst.ID, id)
		}
		if v == result || v.Uses == 0 || !v.Type.IsGC() || v.StaticField {
			continue
		}

		loc, err := location(inst, v)
		if err != nil {
			return errors.Wrapf(err, "inst %d operand %d", inst.ID, id)
		}
		if other, dup := locs[loc]; dup {
			return errors.Wrapf(ErrDuplicateOperand, "inst %d operands %d and %d at %s", inst.ID, other, id, loc)
		}
		locs[loc] = id

		op := gcmap.Object(loc)
		if v.Type == lir.TypeManagedPtr {
			op = gcmap.ManagedPointer(loc, gcmap.UnknownOffset)
			var d lir.Derivation
			if b.derivations != nil {
				d = b.derivations.Derivation(inst, v)
			}
			if d.Known {
				op.Offset = d.Offset
			}
			if b.opts.Verbose {
				b.logDerivation(inst, v, d)
			}
		}
		op.Compressed = v.Compressed

		sp.Operands = append(sp.Operands, op)
		if sp.Debug != nil {
			sp.Debug.OperandIDs = append(sp.Debug.OperandIDs, id)
		}
	}

	b.calls[inst.ID] = true
	b.safepoints = append(b.safepoints, sp)
	return nil
}

// RegisterHardwareExceptionPoint records a zero-operand record at a
// potentially faulting instruction so that stack walking can pass it.
func (b *Builder) RegisterHardwareExceptionPoint(inst *lir.Inst) error {
	if !inst.MayFault() {
		return errors.Wrapf(ErrNotSafepoint, "inst %d cannot fault", inst.ID)
	}
	if b.faults[inst.ID] {
		return errors.Wrapf(ErrDuplicateSafepoint, "inst %d", inst.ID)
	}
	b.faults[inst.ID] = true
	b.safepoints = append(b.safepoints, &gcmap.Safepoint{
		IP:    inst.Addr,
		Debug: &gcmap.DebugInfo{InstID: inst.ID, HardwareException: true},
	})
	return nil
}

// RootMap returns the records registered so far, with hardware exception
// points moved behind true safepoints at the same address.
func (b *Builder) RootMap() *gcmap.RootMap {
	return &gcmap.RootMap{Safepoints: orderFaultPoints(b.safepoints)}
}

func location(inst *lir.Inst, v *lir.Var) (gcmap.Location, error) {
	switch v.Storage {
	case lir.StorageRegister:
		return gcmap.InRegister(v.Reg), nil
	case lir.StorageSpill:
		return gcmap.OnStack(v.FrameOffset + inst.StackDepth), nil
	default:
		return gcmap.Location{}, ErrNoStorage
	}
}

func (b *Builder) logDerivation(inst *lir.Inst, v *lir.Var, d lir.Derivation) {
	if !d.Known || d.Base == nil {
		level.Debug(b.logger).Log("msg", "interior pointer", "inst", inst.ID, "ip", inst.ReturnAddr(), "operand", v.ID, "base", "unknown")
		return
	}
	level.Debug(b.logger).Log("msg", "interior pointer", "inst", inst.ID, "ip", inst.ReturnAddr(), "operand", v.ID, "base", d.Base.ID, "offset", d.Offset)
}

// orderFaultPoints keeps the builder order but moves every hardware
// exception record that shares its address with a true safepoint directly
// behind the last such safepoint.
func orderFaultPoints(in []*gcmap.Safepoint) []*gcmap.Safepoint {
	lastCall := make(map[gcmap.Address]int)
	for i, sp := range in {
		if !sp.IsHardwareException() {
			lastCall[sp.IP] = i
		}
	}
	deferred := make(map[int][]*gcmap.Safepoint)
	keep := make([]bool, len(in))
	for i, sp := range in {
		keep[i] = true
		if !sp.IsHardwareException() {
			continue
		}
		if j, ok := lastCall[sp.IP]; ok && j > i {
			deferred[j] = append(deferred[j], sp)
			keep[i] = false
		}
	}
	out := make([]*gcmap.Safepoint, 0, len(in))
	for i, sp := range in {
		if keep[i] {
			out = append(out, sp)
		}
		out = append(out, deferred[i]...)
	}
	return out
}
