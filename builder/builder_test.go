// ABOUTME: Tests for the root map builder
// ABOUTME: Builds small methods and checks classification, storage and ordering

package builder

import (
	"bytes"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/rootmap/gcmap"
	"github.com/prateek/rootmap/lir"
)

// fixedLiveness hands out the same live-out set for every block
type fixedLiveness struct {
	out *roaring.Bitmap
}

func (f fixedLiveness) LiveOut(*lir.Block) *roaring.Bitmap {
	return f.out.Clone()
}

func build(t *testing.T, m *lir.Method, d Derivations, opts Options) *gcmap.RootMap {
	t.Helper()
	rm, err := New(m, lir.ComputeLiveness(m), d, opts).Build()
	require.NoError(t, err)
	require.NoError(t, rm.Validate())
	return rm
}

func TestBuildClassifiesOperands(t *testing.T) {
	m := lir.NewMethod("classify")
	obj := m.NewRegVar(lir.TypeRef, 1)
	arr := m.NewSpillVar(lir.TypeRef, 8)
	elem := m.NewRegVar(lir.TypeManagedPtr, 2)
	merged := m.NewSpillVar(lir.TypeManagedPtr, 16)
	num := m.NewRegVar(lir.TypeScalar, 3)
	static := m.NewRegVar(lir.TypeManagedPtr, 4)
	static.StaticField = true
	res := m.NewRegVar(lir.TypeRef, 0)
	res.Compressed = true

	b := m.NewBlock()
	b.Append(&lir.Inst{Defs: []*lir.Var{obj, arr, num, static}})
	b.Append(&lir.Inst{Defs: []*lir.Var{elem, merged}, Uses: []*lir.Var{arr}})
	call := b.Append(&lir.Inst{Call: true, Defs: []*lir.Var{res}, StackDepth: 16})
	b.Append(&lir.Inst{Uses: []*lir.Var{obj, arr, elem, merged, num, static, res}})
	m.Layout(0x4000, 4)

	d := lir.NewDerivationTable()
	d.Set(elem, arr, 24)
	d.SetUnknown(merged)

	rm := build(t, m, d, Options{})
	require.Len(t, rm.Safepoints, 1)
	sp := rm.Safepoints[0]
	assert.Equal(t, call.ReturnAddr(), sp.IP)
	assert.Nil(t, sp.Debug)
	assert.Equal(t, []gcmap.Operand{
		gcmap.Object(gcmap.InRegister(1)),
		gcmap.Object(gcmap.OnStack(24)),
		gcmap.ManagedPointer(gcmap.InRegister(2), 24),
		gcmap.ManagedPointer(gcmap.OnStack(32), gcmap.UnknownOffset),
	}, sp.Operands)
}

func TestBuildSkipsUnusedOperands(t *testing.T) {
	m := lir.NewMethod("unused")
	dead := m.NewRegVar(lir.TypeRef, 1)
	used := m.NewRegVar(lir.TypeRef, 2)
	b := m.NewBlock()
	b.Append(&lir.Inst{Call: true, Uses: []*lir.Var{used}})
	m.Layout(0x100, 2)
	require.Equal(t, 0, dead.Uses)

	live := roaring.BitmapOf(uint32(dead.ID), uint32(used.ID))
	rm, err := New(m, fixedLiveness{live}, nil, Options{}).Build()
	require.NoError(t, err)
	require.Len(t, rm.Safepoints, 1)
	assert.Equal(t, []gcmap.Operand{gcmap.Object(gcmap.InRegister(2))}, rm.Safepoints[0].Operands)
}

func TestBuildNoDerivationsMeansUnknown(t *testing.T) {
	m := lir.NewMethod("untracked")
	p := m.NewRegVar(lir.TypeManagedPtr, 5)
	b := m.NewBlock()
	b.Append(&lir.Inst{Defs: []*lir.Var{p}})
	b.Append(&lir.Inst{Call: true})
	b.Append(&lir.Inst{Uses: []*lir.Var{p}})
	m.Layout(0, 1)

	rm := build(t, m, nil, Options{})
	require.Len(t, rm.Safepoints, 1)
	assert.True(t, rm.Safepoints[0].Operands[0].HasUnknownOffset())
}

func TestBuildAcrossBlocks(t *testing.T) {
	m := lir.NewMethod("blocks")
	a := m.NewRegVar(lir.TypeRef, 1)
	c := m.NewRegVar(lir.TypeRef, 2)

	entry := m.NewBlock()
	left := m.NewBlock()
	join := m.NewBlock()
	entry.Jump(left, join)
	left.Jump(join)

	entry.Append(&lir.Inst{Defs: []*lir.Var{a}})
	entry.Append(&lir.Inst{Call: true})
	left.Append(&lir.Inst{Defs: []*lir.Var{c}})
	left.Append(&lir.Inst{Call: true})
	left.Append(&lir.Inst{Uses: []*lir.Var{c}})
	join.Append(&lir.Inst{Call: true})
	join.Append(&lir.Inst{Uses: []*lir.Var{a}})
	m.Layout(0x10, 2)

	rm := build(t, m, nil, Options{})
	require.Len(t, rm.Safepoints, 3)

	assert.Equal(t, gcmap.Address(0x14), rm.Safepoints[0].IP)
	assert.Equal(t, []gcmap.Operand{gcmap.Object(gcmap.InRegister(1))}, rm.Safepoints[0].Operands)

	assert.Equal(t, gcmap.Address(0x18), rm.Safepoints[1].IP)
	assert.Equal(t, []gcmap.Operand{
		gcmap.Object(gcmap.InRegister(1)),
		gcmap.Object(gcmap.InRegister(2)),
	}, rm.Safepoints[1].Operands)

	assert.Equal(t, gcmap.Address(0x1c), rm.Safepoints[2].IP)
	assert.Equal(t, []gcmap.Operand{gcmap.Object(gcmap.InRegister(1))}, rm.Safepoints[2].Operands)
}

func TestBuildDebugFaultPoints(t *testing.T) {
	m := lir.NewMethod("faults")
	obj := m.NewRegVar(lir.TypeRef, 1)
	num := m.NewRegVar(lir.TypeScalar, 2)

	b := m.NewBlock()
	b.Append(&lir.Inst{Defs: []*lir.Var{obj, num}})
	call := b.Append(&lir.Inst{Call: true})
	load := b.Append(&lir.Inst{FaultBase: obj, Defs: []*lir.Var{num}})
	b.Append(&lir.Inst{FaultBase: num})
	b.Append(&lir.Inst{Uses: []*lir.Var{obj, num}})
	m.Layout(0x200, 4)
	require.Equal(t, call.ReturnAddr(), load.Addr)

	rm := build(t, m, nil, Options{Debug: true})
	require.Len(t, rm.Safepoints, 2)

	first, second := rm.Safepoints[0], rm.Safepoints[1]
	assert.False(t, first.IsHardwareException())
	assert.Equal(t, call.ID, first.Debug.InstID)
	assert.Equal(t, []int32{obj.ID}, first.Debug.OperandIDs)

	assert.True(t, second.IsHardwareException())
	assert.Equal(t, load.ID, second.Debug.InstID)
	assert.Equal(t, first.IP, second.IP)
	assert.Empty(t, second.Operands)

	// Release builds never see fault points.
	rm = build(t, m, nil, Options{})
	require.Len(t, rm.Safepoints, 1)
	assert.Nil(t, rm.Safepoints[0].Debug)
}

func TestBuildDebugCallWithHeapReceiver(t *testing.T) {
	m := lir.NewMethod("virtual")
	recv := m.NewRegVar(lir.TypeRef, 1)

	b := m.NewBlock()
	b.Append(&lir.Inst{Defs: []*lir.Var{recv}})
	call := b.Append(&lir.Inst{Call: true, FaultBase: recv})
	b.Append(&lir.Inst{Uses: []*lir.Var{recv}})
	m.Layout(0x300, 4)

	rm := build(t, m, nil, Options{Debug: true})
	require.Len(t, rm.Safepoints, 1)
	assert.False(t, rm.Safepoints[0].IsHardwareException())
	assert.Equal(t, call.ReturnAddr(), rm.Safepoints[0].IP)

	err := New(m, nil, nil, Options{Debug: true}).RegisterHardwareExceptionPoint(call)
	assert.True(t, errors.Is(err, ErrNotSafepoint))
}

func TestBuildVerboseLogsDerivations(t *testing.T) {
	m := lir.NewMethod("verbose")
	base := m.NewRegVar(lir.TypeRef, 1)
	p := m.NewRegVar(lir.TypeManagedPtr, 2)
	b := m.NewBlock()
	b.Append(&lir.Inst{Defs: []*lir.Var{base, p}})
	b.Append(&lir.Inst{Call: true})
	b.Append(&lir.Inst{Uses: []*lir.Var{base, p}})
	m.Layout(0, 1)

	d := lir.NewDerivationTable()
	d.Set(p, base, 8)

	var buf bytes.Buffer
	build(t, m, d, Options{Verbose: true, Logger: log.NewLogfmtLogger(&buf)})
	assert.Contains(t, buf.String(), "msg=\"interior pointer\"")
	assert.Contains(t, buf.String(), "method=verbose")
	assert.Contains(t, buf.String(), "offset=8")
}

func TestRegisterErrors(t *testing.T) {
	m := lir.NewMethod("errors")
	a := m.NewRegVar(lir.TypeRef, 1)
	clash := m.NewRegVar(lir.TypeRef, 1)
	homeless := m.NewVar(lir.TypeRef)
	b := m.NewBlock()
	plain := b.Append(&lir.Inst{Uses: []*lir.Var{a, clash, homeless}})
	call := b.Append(&lir.Inst{Call: true})
	m.Layout(0, 1)

	bld := New(m, nil, nil, Options{})

	err := bld.RegisterSafepoint(plain, roaring.New())
	assert.True(t, errors.Is(err, ErrNotSafepoint))

	err = bld.RegisterHardwareExceptionPoint(plain)
	assert.True(t, errors.Is(err, ErrNotSafepoint))

	require.NoError(t, bld.RegisterSafepoint(call, roaring.New()))
	err = bld.RegisterSafepoint(call, roaring.New())
	assert.True(t, errors.Is(err, ErrDuplicateSafepoint))

	call2 := &lir.Inst{ID: 10, Call: true}
	err = bld.RegisterSafepoint(call2, roaring.BitmapOf(uint32(a.ID), uint32(clash.ID)))
	assert.True(t, errors.Is(err, ErrDuplicateOperand))

	call3 := &lir.Inst{ID: 11, Call: true}
	err = bld.RegisterSafepoint(call3, roaring.BitmapOf(uint32(homeless.ID)))
	assert.True(t, errors.Is(err, ErrNoStorage))

	call4 := &lir.Inst{ID: 12, Call: true}
	err = bld.RegisterSafepoint(call4, roaring.BitmapOf(77))
	assert.True(t, errors.Is(err, ErrUnknownOperand))

	// failed registrations leave nothing behind and can be retried
	assert.Len(t, bld.RootMap().Safepoints, 1)
	require.NoError(t, bld.RegisterSafepoint(call2, roaring.BitmapOf(uint32(a.ID))))
	require.NoError(t, bld.RegisterSafepoint(call4, roaring.New()))
	assert.Len(t, bld.RootMap().Safepoints, 3)
}

func TestOrderFaultPoints(t *testing.T) {
	fault := func(ip gcmap.Address) *gcmap.Safepoint {
		return &gcmap.Safepoint{IP: ip, Debug: &gcmap.DebugInfo{HardwareException: true}}
	}
	call := func(ip gcmap.Address) *gcmap.Safepoint {
		return &gcmap.Safepoint{IP: ip, Debug: &gcmap.DebugInfo{}}
	}
	f1, c1, f2, c2, f3 := fault(0x10), call(0x10), fault(0x20), call(0x30), fault(0x30)

	got := orderFaultPoints([]*gcmap.Safepoint{f1, c1, f2, c2, f3})
	assert.Equal(t, []*gcmap.Safepoint{c1, f1, f2, c2, f3}, got)
}
