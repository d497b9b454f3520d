// ABOUTME: Tests for method info blobs, the code range index and the bolt store
// ABOUTME: Uses small hand-built root maps

package methodinfo

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/rootmap/codec"
	"github.com/prateek/rootmap/gcmap"
)

func testRootMap(base gcmap.Address) *gcmap.RootMap {
	return &gcmap.RootMap{Safepoints: []*gcmap.Safepoint{
		{IP: base + 0x10, Operands: []gcmap.Operand{gcmap.Object(gcmap.InRegister(1))}},
		{IP: base + 0x24},
	}}
}

func testInfo(t *testing.T, name string, start gcmap.Address, size uint64) *Info {
	info, err := NewInfo(name, start, size, codec.Release, testRootMap(start))
	require.NoError(t, err)
	info.FrameLayout = []byte{1, 2, 3}
	info.BytecodeMap = []byte("bc:" + name)
	return info
}

func TestInfoEncodeDecode(t *testing.T) {
	info := testInfo(t, "pkg.Foo", 0x4000, 0x80)
	blob, err := info.Encode()
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, info.Name, got.Name)
	assert.Equal(t, info.Start, got.Start)
	assert.Equal(t, info.Size, got.Size)
	assert.Equal(t, info.Layout.String(), got.Layout.String())
	assert.Equal(t, info.FrameLayout, got.FrameLayout)
	assert.Equal(t, info.RootMap, got.RootMap)
	assert.Equal(t, info.BytecodeMap, got.BytecodeMap)

	roots, err := got.Roots()
	require.NoError(t, err)
	sp, err := roots.Find(0x4010)
	require.NoError(t, err)
	if diff := cmp.Diff(testRootMap(0x4000).Safepoints[0], sp); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestInfoSectionsIndependent(t *testing.T) {
	info := testInfo(t, "pkg.Foo", 0x4000, 0x80)
	info.FrameLayout = nil
	info.BytecodeMap = bytes.Repeat([]byte{0xee}, 64)
	blob, err := info.Encode()
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Nil(t, got.FrameLayout)
	assert.Equal(t, info.RootMap, got.RootMap)
	assert.Len(t, got.BytecodeMap, 64)
}

func TestInfoDebugLayout(t *testing.T) {
	l, err := codec.NewLayout(true, 4, true)
	require.NoError(t, err)
	info, err := NewInfo("pkg.Bar", 0x100, 0x40, l, testRootMap(0x100))
	require.NoError(t, err)
	blob, err := info.Encode()
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, "debug/be/32", got.Layout.String())
	_, err = got.Roots()
	assert.NoError(t, err)
}

func TestDecodeErrors(t *testing.T) {
	blob, err := testInfo(t, "pkg.Foo", 0x4000, 0x80).Encode()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:10] }},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"version", func(b []byte) []byte { b[4] = 9; return b }},
		{"word size", func(b []byte) []byte { b[7] = 3; return b }},
		{"name length", func(b []byte) []byte { b[27] = 0x7f; return b }},
		{"truncated sections", func(b []byte) []byte { return b[:len(b)-2] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.mutate(append([]byte(nil), blob...)))
			assert.True(t, errors.Is(err, ErrBadInfo), "got %v", err)
		})
	}
}

func TestIndexLookup(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Publish(testInfo(t, "b", 0x2000, 0x100)))
	require.NoError(t, x.Publish(testInfo(t, "a", 0x1000, 0x100)))
	require.NoError(t, x.Publish(testInfo(t, "c", 0x2100, 0x10)))

	tests := []struct {
		pc   gcmap.Address
		want string
	}{
		{0x1000, "a"},
		{0x10ff, "a"},
		{0x1100, ""},
		{0x2000, "b"},
		{0x2100, "c"},
		{0x210f, "c"},
		{0x2110, ""},
		{0x0fff, ""},
	}
	for _, tt := range tests {
		m, ok := x.Lookup(tt.pc)
		if tt.want == "" {
			assert.False(t, ok, "pc %s", tt.pc)
			continue
		}
		require.True(t, ok, "pc %s", tt.pc)
		assert.Equal(t, tt.want, m.Info.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, x.Names())
}

func TestIndexLookupReturn(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Publish(testInfo(t, "a", 0x1000, 0x100)))
	require.NoError(t, x.Publish(testInfo(t, "b", 0x1100, 0x100)))

	tests := []struct {
		ret  gcmap.Address
		want string
	}{
		{0x1000, ""},
		{0x1001, "a"},
		{0x1100, "a"}, // call ending a
		{0x1101, "b"},
		{0x1200, "b"},
		{0x1201, ""},
		{0, ""},
	}
	for _, tt := range tests {
		m, ok := x.LookupReturn(tt.ret)
		if tt.want == "" {
			assert.False(t, ok, "ret %s", tt.ret)
			continue
		}
		require.True(t, ok, "ret %s", tt.ret)
		assert.Equal(t, tt.want, m.Info.Name)
		assert.True(t, m.Info.ContainsReturn(tt.ret))
	}

	info := testInfo(t, "c", 0x3000, 0x10)
	assert.False(t, info.Contains(0x3010))
	assert.True(t, info.ContainsReturn(0x3010))
	assert.False(t, info.ContainsReturn(0x3000))
}

func TestIndexReplaceAndRemove(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Publish(testInfo(t, "f", 0x1000, 0x100)))
	require.NoError(t, x.Publish(testInfo(t, "f", 0x5000, 0x100)))
	assert.Equal(t, 1, x.Len())

	_, ok := x.Lookup(0x1010)
	assert.False(t, ok)
	m, ok := x.Lookup(0x5010)
	require.True(t, ok)
	sp, err := m.Roots.Find(0x5010)
	require.NoError(t, err)
	assert.Len(t, sp.Operands, 1)

	assert.True(t, x.Remove("f"))
	assert.False(t, x.Remove("f"))
	assert.Equal(t, 0, x.Len())
}

func TestIndexOverlap(t *testing.T) {
	x := NewIndex()
	require.NoError(t, x.Publish(testInfo(t, "a", 0x1000, 0x100)))
	err := x.Publish(testInfo(t, "b", 0x10f0, 0x100))
	assert.True(t, errors.Is(err, ErrOverlap))
	err = x.Publish(testInfo(t, "c", 0x0f00, 0x101))
	assert.True(t, errors.Is(err, ErrOverlap))
	assert.Equal(t, 1, x.Len())
}

func TestIndexRejectsCorruptRootMap(t *testing.T) {
	info := testInfo(t, "bad", 0x1000, 0x10)
	info.RootMap = []byte{1, 2, 3}
	assert.True(t, errors.Is(NewIndex().Publish(info), codec.ErrCorrupt))
}

func TestIndexConcurrentLookup(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				start := gcmap.Address(0x10000*(w+1) + 0x100*i)
				if err := x.Publish(testInfo(t, fmt.Sprintf("m%d_%d", w, i), start, 0x80)); err != nil {
					t.Error(err)
					return
				}
				if m, ok := x.Lookup(start + 0x10); !ok || m.Info.Start != start {
					t.Errorf("lookup of %s failed", start)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 200, x.Len())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "methods.db")
	s, err := OpenBoltStore(path, false, nil)
	require.NoError(t, err)

	require.NoError(t, s.Put(testInfo(t, "pkg.B", 0x2000, 0x100)))
	require.NoError(t, s.Put(testInfo(t, "pkg.A", 0x1000, 0x100)))

	got, err := s.Get("pkg.A")
	require.NoError(t, err)
	assert.Equal(t, gcmap.Address(0x1000), got.Start)
	assert.Equal(t, []byte("bc:pkg.A"), got.BytecodeMap)

	_, err = s.Get("pkg.Missing")
	assert.True(t, errors.Is(err, ErrNoMethod))

	var names []string
	require.NoError(t, s.ForEach(func(info *Info) error {
		names = append(names, info.Name)
		return nil
	}))
	assert.Equal(t, []string{"pkg.A", "pkg.B"}, names)

	require.NoError(t, s.Delete("pkg.B"))
	require.NoError(t, s.Close())

	ro, err := OpenBoltStore(path, true, nil)
	require.NoError(t, err)
	defer ro.Close()
	x := NewIndex()
	n, err := ro.LoadInto(x)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := x.Lookup(0x1010)
	assert.True(t, ok)
}
