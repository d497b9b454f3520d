// ABOUTME: End-to-end tests for the rootmapctl subcommands
// ABOUTME: Runs commands against the testdata fixtures and temporary files

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateek/rootmap/codec"
	"github.com/prateek/rootmap/gcmap"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	code := run(args, &out)
	require.Equal(t, 0, code, "rootmapctl %v:\n%s", args, out.String())
	return out.String()
}

func TestEncodeInspectVerify(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "frame.gcmap")
	runCmd(t, "encode", "testdata/frame.json", bin)

	out := runCmd(t, "inspect", bin)
	assert.Contains(t, out, "layout: debug/le/64")
	assert.Contains(t, out, "records: 4")
	assert.Contains(t, out, "fault")
	assert.Contains(t, out, "mptr@[sp+8]+?")

	out = runCmd(t, "inspect", "--format=dump", bin)
	assert.Contains(t, out, "hwexc")

	out = runCmd(t, "verify", bin, "testdata/frame.json")
	assert.Contains(t, out, bin+": ok, 4 records")
}

func TestRoundTripComparesRecords(t *testing.T) {
	sp := func(op gcmap.Operand) *gcmap.RootMap {
		return &gcmap.RootMap{Safepoints: []*gcmap.Safepoint{{IP: 0x10, Operands: []gcmap.Operand{op}}}}
	}

	blob, err := roundTrip(codec.Release, sp(gcmap.ManagedPointer(gcmap.OnStack(8), 24)))
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	// same counts, but the offset does not survive encoding
	lossy := sp(gcmap.Object(gcmap.InRegister(2)))
	lossy.Safepoints[0].Operands[0].Offset = 16
	_, err = roundTrip(codec.Release, lossy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-decoded map differs")

	// debug fields missing from the source come back as zeros
	_, err = roundTrip(codec.Debug, sp(gcmap.Object(gcmap.InRegister(2))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Debug")
}

func TestEncodeRelayout(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "frame.gcmap")
	runCmd(t, "--layout.word-size=4", "encode", "--relayout", "testdata/frame.json", bin)

	out := runCmd(t, "inspect", bin)
	assert.Contains(t, out, "layout: release/le/32")
}

func TestDecode(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "frame.gcmap")
	runCmd(t, "encode", "testdata/frame.json", bin)

	out := runCmd(t, "decode", bin)
	assert.Contains(t, out, `"ip": "0x1040"`)
	assert.Contains(t, out, `"hardware_exception": true`)
}

func TestLocate(t *testing.T) {
	out := runCmd(t, "locate", "testdata/frame.json", "0x1010")
	assert.Contains(t, out, "ip=0x1010")
	assert.Contains(t, out, "mptr@r2+16")

	out = runCmd(t, "locate", "testdata/frame.json", "0x1011")
	assert.Contains(t, out, "no safepoint at 0x1011")
}

func TestEnumerate(t *testing.T) {
	out := runCmd(t, "enumerate", "testdata/frame.json", "0x1040", "testdata/frame.yaml")
	assert.Contains(t, out, "0x7f08")
	assert.Contains(t, out, "48")
	assert.Contains(t, out, "1 objects, 1 interior pointers, 1 offsets resolved")
}

func TestStore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "methods.db")
	runCmd(t, "--store.path="+db, "store", "put", "--name=pkg.Frame", "--start=0x1000", "--size=128", "testdata/frame.json")

	out := runCmd(t, "--store.path="+db, "store", "list")
	assert.Contains(t, out, "pkg.Frame")
	assert.Contains(t, out, "debug/le/64")

	out = runCmd(t, "--store.path="+db, "store", "lookup", "0x1040")
	assert.Contains(t, out, "pkg.Frame+0x40")

	out = runCmd(t, "--store.path="+db, "store", "lookup", "0x1044")
	assert.Contains(t, out, "no safepoint")

	var buf bytes.Buffer
	assert.Equal(t, 1, run([]string{"--store.path=" + db, "store", "lookup", "0x9000"}, &buf))
}

func TestConfigFile(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, 1, run([]string{"--config.file=testdata/missing.yaml", "inspect", "testdata/frame.json"}, &buf))
	assert.Equal(t, 2, run([]string{"inspect"}, &buf))
}
