// ABOUTME: Subcommands that read, check and convert root map files
// ABOUTME: inspect, verify, encode, decode, locate and enumerate

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/prateek/rootmap/codec"
	"github.com/prateek/rootmap/config"
	"github.com/prateek/rootmap/enumerate"
	"github.com/prateek/rootmap/gcmap"
)

func openFile(path string) (*codec.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	file, err := codec.Open(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return file, nil
}

func parseAddress(s string) (gcmap.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "address %q", s)
	}
	return gcmap.Address(v), nil
}

func recordKind(sp *gcmap.Safepoint) string {
	if sp.IsHardwareException() {
		return "fault"
	}
	return "call"
}

func operandList(sp *gcmap.Safepoint) string {
	return strings.Join(lo.Map(sp.Operands, func(op gcmap.Operand, _ int) string {
		return op.String()
	}), ", ")
}

func inspect(out io.Writer, path, format string) error {
	file, err := openFile(path)
	if err != nil {
		return err
	}
	if format == "dump" {
		return file.RootMap.Dump(out)
	}

	m := file.RootMap
	fmt.Fprintln(out, "layout:", file.Layout)
	fmt.Fprintln(out, "records:", len(m.Safepoints))
	fmt.Fprintln(out, "operands:", m.NumOperands())
	fmt.Fprintln(out, "encoded size:", humanize.Bytes(uint64(file.Layout.Size(m))))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "IP", "Kind", "Inst", "Roots", "Operands"})
	for i, sp := range m.Safepoints {
		inst := "-"
		if sp.Debug != nil {
			inst = strconv.Itoa(int(sp.Debug.InstID))
		}
		table.Append([]string{
			strconv.Itoa(i),
			sp.IP.String(),
			recordKind(sp),
			inst,
			strconv.Itoa(len(sp.Operands)),
			operandList(sp),
		})
	}
	table.Render()
	return nil
}

func verify(out io.Writer, path string) error {
	file, err := openFile(path)
	if err != nil {
		return err
	}
	if err := file.RootMap.Validate(); err != nil {
		return errors.Wrap(err, path)
	}
	blob, err := roundTrip(file.Layout, file.RootMap)
	if err != nil {
		return errors.Wrap(err, path)
	}
	fmt.Fprintf(out, "%s: ok, %d records, %s %s\n", path, len(file.RootMap.Safepoints),
		humanize.Bytes(uint64(len(blob))), file.Layout)
	return nil
}

// roundTrip encodes m and checks that decoding gives back the same map.
func roundTrip(l codec.Layout, m *gcmap.RootMap) ([]byte, error) {
	blob, err := l.Marshal(m)
	if err != nil {
		return nil, err
	}
	back, err := l.Deserialize(blob)
	if err != nil {
		return nil, errors.Wrap(err, "re-decoding")
	}
	if diff := cmp.Diff(m, back, cmpopts.EquateEmpty()); diff != "" {
		return nil, errors.Errorf("re-decoded map differs (-file +decoded):\n%s", diff)
	}
	return blob, nil
}

func encode(cfg *config.Config, in, out string, relayout bool) error {
	file, err := openFile(in)
	if err != nil {
		return err
	}
	l := file.Layout
	if relayout {
		if l, err = cfg.EncodingLayout(); err != nil {
			return err
		}
	}
	if err := file.RootMap.Validate(); err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := codec.WriteEnvelope(f, l, file.RootMap); err != nil {
		f.Close()
		return err
	}
	level.Info(logger).Log("msg", "wrote root map", "file", out, "layout", l, "records", len(file.RootMap.Safepoints))
	return f.Close()
}

func decode(out io.Writer, in string) error {
	file, err := openFile(in)
	if err != nil {
		return err
	}
	return codec.WriteJSON(out, file.Layout, file.RootMap)
}

// findRecord serializes the file's map and looks ip up in the blob.
func findRecord(path, ipArg string) (*gcmap.Safepoint, error) {
	ip, err := parseAddress(ipArg)
	if err != nil {
		return nil, err
	}
	file, err := openFile(path)
	if err != nil {
		return nil, err
	}
	blob, err := file.Layout.Marshal(file.RootMap)
	if err != nil {
		return nil, err
	}
	return file.Layout.Find(blob, ip)
}

func locate(out io.Writer, path, ipArg string) error {
	sp, err := findRecord(path, ipArg)
	if errors.Is(err, codec.ErrNotFound) {
		fmt.Fprintf(out, "no safepoint at %s, frame has no roots\n", ipArg)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, sp)
	return nil
}

func enumerateFrame(out io.Writer, path, ipArg, snapshotPath string) error {
	sp, err := findRecord(path, ipArg)
	if err != nil {
		return err
	}
	f, err := os.Open(snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	snap, err := enumerate.LoadSnapshot(f)
	if err != nil {
		return err
	}

	var rec enumerate.Recorder
	stats, err := enumerate.Enumerate(sp, snap, snap, &rec)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Slot", "Kind", "Offset", "Compressed"})
	for _, r := range rec.Roots {
		offset := "-"
		if r.Kind == gcmap.KindManagedPointer {
			offset = strconv.FormatInt(r.Offset, 10)
		}
		table.Append([]string{r.Slot.String(), r.Kind.String(), offset, strconv.FormatBool(r.Compressed)})
	}
	table.Render()
	fmt.Fprintf(out, "%d objects, %d interior pointers, %d offsets resolved\n", stats.Objects, stats.Interior, stats.Resolved)
	return nil
}
