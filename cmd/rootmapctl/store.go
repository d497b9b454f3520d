// ABOUTME: Subcommands operating on the method info database
// ABOUTME: Stores root maps as methods and resolves program counters

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prateek/rootmap/codec"
	"github.com/prateek/rootmap/config"
	"github.com/prateek/rootmap/methodinfo"
)

type storePutParams struct {
	file  string
	name  string
	start string
	size  uint64
}

func addStorePutParams(cmd *kingpin.CmdClause) *storePutParams {
	p := &storePutParams{}
	cmd.Arg("file", "binary or JSON root map").Required().ExistingFileVar(&p.file)
	cmd.Flag("name", "Method name.").Required().StringVar(&p.name)
	cmd.Flag("start", "Code start address.").Required().StringVar(&p.start)
	cmd.Flag("size", "Code size in bytes.").Required().Uint64Var(&p.size)
	return p
}

func storePut(cfg *config.Config, p *storePutParams) error {
	start, err := parseAddress(p.start)
	if err != nil {
		return err
	}
	file, err := openFile(p.file)
	if err != nil {
		return err
	}
	info, err := methodinfo.NewInfo(p.name, start, p.size, file.Layout, file.RootMap)
	if err != nil {
		return err
	}
	s, err := methodinfo.OpenBoltStore(cfg.Store.Path, false, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Put(info)
}

func storeList(out io.Writer, cfg *config.Config) error {
	s, err := methodinfo.OpenBoltStore(cfg.Store.Path, true, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Method", "Start", "End", "Code", "Layout", "Records", "Root map"})
	err = s.ForEach(func(info *methodinfo.Info) error {
		records := "?"
		if r, err := info.Roots(); err == nil {
			records = strconv.Itoa(r.Len())
		}
		table.Append([]string{
			info.Name,
			info.Start.String(),
			info.End().String(),
			humanize.Bytes(info.Size),
			info.Layout.String(),
			records,
			humanize.Bytes(uint64(len(info.RootMap))),
		})
		return nil
	})
	if err != nil {
		return err
	}
	table.Render()
	return nil
}

func storeLookup(out io.Writer, cfg *config.Config, pcArg string) error {
	pc, err := parseAddress(pcArg)
	if err != nil {
		return err
	}
	s, err := methodinfo.OpenBoltStore(cfg.Store.Path, true, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	index := methodinfo.NewIndex()
	if _, err := s.LoadInto(index); err != nil {
		return err
	}
	m, ok := index.Lookup(pc)
	if !ok {
		m, ok = index.LookupReturn(pc)
	}
	if !ok {
		return errors.Errorf("%s is not in any stored method", pc)
	}
	sp, err := m.Roots.Find(pc)
	if errors.Is(err, codec.ErrNotFound) {
		fmt.Fprintf(out, "%s+%#x: no safepoint, frame has no roots\n", m.Info.Name, uint64(pc-m.Info.Start))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s+%#x: %s\n", m.Info.Name, uint64(pc-m.Info.Start), sp)
	return nil
}
