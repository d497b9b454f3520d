// ABOUTME: Command line tool for inspecting, converting and replaying root maps
// ABOUTME: Subcommands operate on binary envelopes, JSON fixtures and the method store

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prateek/rootmap"
	"github.com/prateek/rootmap/config"
)

var (
	consoleOutput io.Writer = os.Stderr
	logger                  = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	cfg := config.Default()
	var configFile string

	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for GC root maps of compiled methods.").UsageWriter(out)
	app.Version(rootmap.Version)
	app.HelpFlag.Short('h')
	app.Flag("config.file", "YAML configuration file; its values override flags.").StringVar(&configFile)
	cfg.RegisterFlags(app)

	inspectCmd := app.Command("inspect", "Print the records of a root map file.")
	inspectFile := inspectCmd.Arg("file", "binary or JSON root map").Required().ExistingFile()
	inspectFormat := inspectCmd.Flag("format", "Output format.").Default("table").Enum("table", "dump")

	verifyCmd := app.Command("verify", "Check a root map file's invariants and encoding.")
	verifyFiles := verifyCmd.Arg("file", "binary or JSON root map").Required().ExistingFiles()

	encodeCmd := app.Command("encode", "Convert a root map file to the binary envelope.")
	encodeIn := encodeCmd.Arg("in", "input file").Required().ExistingFile()
	encodeOut := encodeCmd.Arg("out", "output file").Required().String()
	encodeRelayout := encodeCmd.Flag("relayout", "Encode with the configured layout instead of the input's.").Bool()

	decodeCmd := app.Command("decode", "Convert a root map file to a JSON fixture on stdout.")
	decodeIn := decodeCmd.Arg("in", "input file").Required().ExistingFile()

	locateCmd := app.Command("locate", "Find the record for an instruction address.")
	locateFile := locateCmd.Arg("file", "binary or JSON root map").Required().ExistingFile()
	locateIP := locateCmd.Arg("ip", "instruction address").Required().String()

	enumerateCmd := app.Command("enumerate", "Replay enumeration of one record against a captured frame.")
	enumerateFile := enumerateCmd.Arg("file", "binary or JSON root map").Required().ExistingFile()
	enumerateIP := enumerateCmd.Arg("ip", "instruction address").Required().String()
	enumerateSnapshot := enumerateCmd.Arg("snapshot", "YAML frame snapshot").Required().ExistingFile()

	storeCmd := app.Command("store", "Operate on the method info database.")
	storePutCmd := storeCmd.Command("put", "Store a root map as a method.")
	putParams := addStorePutParams(storePutCmd)
	storeListCmd := storeCmd.Command("list", "List stored methods.")
	storeLookupCmd := storeCmd.Command("lookup", "Find the method and record for a pc.")
	storeLookupPC := storeLookupCmd.Arg("pc", "program counter").Required().String()

	parsedCmd, err := app.Parse(args)
	if err != nil {
		fmt.Fprintf(consoleOutput, "error: %v\n", err)
		return 2
	}
	if configFile != "" {
		if err := cfg.Load(configFile); err != nil {
			return checkError(err)
		}
	}
	logger = cfg.NewLogger(consoleOutput)

	switch parsedCmd {
	case inspectCmd.FullCommand():
		return checkError(inspect(out, *inspectFile, *inspectFormat))
	case verifyCmd.FullCommand():
		for _, f := range *verifyFiles {
			if err := verify(out, f); err != nil {
				return checkError(err)
			}
		}
		return 0
	case encodeCmd.FullCommand():
		return checkError(encode(&cfg, *encodeIn, *encodeOut, *encodeRelayout))
	case decodeCmd.FullCommand():
		return checkError(decode(out, *decodeIn))
	case locateCmd.FullCommand():
		return checkError(locate(out, *locateFile, *locateIP))
	case enumerateCmd.FullCommand():
		return checkError(enumerateFrame(out, *enumerateFile, *enumerateIP, *enumerateSnapshot))
	case storePutCmd.FullCommand():
		return checkError(storePut(&cfg, putParams))
	case storeListCmd.FullCommand():
		return checkError(storeList(out, &cfg))
	case storeLookupCmd.FullCommand():
		return checkError(storeLookup(out, &cfg, *storeLookupPC))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		return 1
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(consoleOutput, "error: %v\n", err)
	return 1
}
