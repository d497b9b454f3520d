// ABOUTME: Configuration for root map tooling loaded from YAML and flags
// ABOUTME: Selects the encoding layout, builder options, store path and logging

package config

import (
	"io"
	"os"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/prateek/rootmap/builder"
	"github.com/prateek/rootmap/codec"
)

// ErrInvalid is returned by Validate
var ErrInvalid = errors.New("invalid configuration")

// Config is the top level configuration.
type Config struct {
	Layout   LayoutConfig  `yaml:"layout"`
	Builder  BuilderConfig `yaml:"builder"`
	Store    StoreConfig   `yaml:"store"`
	LogLevel string        `yaml:"log_level"`
}

// LayoutConfig picks the binary encoding.
type LayoutConfig struct {
	Debug     bool `yaml:"debug"`
	WordSize  int  `yaml:"word_size"`
	BigEndian bool `yaml:"big_endian"`
}

// BuilderConfig controls root map construction.
type BuilderConfig struct {
	Verbose bool `yaml:"verbose"`
}

// StoreConfig locates the method info database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Layout:   LayoutConfig{WordSize: 8},
		Store:    StoreConfig{Path: "rootmap.db"},
		LogLevel: "info",
	}
}

// RegisterFlags binds every option to a flag of app, defaulting to the
// current values of cfg.
func (cfg *Config) RegisterFlags(app *kingpin.Application) {
	app.Flag("layout.debug", "Encode root maps with the debug layout.").
		Default(boolString(cfg.Layout.Debug)).BoolVar(&cfg.Layout.Debug)
	app.Flag("layout.word-size", "Word size of the encoding in bytes (4 or 8).").
		Default(itoa(cfg.Layout.WordSize)).IntVar(&cfg.Layout.WordSize)
	app.Flag("layout.big-endian", "Store words most significant byte first.").
		Default(boolString(cfg.Layout.BigEndian)).BoolVar(&cfg.Layout.BigEndian)
	app.Flag("builder.verbose", "Log tracked bases and offsets while building.").
		Default(boolString(cfg.Builder.Verbose)).BoolVar(&cfg.Builder.Verbose)
	app.Flag("store.path", "Path of the method info database.").
		Default(cfg.Store.Path).StringVar(&cfg.Store.Path)
	app.Flag("log.level", "Only log messages with the given severity or above. One of: [debug, info, warn, error]").
		Default(cfg.LogLevel).EnumVar(&cfg.LogLevel, "debug", "info", "warn", "error")
}

// Load reads a YAML file over the current values of cfg and validates the
// result. Unknown keys are rejected.
func (cfg *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening config")
	}
	defer f.Close()
	return cfg.Decode(f)
}

// Decode reads YAML from r over the current values of cfg.
func (cfg *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrap(err, "parsing config")
	}
	return cfg.Validate()
}

// Validate checks option values.
func (cfg *Config) Validate() error {
	if _, err := cfg.EncodingLayout(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if levelOption(cfg.LogLevel) == nil {
		return errors.Wrapf(ErrInvalid, "log level %q", cfg.LogLevel)
	}
	return nil
}

// EncodingLayout returns the configured codec layout.
func (cfg *Config) EncodingLayout() (codec.Layout, error) {
	return codec.NewLayout(cfg.Layout.Debug, cfg.Layout.WordSize, cfg.Layout.BigEndian)
}

// BuilderOptions returns builder options matching the layout.
func (cfg *Config) BuilderOptions(logger log.Logger) builder.Options {
	return builder.Options{
		Debug:   cfg.Layout.Debug,
		Verbose: cfg.Builder.Verbose,
		Logger:  logger,
	}
}

// NewLogger returns a logfmt logger filtered to the configured level.
func (cfg *Config) NewLogger(w io.Writer) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	allow := levelOption(cfg.LogLevel)
	if allow == nil {
		allow = level.AllowInfo()
	}
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
