// ABOUTME: Format interface and registry for persisted root maps
// ABOUTME: Detects the file format from a preview and decodes with the match

package codec

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
)

// ErrNoFormat is returned when no registered format recognises the input
var ErrNoFormat = errors.New("no format found for root map file")

// detectSize is how much of the input formats may inspect in CanDecode
const detectSize = 4096

// File is a decoded root map together with the layout it is meant for.
type File struct {
	Layout  Layout
	RootMap *gcmap.RootMap
}

// Format reads one persisted representation of a root map.
type Format interface {
	// Name identifies the format on the command line
	Name() string

	// CanDecode inspects a preview of the input. It must not rely on seeing
	// more than the first few kilobytes.
	CanDecode(r io.Reader) bool

	// Decode reads the whole input
	Decode(r io.Reader) (*File, error)
}

type formatRegistry struct {
	mu      sync.RWMutex
	formats []Format
}

var registry = &formatRegistry{}

// Register adds a format. Formats are tried in registration order.
func Register(f Format) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.formats = append(registry.formats, f)
}

// Lookup returns the registered format with the given name.
func Lookup(name string) (Format, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, f := range registry.formats {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

// Open detects the format of r and decodes it.
func Open(r io.Reader) (*File, error) {
	br := bufio.NewReaderSize(r, detectSize)
	preview, err := br.Peek(detectSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Wrap(err, "reading preview")
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, f := range registry.formats {
		if f.CanDecode(bytes.NewReader(preview)) {
			file, err := f.Decode(br)
			return file, errors.Wrapf(err, "decoding %s", f.Name())
		}
	}
	return nil, ErrNoFormat
}
