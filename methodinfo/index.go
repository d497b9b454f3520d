// ABOUTME: Code range index from native addresses to published methods
// ABOUTME: Safe for concurrent lookups while methods are published or removed

package methodinfo

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/prateek/rootmap/codec"
	"github.com/prateek/rootmap/gcmap"
)

// ErrOverlap is returned when a method's code range overlaps another method
var ErrOverlap = errors.New("code range overlaps a published method")

// Method is a published method with its root map header already checked.
type Method struct {
	Info  *Info
	Roots *codec.Reader
}

// Index maps program counters to published methods.
type Index struct {
	mu      sync.RWMutex
	methods []*Method // sorted by start address
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{}
}

// Publish makes info visible to lookups, replacing any earlier compilation
// with the same name. The info must not be modified afterwards.
func (x *Index) Publish(info *Info) error {
	roots, err := info.Roots()
	if err != nil {
		return errors.Wrapf(err, "publishing %s", info.Name)
	}
	m := &Method{Info: info, Roots: roots}

	x.mu.Lock()
	defer x.mu.Unlock()
	methods := lo.Reject(x.methods, func(old *Method, _ int) bool {
		return old.Info.Name == info.Name
	})
	i := sort.Search(len(methods), func(i int) bool {
		return methods[i].Info.Start >= info.Start
	})
	if i > 0 && methods[i-1].Info.End() > info.Start {
		return errors.Wrapf(ErrOverlap, "%s overlaps %s", info.Name, methods[i-1].Info.Name)
	}
	if i < len(methods) && info.End() > methods[i].Info.Start {
		return errors.Wrapf(ErrOverlap, "%s overlaps %s", info.Name, methods[i].Info.Name)
	}
	methods = append(methods, nil)
	copy(methods[i+1:], methods[i:])
	methods[i] = m
	x.methods = methods
	return nil
}

// Lookup returns the method whose code contains pc.
func (x *Index) Lookup(pc gcmap.Address) (*Method, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i := sort.Search(len(x.methods), func(i int) bool {
		return x.methods[i].Info.End() > pc
	})
	if i < len(x.methods) && x.methods[i].Info.Contains(pc) {
		return x.methods[i], true
	}
	return nil, false
}

// LookupReturn returns the method a call returning to ret was made from.
// A call that ends its method returns to the method's end address.
func (x *Index) LookupReturn(ret gcmap.Address) (*Method, bool) {
	if ret == 0 {
		return nil, false
	}
	return x.Lookup(ret - 1)
}

// Remove unpublishes the method with the given name.
func (x *Index) Remove(name string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, i, found := lo.FindIndexOf(x.methods, func(m *Method) bool {
		return m.Info.Name == name
	})
	if !found {
		return false
	}
	x.methods = append(x.methods[:i:i], x.methods[i+1:]...)
	return true
}

// Len returns the number of published methods.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.methods)
}

// Names returns the published method names in address order.
func (x *Index) Names() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return lo.Map(x.methods, func(m *Method, _ int) string { return m.Info.Name })
}
