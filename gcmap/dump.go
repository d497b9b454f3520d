// ABOUTME: Human readable rendering of root maps
// ABOUTME: Used by verbose builder logging and the rootmapctl tool

package gcmap

import (
	"fmt"
	"io"
	"strings"
)

func (s *Safepoint) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ip=%s", s.IP)
	if s.Debug != nil {
		fmt.Fprintf(&b, " inst=%d", s.Debug.InstID)
		if s.Debug.HardwareException {
			b.WriteString(" hwexc")
		}
	}
	b.WriteString(" [")
	for i, op := range s.Operands {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(op.String())
		if s.Debug != nil && i < len(s.Debug.OperandIDs) {
			fmt.Fprintf(&b, "#%d", s.Debug.OperandIDs[i])
		}
	}
	b.WriteString("]")
	return b.String()
}

// Dump writes one line per safepoint record.
func (m *RootMap) Dump(w io.Writer) error {
	for i, sp := range m.Safepoints {
		if _, err := fmt.Fprintf(w, "%4d: %s\n", i, sp); err != nil {
			return err
		}
	}
	return nil
}
