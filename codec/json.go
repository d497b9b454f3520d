// ABOUTME: Human-editable JSON form of a root map
// ABOUTME: Used for test fixtures and as input to the encode command

package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/prateek/rootmap/gcmap"
)

// JSONFixture is the text format.
//
//	{"layout": {"debug": true, "word_size": 8},
//	 "safepoints": [
//	   {"ip": "0x40", "inst_id": 7, "operands": [
//	     {"kind": "object", "register": 3, "id": 12},
//	     {"kind": "mptr", "stack": 16, "offset": 8}]}]}
//
// An interior pointer without an offset has an unknown offset.
type JSONFixture struct{}

var _ Format = JSONFixture{}

func init() {
	Register(JSONFixture{})
}

type jsonFile struct {
	Layout     jsonLayout      `json:"layout"`
	Safepoints []jsonSafepoint `json:"safepoints"`
}

type jsonLayout struct {
	Debug     bool `json:"debug,omitempty"`
	WordSize  int  `json:"word_size"`
	BigEndian bool `json:"big_endian,omitempty"`
}

type jsonSafepoint struct {
	IP                string        `json:"ip"`
	InstID            int32         `json:"inst_id,omitempty"`
	HardwareException bool          `json:"hardware_exception,omitempty"`
	Operands          []jsonOperand `json:"operands,omitempty"`
}

type jsonOperand struct {
	Kind       string `json:"kind"`
	Register   *int16 `json:"register,omitempty"`
	Stack      *int32 `json:"stack,omitempty"`
	Offset     *int64 `json:"offset,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
	ID         int32  `json:"id,omitempty"`
}

// Name implements Format.
func (JSONFixture) Name() string { return "json" }

// CanDecode checks for a top-level safepoints key. Keys before it are
// skipped, so a large fixture is recognised from its first few kilobytes.
func (JSONFixture) CanDecode(r io.Reader) bool {
	dec := json.NewDecoder(r)
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if key, _ := tok.(string); key == "safepoints" {
			return true
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return false
		}
	}
	return false
}

// Decode parses and validates a fixture.
func (JSONFixture) Decode(r io.Reader) (*File, error) {
	var f jsonFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decoding JSON")
	}
	if f.Layout.WordSize == 0 {
		f.Layout.WordSize = 8
	}
	l, err := NewLayout(f.Layout.Debug, f.Layout.WordSize, f.Layout.BigEndian)
	if err != nil {
		return nil, err
	}

	m := &gcmap.RootMap{Safepoints: make([]*gcmap.Safepoint, 0, len(f.Safepoints))}
	for i, js := range f.Safepoints {
		sp, err := js.safepoint(l.Debug)
		if err != nil {
			return nil, errors.Wrapf(err, "safepoint %d", i)
		}
		m.Safepoints = append(m.Safepoints, sp)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &File{Layout: l, RootMap: m}, nil
}

func (js jsonSafepoint) safepoint(debug bool) (*gcmap.Safepoint, error) {
	ip, err := strconv.ParseUint(js.IP, 0, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "ip %q", js.IP)
	}
	sp := &gcmap.Safepoint{IP: gcmap.Address(ip)}
	var ids []int32
	for i, jo := range js.Operands {
		op, err := jo.operand()
		if err != nil {
			return nil, errors.Wrapf(err, "operand %d", i)
		}
		sp.Operands = append(sp.Operands, op)
		ids = append(ids, jo.ID)
	}
	if debug {
		sp.Debug = &gcmap.DebugInfo{InstID: js.InstID, HardwareException: js.HardwareException, OperandIDs: ids}
	}
	return sp, nil
}

func (jo jsonOperand) operand() (gcmap.Operand, error) {
	var loc gcmap.Location
	switch {
	case jo.Register != nil && jo.Stack != nil:
		return gcmap.Operand{}, errors.Wrap(gcmap.ErrInvalidLocation, "both register and stack given")
	case jo.Register != nil:
		loc = gcmap.InRegister(gcmap.Register(*jo.Register))
	case jo.Stack != nil:
		loc = gcmap.OnStack(*jo.Stack)
	default:
		return gcmap.Operand{}, errors.Wrap(gcmap.ErrInvalidLocation, "no register or stack given")
	}

	var op gcmap.Operand
	switch jo.Kind {
	case "object":
		op = gcmap.Object(loc)
		if jo.Offset != nil && *jo.Offset != 0 {
			return op, errors.Wrapf(gcmap.ErrObjectOffset, "offset %d", *jo.Offset)
		}
	case "mptr":
		off := gcmap.UnknownOffset
		if jo.Offset != nil {
			off = *jo.Offset
		}
		op = gcmap.ManagedPointer(loc, off)
	default:
		return op, errors.Errorf("unknown operand kind %q", jo.Kind)
	}
	op.Compressed = jo.Compressed
	return op, nil
}

// WriteJSON writes m as an indented fixture for layout l.
func WriteJSON(w io.Writer, l Layout, m *gcmap.RootMap) error {
	f := jsonFile{
		Layout:     jsonLayout{Debug: l.Debug, WordSize: l.WordSize, BigEndian: l.BigEndian()},
		Safepoints: make([]jsonSafepoint, 0, len(m.Safepoints)),
	}
	for _, sp := range m.Safepoints {
		js := jsonSafepoint{IP: fmt.Sprintf("%#x", uint64(sp.IP))}
		if l.Debug && sp.Debug != nil {
			js.InstID = sp.Debug.InstID
			js.HardwareException = sp.Debug.HardwareException
		}
		for i, op := range sp.Operands {
			jo := jsonOperand{Kind: op.Kind.String(), Compressed: op.Compressed}
			if op.Loc.IsRegister() {
				r := int16(op.Loc.Register())
				jo.Register = &r
			} else {
				d := op.Loc.StackDistance()
				jo.Stack = &d
			}
			if !op.IsObject() && !op.HasUnknownOffset() {
				off := op.Offset
				jo.Offset = &off
			}
			if l.Debug && sp.Debug != nil && i < len(sp.Debug.OperandIDs) {
				jo.ID = sp.Debug.OperandIDs[i]
			}
			js.Operands = append(js.Operands, jo)
		}
		f.Safepoints = append(f.Safepoints, js)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(f), "encoding JSON")
}
