// ABOUTME: Invariant checks for root maps
// ABOUTME: Collects every violation of a map so tooling can report them together

package gcmap

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var (
	// ErrDuplicateOperand is returned when two operands of one record share a location
	ErrDuplicateOperand = errors.New("operand registered twice")
	// ErrInvalidLocation is returned for an operand stored nowhere
	ErrInvalidLocation = errors.New("operand has no storage location")
	// ErrObjectOffset is returned for an object operand with a non-zero offset
	ErrObjectOffset = errors.New("object operand with non-zero offset")
	// ErrNegativeOffset is returned for an interior pointer with a negative static offset
	ErrNegativeOffset = errors.New("negative interior pointer offset")
	// ErrFaultWithRoots is returned for a hardware exception record carrying operands
	ErrFaultWithRoots = errors.New("hardware exception point carries operands")
	// ErrDebugMismatch is returned when the debug side table does not match the operands
	ErrDebugMismatch = errors.New("debug operand ids do not match operands")
	// ErrFaultOrder is returned when a hardware exception record precedes a true safepoint at the same address
	ErrFaultOrder = errors.New("hardware exception point ordered before safepoint")
)

// Validate checks the record's invariants.
func (s *Safepoint) Validate() error {
	var result *multierror.Error
	seen := make(map[Location]int, len(s.Operands))
	for i, op := range s.Operands {
		if !op.Loc.IsValid() {
			result = multierror.Append(result, errors.Wrapf(ErrInvalidLocation, "ip %s operand %d", s.IP, i))
			continue
		}
		if j, dup := seen[op.Loc]; dup {
			result = multierror.Append(result, errors.Wrapf(ErrDuplicateOperand, "ip %s operands %d and %d at %s", s.IP, j, i, op.Loc))
		}
		seen[op.Loc] = i
		switch op.Kind {
		case KindObject:
			if op.Offset != 0 {
				result = multierror.Append(result, errors.Wrapf(ErrObjectOffset, "ip %s operand %d", s.IP, i))
			}
		case KindManagedPointer:
			if op.Offset < 0 && op.Offset != UnknownOffset {
				result = multierror.Append(result, errors.Wrapf(ErrNegativeOffset, "ip %s operand %d offset %d", s.IP, i, op.Offset))
			}
		}
	}
	if s.Debug != nil {
		if s.Debug.HardwareException && len(s.Operands) > 0 {
			result = multierror.Append(result, errors.Wrapf(ErrFaultWithRoots, "ip %s", s.IP))
		}
		if s.Debug.OperandIDs != nil && len(s.Debug.OperandIDs) != len(s.Operands) {
			result = multierror.Append(result, errors.Wrapf(ErrDebugMismatch, "ip %s: %d ids for %d operands", s.IP, len(s.Debug.OperandIDs), len(s.Operands)))
		}
	}
	return result.ErrorOrNil()
}

// Validate checks every record and the ordering of hardware exception
// records relative to true safepoints at the same address.
func (m *RootMap) Validate() error {
	var result *multierror.Error
	faults := make(map[Address]bool)
	for _, sp := range m.Safepoints {
		if err := sp.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
		if sp.IsHardwareException() {
			faults[sp.IP] = true
			continue
		}
		if faults[sp.IP] {
			result = multierror.Append(result, errors.Wrapf(ErrFaultOrder, "ip %s", sp.IP))
		}
	}
	return result.ErrorOrNil()
}
