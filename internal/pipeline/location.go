package pipeline

import "fmt"

// Location is one disassembled instruction's selection record,
// expressed as a plain struct with constructor-enforced invariants
// instead of a packed 64-bit (offset:48, size:4, emitted:1, patch:1,
// action:10) record.
type Location struct {
	Offset  uint64 // must fit in 48 bits
	Size    int    // instruction byte size, 1..16
	Emitted bool   // always false as built; plan.Planner tracks sent instruction messages in its own table
	Patch   bool   // true iff an action was selected for this instruction
	Action  int    // index into the rule list; -1 iff !Patch
}

const (
	maxOffset = 1 << 48
	maxSize   = 16
	maxAction = 1024
)

// NewLocation validates and builds a Location. action may be -1
// (no match).
func NewLocation(offset uint64, size int, patch bool, action int) (Location, error) {
	if offset >= maxOffset {
		return Location{}, fmt.Errorf("pipeline: offset %d exceeds 48-bit range", offset)
	}
	if size < 1 || size > maxSize {
		return Location{}, fmt.Errorf("pipeline: instruction size %d out of range 1..%d", size, maxSize)
	}
	if action >= maxAction {
		return Location{}, fmt.Errorf("pipeline: action index %d exceeds limit %d", action, maxAction)
	}
	if patch && action < 0 {
		return Location{}, fmt.Errorf("pipeline: patch=true requires a non-negative action index")
	}
	if !patch {
		action = -1
	}
	return Location{Offset: offset, Size: size, Patch: patch, Action: action}, nil
}
