package rule

import "splicer/internal/disasm"

// filterFor returns the access/kind predicate an operand-bearing
// attribute projects through: src selects operands that are read, dst
// selects operands that are written, imm/reg/mem select by
// addressing-mode kind, op selects any operand.
func filterFor(attr AttrKind, op disasm.Operand) bool {
	switch attr {
	case AttrSrc:
		return op.Access&disasm.AccessRead != 0
	case AttrDst:
		return op.Access&disasm.AccessWrite != 0
	case AttrImm:
		return op.Kind == disasm.KindImm
	case AttrReg:
		return op.Kind == disasm.KindReg
	case AttrMem:
		return op.Kind == disasm.KindMem
	case AttrOp:
		return true
	}
	return false
}

// matchingOperands returns the operands of in passing attr's filter,
// in original operand order.
func matchingOperands(in *disasm.Instruction, attr AttrKind) []disasm.Operand {
	var out []disasm.Operand
	for _, op := range in.Operands {
		if filterFor(attr, op) {
			out = append(out, op)
		}
	}
	return out
}

// projectOperand resolves an operand selector (kind, index, field) to
// its projected integer value. defined is false when the selector has
// no value (missing index, absent index with a non-size field, or
// out-of-range index) — callers must treat an undefined projection as
// a failing match entry regardless of comparator.
func projectOperand(in *disasm.Instruction, attr AttrKind, index int, field Field) (value int64, defined bool) {
	matches := matchingOperands(in, attr)
	if index < 0 {
		if field == FieldSize {
			return int64(len(matches)), true
		}
		return 0, false
	}
	if index >= len(matches) {
		return 0, false
	}
	op := matches[index]
	switch field {
	case FieldSize:
		return int64(op.Size), true
	case FieldType:
		switch op.Kind {
		case disasm.KindImm:
			return 1, true
		case disasm.KindReg:
			return 2, true
		case disasm.KindMem:
			return 3, true
		}
		return 0, false
	case FieldRead:
		if op.Access&disasm.AccessRead != 0 {
			return 1, true
		}
		return 0, true
	case FieldWrite:
		if op.Access&disasm.AccessWrite != 0 {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
