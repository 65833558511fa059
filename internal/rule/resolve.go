package rule

import (
	"fmt"

	"splicer/internal/csvindex"
	"splicer/internal/disasm"
)

// ArgContext supplies the per-site runtime values a call argument's
// resolution needs beyond the instruction and its own AST node: the
// addresses and identifiers the emission planner already knows for the
// current patch location, plus the CSV cache needed to re-derive a
// bound row.
type ArgContext struct {
	Addr       uint64
	StaticAddr uint64
	Base       uint64
	Offset     uint64
	Next       uint64
	Target     int64 // -1 if the instruction has no statically known target
	Trampoline string
	Bytes      []byte
	Rand       func() int64
	CSV        *csvindex.Cache
}

// attrKindFor maps an operand-projection argument kind to the matching
// attribute kind so ResolveArgument can reuse projectOperand.
func attrKindFor(k ArgumentKind) AttrKind {
	switch k {
	case ArgOp:
		return AttrOp
	case ArgSrc:
		return AttrSrc
	case ArgDst:
		return AttrDst
	case ArgImm:
		return AttrImm
	case ArgReg:
		return AttrReg
	case ArgMem:
		return AttrMem
	}
	return AttrInvalid
}

// ResolveArgument computes the concrete value of one call-action
// argument against instruction in, for the emission planner's patch
// metadata. r is the owning rule, needed to re-derive a CSV-bound row
// for ArgCSVField arguments.
func ResolveArgument(in *disasm.Instruction, arg Argument, r Rule, ctx ArgContext) (any, error) {
	switch arg.Kind {
	case ArgASM:
		if in.OpStr == "" {
			return in.Mnemonic, nil
		}
		return in.Mnemonic + " " + in.OpStr, nil
	case ArgASMSize:
		return int64(len(in.Mnemonic) + len(in.OpStr)), nil
	case ArgASMLen:
		return int64(len(in.Mnemonic) + len(in.OpStr) + 1), nil
	case ArgAddr:
		return ctx.Addr, nil
	case ArgStaticAddr:
		return ctx.StaticAddr, nil
	case ArgBase:
		return ctx.Base, nil
	case ArgInstrBytes:
		return ctx.Bytes, nil
	case ArgSize:
		return int64(in.Size), nil
	case ArgOffset:
		return int64(ctx.Offset), nil
	case ArgNext:
		return ctx.Next, nil
	case ArgTarget:
		return ctx.Target, nil
	case ArgTrampoline:
		return ctx.Trampoline, nil
	case ArgRandom:
		if ctx.Rand == nil {
			return nil, fmt.Errorf("rule: random argument requires a seeded source")
		}
		return ctx.Rand(), nil
	case ArgOp, ArgSrc, ArgDst, ArgImm, ArgReg, ArgMem:
		// Operand-projection call arguments pass the selected operand's
		// byte size, the same numeric projection the match side of the
		// grammar uses; full register/memory value decoding into a
		// call argument is out of scope here (see DESIGN.md).
		value, defined := projectOperand(in, attrKindFor(arg.Kind), arg.OperandIndex, FieldSize)
		if !defined {
			return nil, fmt.Errorf("rule: operand argument %v[%d] is undefined for this instruction", arg.Kind, arg.OperandIndex)
		}
		return value, nil
	case ArgRegister:
		return arg.Register, nil
	case ArgIntLiteral:
		return arg.Literal, nil
	case ArgCSVField:
		return resolveCSVField(in, arg, r, ctx)
	}
	return nil, fmt.Errorf("rule: cannot resolve argument kind %v", arg.Kind)
}

// resolveCSVField re-derives the unique CSV row bound by the rule's
// match entry that carries the same basename, then reads arg's column
// from that row. The binding entry's own attribute value (re-evaluated
// against in) is the key RowForValue looks up, matching the same
// evaluation that originally selected this instruction.
func resolveCSVField(in *disasm.Instruction, arg Argument, r Rule, ctx ArgContext) (string, error) {
	var binding *MatchEntry
	for i := range r.Entries {
		if r.Entries[i].CSVBasename == arg.CSVBasename {
			binding = &r.Entries[i]
			break
		}
	}
	if binding == nil {
		return "", fmt.Errorf("rule: %q has no bound CSV match entry in this rule", arg.CSVBasename)
	}
	if ctx.CSV == nil {
		return "", fmt.Errorf("rule: no CSV loader configured")
	}
	table, err := ctx.CSV.Get(arg.CSVBasename)
	if err != nil {
		return "", err
	}
	key, defined := bindingValue(in, *binding, EvalContext{Offset: ctx.Offset, Rand: ctx.Rand})
	if !defined {
		return "", fmt.Errorf("rule: CSV-binding entry is undefined for this instruction")
	}
	row, ok := table.RowForValue(binding.CSVColumn, key)
	if !ok {
		return "", fmt.Errorf("rule: %q row for value %d is not unique", arg.CSVBasename, key)
	}
	col, err := table.ColumnIndex(arg.CSVColumn)
	if err != nil {
		return "", err
	}
	return table.Field(row, col)
}

// bindingValue computes the raw integer value of a CSV-bindable match
// entry (always an integer-attribute entry: parseIntValues only
// populates CSVBasename for non-string attributes).
func bindingValue(in *disasm.Instruction, entry MatchEntry, ctx EvalContext) (int64, bool) {
	if entry.Attr.IsOperandBearing() {
		return projectOperand(in, entry.Attr, entry.Index, entry.Field)
	}
	return dynamicValue(in, entry, ctx)
}
