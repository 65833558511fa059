package rule

import (
	"splicer/internal/disasm"
)

// EvalContext supplies the per-instruction dynamic values a predicate
// evaluation needs beyond the instruction itself: the file offset,
// each loaded plugin's match() result for this instruction, and the
// seeded random source for the `random` attribute (seeded
// deterministically with 0xE9E9E9E9 so runs are reproducible).
type EvalContext struct {
	Offset       uint64
	PluginResult func(pluginPath string) (int64, bool)
	Rand         func() int64
}

// EvalEntry evaluates one match entry against instruction in.
func EvalEntry(in *disasm.Instruction, entry MatchEntry, ctx EvalContext) bool {
	switch entry.Attr {
	case AttrAssembly:
		subject := in.Mnemonic
		if in.OpStr != "" {
			subject = in.Mnemonic + " " + in.OpStr
		}
		return matchRegex(entry, subject)
	case AttrMnemonic:
		return matchRegex(entry, in.Mnemonic)
	}

	if entry.Attr.IsOperandBearing() {
		value, defined := projectOperand(in, entry.Attr, entry.Index, entry.Field)
		if !defined {
			return false
		}
		return compareInt(entry.Cmp, entry.Values, value)
	}

	value, defined := dynamicValue(in, entry, ctx)
	if !defined {
		return false
	}
	return compareInt(entry.Cmp, entry.Values, value)
}

func matchRegex(entry MatchEntry, subject string) bool {
	matched := entry.Regex.MatchString(subject)
	if entry.Cmp == CmpNEQ {
		return !matched
	}
	return matched
}

// dynamicValue computes the integer value of a non-operand, non-string
// attribute.
func dynamicValue(in *disasm.Instruction, entry MatchEntry, ctx EvalContext) (int64, bool) {
	switch entry.Attr {
	case AttrTrue:
		return 1, true
	case AttrFalse:
		return 0, true
	case AttrAddress:
		return int64(in.Addr), true
	case AttrOffset:
		return int64(ctx.Offset), true
	case AttrSize:
		return int64(in.Size), true
	case AttrCall:
		return boolToInt(in.InGroup(disasm.GroupCall)), true
	case AttrJump:
		return boolToInt(in.InGroup(disasm.GroupJump)), true
	case AttrReturn:
		return boolToInt(in.InGroup(disasm.GroupRet)), true
	case AttrRandom:
		if ctx.Rand == nil {
			return 0, false
		}
		return ctx.Rand(), true
	case AttrPlugin:
		if ctx.PluginResult == nil {
			return 0, false
		}
		return ctx.PluginResult(entry.PluginPath)
	}
	return 0, false
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// compareInt implements the integer comparison table, including the
// documented `≠`-against-multi-value-set quirk.
func compareInt(cmp Cmp, values *ValueSet, x int64) bool {
	switch cmp {
	case CmpEQZero:
		return x == 0
	case CmpNEQZero:
		return x != 0
	case CmpEQ:
		return values != nil && values.Contains(x)
	case CmpNEQ:
		if values == nil || values.Len() == 0 {
			return false // an empty value-set never matches
		}
		if values.Len() != 1 {
			return true // documented quirk: multi-value ≠ is always true
		}
		return !values.Contains(x)
	case CmpLT:
		return values != nil && values.Len() > 0 && x < values.Max()
	case CmpLEQ:
		return values != nil && values.Len() > 0 && x <= values.Max()
	case CmpGT:
		return values != nil && values.Len() > 0 && x > values.Min()
	case CmpGEQ:
		return values != nil && values.Len() > 0 && x >= values.Min()
	}
	return false
}

// EvalRule evaluates every entry of r left-to-right with short-circuit
// AND.
func EvalRule(in *disasm.Instruction, r Rule, ctx EvalContext) bool {
	for _, entry := range r.Entries {
		if !EvalEntry(in, entry, ctx) {
			return false
		}
	}
	return true
}

// Select returns the index (into rules) of the first rule that matches
// in, or -1 if none do: at most one action index is recorded, and it
// is the smallest command-line index whose rule matched.
func Select(in *disasm.Instruction, rules []Rule, ctx EvalContext) int {
	for i, r := range rules {
		if EvalRule(in, r, ctx) {
			return i
		}
	}
	return -1
}
