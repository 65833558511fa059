// Parser for --match and --action strings, grounded directly on
// e9tool.cpp's parseMatch/parseAction (original_source/src/e9tool).
package rule

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"splicer/internal/csvindex"
)

// neqQuirkWarnOnce ensures the documented `≠`-against-multi-value-set
// quirk (almost certainly not the user's intent, but preserved with a
// parse-time warning) is only logged once per process, not once per
// rule.
var neqQuirkWarnOnce sync.Once

// cursor is a small hand-rolled token cursor; the grammar's
// irregularities (optional index, optional field, CSV-column binding,
// ampersand-prefixed pointer arguments) are easier to express this way
// than via participle's declarative struct-tag grammar.
type cursor struct {
	toks []Token
	pos  int
}

func (c *cursor) peek() (Token, bool) {
	if c.pos >= len(c.toks) {
		return Token{}, false
	}
	return c.toks[c.pos], true
}

func (c *cursor) next() (Token, bool) {
	t, ok := c.peek()
	if ok {
		c.pos++
	}
	return t, ok
}

func (c *cursor) atPunct(p string) bool {
	t, ok := c.peek()
	return ok && t.Type == "Punct" && t.Value == p
}

func (c *cursor) expectPunct(p string) error {
	t, ok := c.next()
	if !ok || t.Type != "Punct" || t.Value != p {
		return fmt.Errorf("rule: expected %q", p)
	}
	return nil
}

func (c *cursor) done() bool { return c.pos >= len(c.toks) }

var attrKeywords = map[string]AttrKind{
	"true": AttrTrue, "false": AttrFalse, "address": AttrAddress,
	"assembly": AttrAssembly, "call": AttrCall, "jump": AttrJump,
	"return": AttrReturn, "mnemonic": AttrMnemonic, "offset": AttrOffset,
	"op": AttrOp, "src": AttrSrc, "dst": AttrDst, "imm": AttrImm,
	"reg": AttrReg, "mem": AttrMem, "plugin": AttrPlugin,
	"random": AttrRandom, "size": AttrSize,
}

var fieldKeywords = map[string]Field{
	"size": FieldSize, "type": FieldType, "read": FieldRead, "write": FieldWrite,
}

// ParseContext supplies the shared services a match/action parse needs:
// CSV table loading and plugin existence/match-capability checks.
type ParseContext struct {
	CSV     *csvindex.Cache
	HasMatch func(path string) (bool, error) // true iff the plugin exports match()
	HasAny   func(path string) (bool, error) // true iff the plugin exports any of the five hooks
}

// ParseMatch parses one --match string into a MatchEntry:
//
//	['!'] ATTR (['[' idx ']'])? ('.' field)? (CMP VALUES)?
func ParseMatch(src string, pc ParseContext) (MatchEntry, error) {
	toks, err := tokenize(src)
	if err != nil {
		return MatchEntry{}, err
	}
	cur := &cursor{toks: toks}

	negate := false
	if cur.atPunct("!") {
		cur.next()
		negate = true
	}

	attrTok, ok := cur.next()
	if !ok || attrTok.Type != "Ident" {
		return MatchEntry{}, fmt.Errorf("rule: expected attribute name in %q", src)
	}
	attr, known := attrKeywords[attrTok.Value]
	if !known {
		return MatchEntry{}, fmt.Errorf("rule: unknown match attribute %q", attrTok.Value)
	}

	entry := MatchEntry{Attr: attr, Index: -1, Raw: src}

	if cur.atPunct("[") {
		if !attr.IsOperandBearing() && attr != AttrPlugin {
			return MatchEntry{}, fmt.Errorf("rule: %q does not take an index", attr)
		}
		cur.next()
		if attr == AttrPlugin {
			// plugin["path"] — e9tool.cpp's parseMatch requires a quoted
			// TOKEN_STRING here (plugin paths routinely contain '.' and
			// '/', which the bare Ident token class excludes).
			nameTok, ok := cur.next()
			if !ok || nameTok.Type != "String" {
				return MatchEntry{}, fmt.Errorf("rule: expected quoted plugin path in %q", src)
			}
			entry.PluginPath = unquote(nameTok.Value)
			if pc.HasMatch != nil {
				has, err := pc.HasMatch(entry.PluginPath)
				if err != nil {
					return MatchEntry{}, err
				}
				if !has {
					return MatchEntry{}, fmt.Errorf("rule: plugin %q exports no match()", entry.PluginPath)
				}
			}
		} else {
			idxTok, ok := cur.next()
			if !ok || (idxTok.Type != "Int" && idxTok.Type != "Hex") {
				return MatchEntry{}, fmt.Errorf("rule: expected integer index in %q", src)
			}
			idx, err := parseIntToken(idxTok)
			if err != nil {
				return MatchEntry{}, err
			}
			if idx < 0 || idx > 7 {
				return MatchEntry{}, fmt.Errorf("rule: operand index %d out of range 0..7", idx)
			}
			entry.Index = int(idx)
		}
		if err := cur.expectPunct("]"); err != nil {
			return MatchEntry{}, err
		}
	}

	if cur.atPunct(".") {
		cur.next()
		fieldTok, ok := cur.next()
		if !ok || fieldTok.Type != "Ident" {
			return MatchEntry{}, fmt.Errorf("rule: expected field name in %q", src)
		}
		field, known := fieldKeywords[fieldTok.Value]
		if !known {
			return MatchEntry{}, fmt.Errorf("rule: unknown field %q", fieldTok.Value)
		}
		entry.Field = field
	}

	cmp, hasCmp, err := parseCmp(cur)
	if err != nil {
		return MatchEntry{}, err
	}

	if !hasCmp {
		entry.Cmp = CmpNEQZero
		if negate {
			entry.Cmp = entry.Cmp.negate()
		}
		if attr == AttrAssembly || attr == AttrMnemonic {
			return MatchEntry{}, fmt.Errorf("rule: %q requires a regex comparison", attr)
		}
		return entry, nil
	}
	entry.Cmp = cmp

	switch attr {
	case AttrAssembly, AttrMnemonic:
		if cmp != CmpEQ && cmp != CmpNEQ {
			return MatchEntry{}, fmt.Errorf("rule: %q only accepts = or !=", attr)
		}
		re, err := parseRegexValues(cur)
		if err != nil {
			return MatchEntry{}, err
		}
		entry.Regex = re
	default:
		values, basename, column, err := parseIntValues(cur, pc)
		if err != nil {
			return MatchEntry{}, err
		}
		entry.Values = values
		entry.CSVBasename = basename
		entry.CSVColumn = column
	}

	if !cur.done() {
		return MatchEntry{}, fmt.Errorf("rule: trailing tokens in %q", src)
	}

	if negate {
		entry.Cmp = entry.Cmp.negate()
	}
	if entry.Cmp == CmpNEQ && entry.Values != nil && entry.Values.Len() > 1 {
		neqQuirkWarnOnce.Do(func() {
			slog.Warn("!= against a multi-value set always matches; it never excludes the set's members",
				"rule", src)
		})
	}
	return entry, nil
}

// parseCmp recognizes one of =, !=, <, <=, >, >=. Absence (no more
// tokens, or the next token doesn't start a comparator) reports
// hasCmp=false.
func parseCmp(cur *cursor) (Cmp, bool, error) {
	t, ok := cur.peek()
	if !ok || t.Type != "Punct" {
		return 0, false, nil
	}
	switch t.Value {
	case "=":
		cur.next()
		return CmpEQ, true, nil
	case "!":
		cur.next()
		if err := cur.expectPunct("="); err != nil {
			return 0, false, fmt.Errorf("rule: expected '=' after '!'")
		}
		return CmpNEQ, true, nil
	case "<":
		cur.next()
		if cur.atPunct("=") {
			cur.next()
			return CmpLEQ, true, nil
		}
		return CmpLT, true, nil
	case ">":
		cur.next()
		if cur.atPunct("=") {
			cur.next()
			return CmpGEQ, true, nil
		}
		return CmpGT, true, nil
	}
	return 0, false, nil
}

// parseRegexValues parses either a single /.../ literal or a
// comma-separated list of quoted strings fused into an alternation,
// both anchored for full-string matching.
func parseRegexValues(cur *cursor) (*CompiledRegex, error) {
	t, ok := cur.peek()
	if !ok {
		return nil, fmt.Errorf("rule: expected regex value")
	}
	if t.Type == "Regex" {
		cur.next()
		pattern := strings.Trim(t.Value, "/")
		return CompileRegex("^(?:" + pattern + ")$")
	}
	var alts []string
	for {
		st, ok := cur.next()
		if !ok || st.Type != "String" {
			return nil, fmt.Errorf("rule: expected quoted string in value list")
		}
		alts = append(alts, regexQuote(unquote(st.Value)))
		if cur.atPunct(",") {
			cur.next()
			continue
		}
		break
	}
	return CompileRegex("^(?:" + strings.Join(alts, "|") + ")$")
}

func regexQuote(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// parseIntValues parses either a comma-separated integer list or a
// basename[column] CSV binding, the basename written bare or quoted
// ("basename"[column]). The returned basename is non-empty
// only for the CSV form, and is recorded on the owning MatchEntry so
// later call-argument parsing in the same rule can confirm a CSV field
// reference is legally bound.
func parseIntValues(cur *cursor, pc ParseContext) (*ValueSet, string, int, error) {
	t, ok := cur.peek()
	if !ok {
		return nil, "", 0, fmt.Errorf("rule: expected value list")
	}
	if t.Type == "String" || t.Type == "Ident" {
		cur.next()
		basename := unquote(t.Value)
		if err := cur.expectPunct("["); err != nil {
			return nil, "", 0, err
		}
		colTok, ok := cur.next()
		if !ok {
			return nil, "", 0, fmt.Errorf("rule: expected column reference")
		}
		if err := cur.expectPunct("]"); err != nil {
			return nil, "", 0, err
		}
		if pc.CSV == nil {
			return nil, "", 0, fmt.Errorf("rule: no CSV loader configured")
		}
		table, err := pc.CSV.Get(basename)
		if err != nil {
			return nil, "", 0, err
		}
		col, err := table.ColumnIndex(colTok.Value)
		if err != nil {
			return nil, "", 0, err
		}
		ints, err := table.IntValues(col)
		if err != nil {
			return nil, "", 0, err
		}
		return NewValueSet(ints), basename, col, nil
	}

	var vals []int64
	for {
		numTok, ok := cur.next()
		if !ok || (numTok.Type != "Int" && numTok.Type != "Hex") {
			return nil, "", 0, fmt.Errorf("rule: expected integer value")
		}
		v, err := parseIntToken(numTok)
		if err != nil {
			return nil, "", 0, err
		}
		vals = append(vals, v)
		if cur.atPunct(",") {
			cur.next()
			continue
		}
		break
	}
	return NewValueSet(vals), "", 0, nil
}

func parseIntToken(t Token) (int64, error) {
	if t.Type == "Hex" {
		return strconv.ParseInt(t.Value[2:], 16, 64)
	}
	return strconv.ParseInt(t.Value, 10, 64)
}

// ParseAction parses one --action string against the action grammar:
//
//	KIND
//	KIND '[' OPTS ']' SYMBOL '(' ARGS ')' '@' BINARY     (call)
//	KIND '[' NAME ']'                                    (plugin)
//
// boundCSV lists the CSV basenames a preceding match entry of the same
// rule has bound, the set legal STRING call-arguments may reference.
func ParseAction(src string, boundCSV map[string]bool, pc ParseContext) (Action, error) {
	toks, err := tokenize(src)
	if err != nil {
		return Action{}, err
	}
	cur := &cursor{toks: toks}

	kindTok, ok := cur.next()
	if !ok || kindTok.Type != "Ident" {
		return Action{}, fmt.Errorf("rule: expected action kind in %q", src)
	}

	switch kindTok.Value {
	case "passthru":
		return Action{Kind: ActionPassthru, Name: "passthru"}, nil
	case "print":
		return Action{Kind: ActionPrint, Name: "print"}, nil
	case "trap":
		return Action{Kind: ActionTrap, Name: "trap"}, nil
	case "plugin":
		if err := cur.expectPunct("["); err != nil {
			return Action{}, err
		}
		nameTok, ok := cur.next()
		if !ok || nameTok.Type != "String" {
			return Action{}, fmt.Errorf("rule: expected quoted plugin path")
		}
		if err := cur.expectPunct("]"); err != nil {
			return Action{}, err
		}
		path := unquote(nameTok.Value)
		if pc.HasAny != nil {
			ok, err := pc.HasAny(path)
			if err != nil {
				return Action{}, err
			}
			if !ok {
				return Action{}, fmt.Errorf("rule: plugin %q exports none of init/instr/match/patch/fini", path)
			}
		}
		return Action{Kind: ActionPlugin, PluginPath: path, Name: "plugin_" + path}, nil
	case "call":
		return parseCallAction(cur, boundCSV, pc)
	}
	return Action{}, fmt.Errorf("rule: unknown action kind %q", kindTok.Value)
}

var callFlagKeywords = map[string]bool{
	"after": true, "before": true, "clean": true, "conditional": true, "naked": true, "replace": true,
}

func parseCallAction(cur *cursor, boundCSV map[string]bool, pc ParseContext) (Action, error) {
	act := Action{Kind: ActionCall, Position: PositionBefore, Frame: FrameClean}
	clean, naked := false, false
	positionFlags := 0

	if cur.atPunct("[") {
		cur.next()
		for !cur.atPunct("]") {
			t, ok := cur.next()
			if !ok || t.Type != "Ident" || !callFlagKeywords[t.Value] {
				return Action{}, fmt.Errorf("rule: unknown call flag")
			}
			switch t.Value {
			case "clean":
				clean = true
			case "naked":
				naked = true
			case "before":
				act.Position = PositionBefore
				positionFlags++
			case "after":
				act.Position = PositionAfter
				positionFlags++
			case "replace":
				act.Position = PositionReplace
				positionFlags++
			case "conditional":
				act.Position = PositionConditional
				positionFlags++
			}
			if cur.atPunct(",") {
				cur.next()
				continue
			}
			break
		}
		if err := cur.expectPunct("]"); err != nil {
			return Action{}, err
		}
	}
	if clean && naked {
		return Action{}, fmt.Errorf("rule: call flags 'clean' and 'naked' are mutually exclusive")
	}
	if positionFlags > 1 {
		return Action{}, fmt.Errorf("rule: at most one of before/after/replace/conditional may be set")
	}
	act.Frame = FrameClean
	if naked {
		act.Frame = FrameNaked
	}

	symTok, ok := cur.next()
	if !ok || symTok.Type != "Ident" {
		return Action{}, fmt.Errorf("rule: expected call symbol")
	}
	act.Symbol = symTok.Value

	if err := cur.expectPunct("("); err != nil {
		return Action{}, err
	}
	var args []Argument
	if !cur.atPunct(")") {
		for {
			arg, err := parseArgument(cur, boundCSV)
			if err != nil {
				return Action{}, err
			}
			args = append(args, arg)
			if cur.atPunct(",") {
				cur.next()
				continue
			}
			break
		}
	}
	if err := cur.expectPunct(")"); err != nil {
		return Action{}, err
	}
	markDuplicates(args)
	act.Args = args

	if err := cur.expectPunct("@"); err != nil {
		return Action{}, err
	}
	binTok, ok := cur.next()
	if !ok {
		return Action{}, fmt.Errorf("rule: expected binary path")
	}
	// e9tool.cpp's parseAction accepts any single token as the binary
	// filename; a quoted string additionally lets the path carry '.'
	// and '/' past the bare Ident token class.
	if binTok.Type == "String" {
		act.Binary = unquote(binTok.Value)
	} else {
		act.Binary = binTok.Value
	}

	framePrefix := "clean"
	if naked {
		framePrefix = "naked"
	}
	act.Name = fmt.Sprintf("call_%s_%s_%s_%s", framePrefix, act.Position, act.Symbol, act.Binary)
	return act, nil
}

func parseArgument(cur *cursor, boundCSV map[string]bool) (Argument, error) {
	var arg Argument
	if cur.atPunct("&") {
		cur.next()
		arg.ByPointer = true
	}

	t, ok := cur.next()
	if !ok {
		return Argument{}, fmt.Errorf("rule: expected argument")
	}

	switch t.Type {
	case "Int", "Hex":
		v, err := parseIntToken(t)
		if err != nil {
			return Argument{}, err
		}
		arg.Kind = ArgIntLiteral
		arg.Literal = v
	case "String":
		basename := unquote(t.Value)
		if !boundCSV[basename] {
			return Argument{}, fmt.Errorf("rule: CSV %q is not bound by any preceding match entry", basename)
		}
		if err := cur.expectPunct("["); err != nil {
			return Argument{}, err
		}
		colTok, ok := cur.next()
		if !ok {
			return Argument{}, fmt.Errorf("rule: expected CSV column")
		}
		if err := cur.expectPunct("]"); err != nil {
			return Argument{}, err
		}
		arg.Kind = ArgCSVField
		arg.CSVBasename = basename
		arg.CSVColumn = colTok.Value
	case "Ident":
		if k, ok := operandArgKinds[t.Value]; ok {
			arg.Kind = k
			if err := cur.expectPunct("["); err != nil {
				return Argument{}, err
			}
			idxTok, ok := cur.next()
			if !ok {
				return Argument{}, fmt.Errorf("rule: expected operand index")
			}
			idx, err := parseIntToken(idxTok)
			if err != nil {
				return Argument{}, err
			}
			if idx < 0 || idx > 7 {
				return Argument{}, fmt.Errorf("rule: operand index %d out of range 0..7", idx)
			}
			arg.OperandIndex = int(idx)
			if err := cur.expectPunct("]"); err != nil {
				return Argument{}, err
			}
		} else if t.Value == "asm" {
			arg.Kind = ArgASM
			if cur.atPunct(".") {
				cur.next()
				sub, ok := cur.next()
				if !ok || sub.Type != "Ident" {
					return Argument{}, fmt.Errorf("rule: expected asm.size or asm.len")
				}
				switch sub.Value {
				case "size":
					arg.Kind = ArgASMSize
				case "len":
					arg.Kind = ArgASMLen
				default:
					return Argument{}, fmt.Errorf("rule: unknown asm.%s", sub.Value)
				}
			}
		} else if k, ok := metadataArgKinds[t.Value]; ok {
			arg.Kind = k
		} else if isRegisterName(t.Value) {
			arg.Kind = ArgRegister
			arg.Register = t.Value
		} else {
			return Argument{}, fmt.Errorf("rule: unknown argument %q", t.Value)
		}
	default:
		return Argument{}, fmt.Errorf("rule: unexpected token in argument list")
	}

	if arg.ByPointer && !arg.pointerLegal() {
		return Argument{}, fmt.Errorf("rule: cannot pass argument %q by pointer", arg)
	}
	return arg, nil
}
