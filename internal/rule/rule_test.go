package rule

import (
	"os"
	"path/filepath"
	"testing"

	"splicer/internal/csvindex"
	"splicer/internal/disasm"
)

func mustParseMatch(t *testing.T, src string, pc ParseContext) MatchEntry {
	t.Helper()
	entry, err := ParseMatch(src, pc)
	if err != nil {
		t.Fatalf("ParseMatch(%q): %v", src, err)
	}
	return entry
}

func TestParseMatchDefaultIsNEQZero(t *testing.T) {
	entry := mustParseMatch(t, "address", ParseContext{})
	if entry.Cmp != CmpNEQZero {
		t.Errorf("default comparator = %v, want CmpNEQZero", entry.Cmp)
	}
}

func TestParseMatchNegationFlipsDefault(t *testing.T) {
	entry := mustParseMatch(t, "!call", ParseContext{})
	if entry.Cmp != CmpEQZero {
		t.Errorf("negated default comparator = %v, want CmpEQZero", entry.Cmp)
	}
}

func TestParseMatchNegationFlipsExplicit(t *testing.T) {
	entry := mustParseMatch(t, "!size<4", ParseContext{})
	if entry.Cmp != CmpGEQ {
		t.Errorf("negated '<' comparator = %v, want CmpGEQ", entry.Cmp)
	}
}

func TestParseMatchOperandIndexRange(t *testing.T) {
	if _, err := ParseMatch("src[8]!=0", ParseContext{}); err == nil {
		t.Error("expected error for operand index 8 (out of 0..7 range)")
	}
	if _, err := ParseMatch("src[7]!=0", ParseContext{}); err != nil {
		t.Errorf("index 7 should be legal: %v", err)
	}
}

func TestParseMatchRequiresRegexForStringAttrs(t *testing.T) {
	if _, err := ParseMatch("mnemonic", ParseContext{}); err == nil {
		t.Error("mnemonic with no comparison should be rejected (string attrs need = or !=)")
	}
}

func TestParseMatchPluginBracketTakesQuotedPath(t *testing.T) {
	entry := mustParseMatch(t, `plugin["lib.so"]!=0`, ParseContext{})
	if entry.PluginPath != "lib.so" {
		t.Fatalf("PluginPath = %q, want \"lib.so\"", entry.PluginPath)
	}
}

func TestParseActionCallFlagMutualExclusion(t *testing.T) {
	_, err := ParseAction(`call[clean,naked] f()@"b.bin"`, nil, ParseContext{})
	if err == nil {
		t.Error("clean+naked should be rejected as mutually exclusive")
	}
}

func TestParseActionCallPositionMutualExclusion(t *testing.T) {
	_, err := ParseAction(`call[before,after] f()@"b.bin"`, nil, ParseContext{})
	if err == nil {
		t.Error("before+after should be rejected, at most one position flag")
	}
}

func TestParseActionCallArgumentPointerLegality(t *testing.T) {
	if _, err := ParseAction(`call[] f(&rax)@"b.bin"`, nil, ParseContext{}); err != nil {
		t.Errorf("&rax should be a legal pointer argument: %v", err)
	}
	if _, err := ParseAction(`call[] f(&addr)@"b.bin"`, nil, ParseContext{}); err == nil {
		t.Error("&addr should be rejected: pointer form is only legal for registers/rflags")
	}
}

func TestParseActionCSVArgumentRequiresBinding(t *testing.T) {
	_, err := ParseAction(`call[] f("hot"[0])@"b.bin"`, map[string]bool{}, ParseContext{})
	if err == nil {
		t.Error("CSV field argument should require a preceding match entry binding that basename")
	}
	_, err = ParseAction(`call[] f("hot"[0])@"b.bin"`, map[string]bool{"hot": true}, ParseContext{})
	if err != nil {
		t.Errorf("bound CSV field argument should parse: %v", err)
	}
}

func TestParseActionDuplicateArgumentsMarked(t *testing.T) {
	act, err := ParseAction(`call[] f(rax, rbx, rax)@"b.bin"`, nil, ParseContext{})
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	if len(act.Args) != 3 {
		t.Fatalf("got %d args, want 3", len(act.Args))
	}
	if act.Args[0].IsDuplicate || act.Args[1].IsDuplicate {
		t.Error("first occurrences must not be marked duplicate")
	}
	if !act.Args[2].IsDuplicate {
		t.Error("second 'rax' occurrence should be marked duplicate")
	}
}

// --- Predicate Evaluator / Operand Projection ---

func twoOperandInstr() *disasm.Instruction {
	return &disasm.Instruction{
		Addr:     0x1000,
		Size:     3,
		Mnemonic: "add",
		OpStr:    "%rax, %rbx",
		Operands: []disasm.Operand{
			{Kind: disasm.KindReg, Size: 8, Access: disasm.AccessRead},
			{Kind: disasm.KindReg, Size: 8, Access: disasm.AccessRead | disasm.AccessWrite},
		},
	}
}

func zeroOperandInstr() *disasm.Instruction {
	return &disasm.Instruction{
		Addr:     0x1010,
		Size:     1,
		Mnemonic: "ret",
		Groups:   disasm.GroupRet,
	}
}

func TestSeedOperandCount(t *testing.T) {
	entry := mustParseMatch(t, "op.size>=2", ParseContext{})
	ctx := EvalContext{}

	if !EvalEntry(twoOperandInstr(), entry, ctx) {
		t.Error("two-operand instruction should match op.size>=2")
	}
	if EvalEntry(zeroOperandInstr(), entry, ctx) {
		t.Error("zero-operand instruction should not match op.size>=2")
	}
}

func TestSeedRegexMnemonic(t *testing.T) {
	entry := mustParseMatch(t, `mnemonic=/^j[a-z]+$/`, ParseContext{})
	ctx := EvalContext{}

	jne := &disasm.Instruction{Mnemonic: "jne"}
	jmp := &disasm.Instruction{Mnemonic: "jmp"}
	call := &disasm.Instruction{Mnemonic: "call"}
	mov := &disasm.Instruction{Mnemonic: "mov"}

	for _, tt := range []struct {
		in   *disasm.Instruction
		want bool
	}{
		{jne, true}, {jmp, true}, {call, false}, {mov, false},
	} {
		if got := EvalEntry(tt.in, entry, ctx); got != tt.want {
			t.Errorf("mnemonic %q: got %v, want %v", tt.in.Mnemonic, got, tt.want)
		}
	}
}

func TestSeedTrapAllReturns(t *testing.T) {
	entry := mustParseMatch(t, "return", ParseContext{})
	ctx := EvalContext{}

	if !EvalEntry(zeroOperandInstr(), entry, ctx) {
		t.Error("ret instruction should match 'return' (default !=0)")
	}
	if EvalEntry(twoOperandInstr(), entry, ctx) {
		t.Error("non-return instruction should not match 'return'")
	}
}

func TestDocumentedNeqMultiValueQuirk(t *testing.T) {
	single := NewValueSet([]int64{5})
	multi := NewValueSet([]int64{5, 6, 7})

	if compareInt(CmpNEQ, single, 5) {
		t.Error("x==5 should fail != against the singleton set {5}")
	}
	if !compareInt(CmpNEQ, single, 6) {
		t.Error("x==6 should pass != against the singleton set {5}")
	}
	if !compareInt(CmpNEQ, multi, 5) {
		t.Error("documented quirk: != against a multi-value set is always true, even for a member")
	}
}

func TestParseMatchNeqMultiValueStillParses(t *testing.T) {
	// The quirk warning (parse.go's neqQuirkWarnOnce) must never block
	// parsing; != against a multi-value set still produces a usable entry.
	entry := mustParseMatch(t, "size!=1,2,3", ParseContext{})
	if entry.Cmp != CmpNEQ || entry.Values.Len() != 3 {
		t.Fatalf("got Cmp=%v Values.Len()=%d, want CmpNEQ/3", entry.Cmp, entry.Values.Len())
	}
}

func TestSeedCSVDriven(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "hot", "addr\n0x401020\n0x4010a0\n")
	pc := ParseContext{CSV: csvindex.NewCache(dir)}

	entry := mustParseMatch(t, `address=hot[0]`, pc)
	if entry.CSVBasename != "hot" {
		t.Fatalf("CSVBasename = %q, want \"hot\"", entry.CSVBasename)
	}

	ctx := EvalContext{}
	hit := &disasm.Instruction{Addr: 0x401020}
	miss := &disasm.Instruction{Addr: 0x401021}
	if !EvalEntry(hit, entry, ctx) {
		t.Error("address present in CSV column should match")
	}
	if EvalEntry(miss, entry, ctx) {
		t.Error("address absent from CSV column should not match")
	}
}

func TestSeedPluginMatchEquivalentToCallAttr(t *testing.T) {
	callEntry := mustParseMatch(t, "call", ParseContext{})
	pluginEntry := mustParseMatch(t, `plugin["lib.so"]!=0`, ParseContext{})

	callInsn := &disasm.Instruction{Groups: disasm.GroupCall}
	otherInsn := &disasm.Instruction{}

	pluginResult := func(in *disasm.Instruction) func(string) (int64, bool) {
		return func(string) (int64, bool) {
			if in.InGroup(disasm.GroupCall) {
				return 1, true
			}
			return 0, true
		}
	}

	for _, in := range []*disasm.Instruction{callInsn, otherInsn} {
		ctx := EvalContext{PluginResult: pluginResult(in)}
		if got, want := EvalEntry(in, pluginEntry, ctx), EvalEntry(in, callEntry, EvalContext{}); got != want {
			t.Errorf("plugin-equivalence mismatch for %+v: plugin=%v call=%v", in, got, want)
		}
	}
}

func TestSelectFirstRuleWins(t *testing.T) {
	r1 := Rule{Index: 0, Entries: []MatchEntry{mustParseMatch(t, "true", ParseContext{})}}
	r2 := Rule{Index: 1, Entries: []MatchEntry{mustParseMatch(t, "true", ParseContext{})}}

	idx := Select(&disasm.Instruction{}, []Rule{r1, r2}, EvalContext{})
	if idx != 0 {
		t.Errorf("Select should return the smallest matching index, got %d", idx)
	}
}

// --- Rule assembly (Build) ---

func TestBuildAssignsIndexAndBindsCSV(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "hot", "addr\n0x401020\n0x4010a0\n")
	pc := ParseContext{CSV: csvindex.NewCache(dir)}

	groups := []Group{
		{Matches: []string{`address=hot[0]`}, Action: `call[clean,before] probe(addr)@"probe.bin"`},
	}
	rules, err := Build(groups, pc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(rules) != 1 || rules[0].Index != 0 {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if rules[0].Action.Symbol != "probe" {
		t.Errorf("Action.Symbol = %q, want probe", rules[0].Action.Symbol)
	}
}

func writeCSV(t *testing.T, dir, basename, content string) {
	t.Helper()
	path := filepath.Join(dir, basename+".csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
