package rule

import (
	"testing"

	"splicer/internal/csvindex"
	"splicer/internal/disasm"
)

func TestResolveArgumentMetadataKinds(t *testing.T) {
	in := twoOperandInstr()
	ctx := ArgContext{Addr: 0x5000, Next: 0x5003, Target: 0x9000}
	r := Rule{}

	tests := []struct {
		arg  Argument
		want any
	}{
		{Argument{Kind: ArgAddr}, uint64(0x5000)},
		{Argument{Kind: ArgNext}, uint64(0x5003)},
		{Argument{Kind: ArgTarget}, int64(0x9000)},
		{Argument{Kind: ArgSize}, int64(in.Size)},
		{Argument{Kind: ArgIntLiteral, Literal: 42}, int64(42)},
		{Argument{Kind: ArgRegister, Register: "rax"}, "rax"},
	}
	for _, tt := range tests {
		got, err := ResolveArgument(in, tt.arg, r, ctx)
		if err != nil {
			t.Fatalf("ResolveArgument(%+v): %v", tt.arg, err)
		}
		if got != tt.want {
			t.Errorf("ResolveArgument(%+v) = %v, want %v", tt.arg, got, tt.want)
		}
	}
}

func TestResolveArgumentOperandProjection(t *testing.T) {
	in := twoOperandInstr()
	arg := Argument{Kind: ArgDst, OperandIndex: 0}
	got, err := ResolveArgument(in, arg, Rule{}, ArgContext{})
	if err != nil {
		t.Fatalf("ResolveArgument: %v", err)
	}
	if got.(int64) != int64(in.Operands[1].Size) {
		t.Errorf("got %v, want dst operand size %d", got, in.Operands[1].Size)
	}
}

func TestResolveArgumentCSVField(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "hot", "addr,label\n0x401020,alpha\n0x4010a0,beta\n")
	cache := csvindex.NewCache(dir)
	pc := ParseContext{CSV: cache}

	entry := mustParseMatch(t, `address=hot[0]`, pc)
	r := Rule{Entries: []MatchEntry{entry}}

	in := &disasm.Instruction{Addr: 0x401020}
	arg := Argument{Kind: ArgCSVField, CSVBasename: "hot", CSVColumn: "label"}
	got, err := ResolveArgument(in, arg, r, ArgContext{CSV: cache})
	if err != nil {
		t.Fatalf("ResolveArgument: %v", err)
	}
	if got != "alpha" {
		t.Errorf("got %v, want \"alpha\"", got)
	}
}
