package cli

import (
	"testing"

	"splicer/internal/disasm"
	"splicer/internal/elfx"
	"splicer/internal/rule"
)

func TestRuleFlagInterleavedOrdering(t *testing.T) {
	// -M m1 -M m2 -A a1 -M m3 -A a2, the required ordering: each -A
	// consumes every preceding ungrouped match.
	var pending []string
	var groups []rule.Group
	match := &ruleFlag{pending: &pending, groups: &groups}
	action := &ruleFlag{isAction: true, pending: &pending, groups: &groups}

	must := func(f *ruleFlag, v string) {
		if err := f.Set(v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}

	must(match, "m1")
	must(match, "m2")
	must(action, "a1")
	must(match, "m3")
	must(action, "a2")

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Action != "a1" || len(groups[0].Matches) != 2 || groups[0].Matches[0] != "m1" || groups[0].Matches[1] != "m2" {
		t.Errorf("group 0 = %+v, want Matches=[m1 m2] Action=a1", groups[0])
	}
	if groups[1].Action != "a2" || len(groups[1].Matches) != 1 || groups[1].Matches[0] != "m3" {
		t.Errorf("group 1 = %+v, want Matches=[m3] Action=a2", groups[1])
	}
	if len(pending) != 0 {
		t.Errorf("pending should be empty after the final action, got %v", pending)
	}
}

func TestRuleFlagActionWithNoPrecedingMatches(t *testing.T) {
	var pending []string
	var groups []rule.Group
	action := &ruleFlag{isAction: true, pending: &pending, groups: &groups}

	if err := action.Set("a1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Matches) != 0 {
		t.Errorf("expected one group with zero matches, got %+v", groups)
	}
}

func TestParseSyntax(t *testing.T) {
	tests := []struct {
		in      string
		want    disasm.Syntax
		wantErr bool
	}{
		{"att", disasm.SyntaxATT, false},
		{"ATT", disasm.SyntaxATT, false},
		{"", disasm.SyntaxATT, false},
		{"intel", disasm.SyntaxIntel, false},
		{"Intel", disasm.SyntaxIntel, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSyntax(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSyntax(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("parseSyntax(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResolveMode(t *testing.T) {
	exe := &elfx.Image{DSO: false}
	if got := resolveMode(exe, "a.out", false, false); got != "exe" {
		t.Errorf("non-DSO image: got %q, want exe", got)
	}

	dso := &elfx.Image{DSO: true}
	if got := resolveMode(dso, "libfoo.so.1", false, false); got != "dso" {
		t.Errorf("DSO image with lib*.so name: got %q, want dso", got)
	}
	if got := resolveMode(dso, "plugin.bin", false, false); got != "exe" {
		t.Errorf("DSO image without a lib*.so name: got %q, want exe (PIE executable)", got)
	}

	if got := resolveMode(dso, "libfoo.so", true, false); got != "exe" {
		t.Errorf("--executable must override the heuristic, got %q", got)
	}
	if got := resolveMode(exe, "a.out", false, true); got != "dso" {
		t.Errorf("--shared must override the heuristic, got %q", got)
	}
}

func TestResolvePosition(t *testing.T) {
	img := &elfx.Image{
		TextAddr: 0x1000,
		TextSize: 0x100,
		Dynsyms:  []elfx.DynSym{{Name: "main", Addr: 0x1010}},
	}

	addr, err := resolvePosition(img, "0x1020")
	if err != nil || addr != 0x1020 {
		t.Errorf("resolvePosition(0x1020) = %#x, %v, want 0x1020, nil", addr, err)
	}

	addr, err = resolvePosition(img, "main")
	if err != nil || addr != 0x1010 {
		t.Errorf("resolvePosition(main) = %#x, %v, want 0x1010, nil", addr, err)
	}

	if _, err := resolvePosition(img, "nosuchsymbol"); err == nil {
		t.Error("expected an error resolving an unknown symbol name")
	}
}
