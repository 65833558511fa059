package pipeline

import (
	"testing"

	"splicer/internal/disasm"
	"splicer/internal/pluginhost"
	"splicer/internal/rule"
)

func alwaysMatch(action rule.Action) rule.Rule {
	return rule.Rule{
		Entries: []rule.MatchEntry{{Attr: rule.AttrTrue, Cmp: rule.CmpNEQZero}},
		Action:  action,
	}
}

func TestRunSelectsFirstMatchingRule(t *testing.T) {
	code := []byte{0xc3, 0xc3, 0xc3} // three one-byte ret instructions
	src := disasm.NewSource(code, 0x1000, 0, disasm.SyntaxATT)
	rules := []rule.Rule{alwaysMatch(rule.Action{Kind: rule.ActionTrap, Name: "t"})}

	result, err := Run(src, rules, pluginhost.NewHost(), DesyncPolicy{}, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Locations) != len(code) {
		t.Fatalf("got %d locations, want %d", len(result.Locations), len(code))
	}
	for _, loc := range result.Locations {
		if !loc.Patch || loc.Action != 0 {
			t.Errorf("location %+v: want Patch=true Action=0", loc)
		}
	}
	if result.Desynced || result.TwoPass {
		t.Errorf("unexpected Desynced=%v TwoPass=%v", result.Desynced, result.TwoPass)
	}
}

func TestRunNoRulesLeavesEveryLocationUnpatched(t *testing.T) {
	code := []byte{0xc3, 0xc3}
	src := disasm.NewSource(code, 0x1000, 0, disasm.SyntaxATT)

	result, err := Run(src, nil, pluginhost.NewHost(), DesyncPolicy{}, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, loc := range result.Locations {
		if loc.Patch {
			t.Errorf("location %+v: expected no rule to match", loc)
		}
	}
}

// A lone 0x0f at the very end of the buffer is a two-byte-opcode escape
// prefix with no suffix byte available — decode fails for lack of
// bytes regardless of the opcode table, making it a reliable desync
// trigger that doesn't depend on which specific opcodes the decoder
// implements.
func TestRunDesyncSkipsWithinSyncWindow(t *testing.T) {
	code := []byte{0xc3, 0x0f}
	src := disasm.NewSource(code, 0x1000, 0, disasm.SyntaxATT)

	result, err := Run(src, nil, pluginhost.NewHost(), DesyncPolicy{Sync: 0}, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Desynced {
		t.Error("expected at least one desync to be recorded")
	}
}

func TestRunDesyncFatalWhenSyncNegative(t *testing.T) {
	code := []byte{0x0f}
	src := disasm.NewSource(code, 0x1000, 0, disasm.SyntaxATT)

	if _, err := Run(src, nil, pluginhost.NewHost(), DesyncPolicy{Sync: -1}, 0, 0); err == nil {
		t.Error("expected a fatal error when a desync occurs with Sync < 0")
	}
}

func TestRunTrapAllRecordsUndecodableByte(t *testing.T) {
	code := []byte{0xc3, 0x0f}
	src := disasm.NewSource(code, 0x1000, 0, disasm.SyntaxATT)
	rules := []rule.Rule{{
		Entries: []rule.MatchEntry{{Attr: rule.AttrFalse, Cmp: rule.CmpNEQZero}},
		Action:  rule.Action{Kind: rule.ActionTrap, Name: "trap-all"},
	}}

	result, err := Run(src, rules, pluginhost.NewHost(), DesyncPolicy{TrapAll: true, TrapAllAction: 0}, 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Desynced {
		t.Error("expected Desynced=true")
	}
	var trapped int
	for _, loc := range result.Locations {
		if loc.Patch {
			trapped++
			if loc.Action != 0 {
				t.Errorf("location %+v: want Action=0", loc)
			}
		}
	}
	if trapped != 1 {
		t.Errorf("trapped = %d, want 1 undecodable byte trapped", trapped)
	}
}
