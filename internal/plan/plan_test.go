package plan

import (
	"testing"

	"splicer/internal/disasm"
	"splicer/internal/elfx"
	"splicer/internal/pipeline"
	"splicer/internal/pluginhost"
	"splicer/internal/rule"
)

func TestMappingSize(t *testing.T) {
	tests := []struct {
		level int
		want  int
	}{
		{0, 4096 * 512},
		{9, 4096},
		{5, 4096 * 16},
	}
	for _, tt := range tests {
		if got := MappingSize(tt.level); got != tt.want {
			t.Errorf("MappingSize(%d) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestReachableSymmetric(t *testing.T) {
	patch := uint64(0x2000)
	for _, site := range []uint64{0x2000, 0x2000 + reachWindow, 0x2000 - reachWindow} {
		if !reachable(site, patch) {
			t.Errorf("reachable(%#x, %#x) = false, want true at the boundary", site, patch)
		}
	}
	if reachable(patch+reachWindow+1, patch) {
		t.Error("one byte past the window should be unreachable")
	}
	if reachable(patch-reachWindow-1, patch) {
		t.Error("one byte before the window should be unreachable")
	}
}

func TestReachableMonotone(t *testing.T) {
	patch := uint64(0x10000)
	farther := patch + reachWindow + 50
	nearer := patch + reachWindow - 1
	if reachable(farther, patch) {
		t.Error("a farther site must not become reachable")
	}
	if !reachable(nearer, patch) {
		t.Error("a nearer site within the window must be reachable")
	}
}

func TestPageAlign(t *testing.T) {
	if got := pageAlign(0); got != 0 {
		t.Errorf("pageAlign(0) = %d, want 0", got)
	}
	if got := pageAlign(1); got != pageSize {
		t.Errorf("pageAlign(1) = %d, want %d", got, pageSize)
	}
	if got := pageAlign(pageSize); got != pageSize {
		t.Errorf("pageAlign(pageSize) = %d, want %d", got, pageSize)
	}
}

// retCode is five one-byte `ret` instructions, giving five equal-size
// locations to exercise the reachability window without needing a real
// loaded ELF.
var retCode = []byte{0xc3, 0xc3, 0xc3, 0xc3, 0xc3}

func TestBuildEmitsPatchAndInstructionOnce(t *testing.T) {
	img := &elfx.Image{Path: "target", TextAddr: 0x1000}
	src := disasm.NewSource(retCode, img.TextAddr, 0, disasm.SyntaxATT)

	rules := []rule.Rule{
		{Index: 0, Action: rule.Action{Kind: rule.ActionTrap, Name: "trap0"}},
	}
	locs := []pipeline.Location{
		{Offset: 0, Size: 1},
		{Offset: 1, Size: 1, Patch: true, Action: 0},
		{Offset: 2, Size: 1},
		{Offset: 3, Size: 1},
		{Offset: 4, Size: 1},
	}

	p := &Planner{Img: img, Src: src, Host: pluginhost.NewHost()}
	msgs, err := p.Build("exe", rules, locs, Options{Output: "-", Format: "json", CompressionLevel: 9})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var instrCount, patchCount, trapCount, binaryCount, emitCount int
	for _, m := range msgs {
		switch mm := m.(type) {
		case InstructionMessage:
			instrCount++
		case PatchMessage:
			patchCount++
			if mm.Name != "trap0" {
				t.Errorf("patch name = %q, want trap0", mm.Name)
			}
		case TrapTrampolineMessage:
			trapCount++
		case BinaryMessage:
			binaryCount++
			if mm.Mode != "exe" || mm.Path != "target" {
				t.Errorf("binary message = %+v", mm)
			}
		case EmitMessage:
			emitCount++
		}
	}
	if binaryCount != 1 {
		t.Errorf("expected exactly one binary message, got %d", binaryCount)
	}
	if trapCount != 1 {
		t.Errorf("expected exactly one trap-trampoline message, got %d", trapCount)
	}
	if patchCount != 1 {
		t.Errorf("expected exactly one patch message, got %d", patchCount)
	}
	if emitCount != 1 {
		t.Errorf("expected exactly one emit message, got %d", emitCount)
	}
	// All five one-byte ret instructions are within the window of the
	// single patch site, so every one is notified, exactly once.
	if instrCount != len(retCode) {
		t.Errorf("instruction message count = %d, want %d", instrCount, len(retCode))
	}
}

func TestBuildNoActionsOmitsTrampolines(t *testing.T) {
	img := &elfx.Image{Path: "target", TextAddr: 0x1000}
	src := disasm.NewSource(retCode, img.TextAddr, 0, disasm.SyntaxATT)
	p := &Planner{Img: img, Src: src, Host: pluginhost.NewHost()}

	msgs, err := p.Build("exe", nil, nil, Options{Output: "-", Format: "json"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, m := range msgs {
		switch m.(type) {
		case TrapTrampolineMessage, PassthruTrampolineMessage, PrintTrampolineMessage:
			t.Errorf("unexpected trampoline message %T with no actions", m)
		}
	}
}
