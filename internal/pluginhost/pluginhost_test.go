package pluginhost

import "testing"

func TestSymbolName(t *testing.T) {
	tests := []struct {
		hook Hook
		want string
	}{
		{HookInit, "e9_plugin_init_v1"},
		{HookInstr, "e9_plugin_instr_v1"},
		{HookMatch, "e9_plugin_match_v1"},
		{HookPatch, "e9_plugin_patch_v1"},
		{HookFini, "e9_plugin_fini_v1"},
		{Hook(99), ""},
	}
	for _, tt := range tests {
		if got := symbolName(tt.hook); got != tt.want {
			t.Errorf("symbolName(%v) = %q, want %q", tt.hook, got, tt.want)
		}
	}
}

func TestPluginHasAny(t *testing.T) {
	var p Plugin
	if p.HasAny() {
		t.Error("a plugin with no hooks set should report HasAny() == false")
	}
	p.hasPatch = true
	if !p.HasAny() {
		t.Error("a plugin with one hook set should report HasAny() == true")
	}
}

func TestPluginNoHookIsNoop(t *testing.T) {
	p := &Plugin{}
	p.Init(0, 0)
	p.Instr(0, 0, 0, 0, 0)
	p.Patch(0, 0, 0, 0, 0)
	p.Fini(0, 0)
	if _, ok := p.Match(0, 0, 0, 0, 0); ok {
		t.Error("Match should report ok=false when the plugin exports no match hook")
	}
	if p.Context != 0 {
		t.Error("a no-init plugin must keep a zero context")
	}
}

func TestNewHostEmpty(t *testing.T) {
	h := NewHost()
	if h.TwoPassRequired() {
		t.Error("an empty host must not require two-pass mode")
	}
	if len(h.All()) != 0 {
		t.Error("an empty host must report no loaded plugins")
	}
}
