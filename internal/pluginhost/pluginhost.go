// Package pluginhost loads the C-ABI plugin libraries a rule's
// `plugin[name]`/`plugin` attribute and action reference.
//
// The architecture — a process-wide, path-keyed cache of loaded
// libraries, "loaded once, reused by address" — is grounded on
// DataDog-datadog-agent/pkg/plugin/go_native_loader.go's
// GoNativePluginCheckLoader. That loader uses Go's builtin `plugin`
// package, which only works for Go-built `-buildmode=plugin` shared
// objects with a matching toolchain; these plugins are arbitrary C
// shared objects exporting five fixed C symbols, so symbol resolution
// here uses github.com/ebitengine/purego's Dlopen/Dlsym instead.
package pluginhost

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ebitengine/purego"
)

// Hook identifies one of the five versioned entry points a plugin may
// export: `e9_plugin_{init,instr,match,patch,fini}_v1`.
type Hook int

const (
	HookInit Hook = iota
	HookInstr
	HookMatch
	HookPatch
	HookFini
)

func symbolName(h Hook) string {
	switch h {
	case HookInit:
		return "e9_plugin_init_v1"
	case HookInstr:
		return "e9_plugin_instr_v1"
	case HookMatch:
		return "e9_plugin_match_v1"
	case HookPatch:
		return "e9_plugin_patch_v1"
	case HookFini:
		return "e9_plugin_fini_v1"
	}
	return ""
}

// Plugin is one loaded C-ABI library. The out/elf/disasm-handle/insn
// arguments that cross the ABI boundary are opaque C pointers from this
// driver's point of view (uintptr), reinterpreted by the plugin itself;
// the driver only threads them through unchanged.
type Plugin struct {
	Path string

	hasInit  bool
	hasInstr bool
	hasMatch bool
	hasPatch bool
	hasFini  bool

	initFn  func(out uintptr, elf uintptr) uintptr
	instrFn func(out, elf, disasmHandle uintptr, offset uint64, insn uintptr, ctx uintptr)
	matchFn func(out, elf, disasmHandle uintptr, offset uint64, insn uintptr, ctx uintptr) int32
	patchFn func(out, elf, disasmHandle uintptr, offset uint64, insn uintptr, ctx uintptr)
	finiFn  func(out, elf uintptr, ctx uintptr)

	// Context is the opaque value returned by Init and threaded through
	// every subsequent call: created by init, threaded through
	// instr/match/patch, destroyed by fini.
	Context uintptr
}

// HasInstr reports whether this plugin exports instr — the presence of
// any loaded plugin's instr hook turns on two-pass mode.
func (p *Plugin) HasInstr() bool { return p.hasInstr }

// HasMatch reports whether this plugin exports match, the capability a
// `plugin[name]` match attribute requires.
func (p *Plugin) HasMatch() bool { return p.hasMatch }

// HasAny reports whether the plugin exports any of the five hooks.
// A plugin exporting none of these is rejected.
func (p *Plugin) HasAny() bool {
	return p.hasInit || p.hasInstr || p.hasMatch || p.hasPatch || p.hasFini
}

// Init invokes the plugin's init hook if present and records the
// returned context for later calls. A plugin with no init hook keeps a
// zero context.
func (p *Plugin) Init(out, elf uintptr) {
	if !p.hasInit {
		return
	}
	p.Context = p.initFn(out, elf)
}

// Instr invokes the plugin's instr hook (pass-one notification in
// two-pass mode), a no-op if the plugin does not export it.
func (p *Plugin) Instr(out, elf, disasmHandle uintptr, offset uint64, insn uintptr) {
	if !p.hasInstr {
		return
	}
	p.instrFn(out, elf, disasmHandle, offset, insn, p.Context)
}

// Match invokes the plugin's match hook and returns its integer result;
// ok is false if the plugin exports no match hook.
func (p *Plugin) Match(out, elf, disasmHandle uintptr, offset uint64, insn uintptr) (result int64, ok bool) {
	if !p.hasMatch {
		return 0, false
	}
	return int64(p.matchFn(out, elf, disasmHandle, offset, insn, p.Context)), true
}

// Patch invokes the plugin's patch hook, delegating patch-message
// emission to the plugin for a plugin action with a patch entry
// point.
func (p *Plugin) Patch(out, elf, disasmHandle uintptr, offset uint64, insn uintptr) {
	if !p.hasPatch {
		return
	}
	p.patchFn(out, elf, disasmHandle, offset, insn, p.Context)
}

// Fini invokes the plugin's fini hook after emission completes,
// releasing its context.
func (p *Plugin) Fini(out, elf uintptr) {
	if !p.hasFini {
		return
	}
	p.finiFn(out, elf, p.Context)
	p.Context = 0
}

// Host is the process-wide, append-only table of loaded plugins keyed
// by canonicalized path: reopening the same path returns the
// cached handle.
type Host struct {
	mu      sync.Mutex
	byPath  map[string]*Plugin
	handles map[string]uintptr
	order   []string // first-load order, for deterministic init/fini dispatch
}

// NewHost constructs an empty plugin table.
func NewHost() *Host {
	return &Host{
		byPath:  map[string]*Plugin{},
		handles: map[string]uintptr{},
	}
}

// Load resolves path to its absolute form and returns the cached Plugin
// for it, loading the library via dlopen on first use. A plugin
// exporting none of the five hooks is a load error.
func (h *Host) Load(path string) (*Plugin, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: resolve path %q: %w", path, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if p, ok := h.byPath[abs]; ok {
		return p, nil
	}

	lib, err := purego.Dlopen(abs, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: dlopen %q: %w", abs, err)
	}

	p := &Plugin{Path: abs}
	if sym, ok := lookup(lib, symbolName(HookInit)); ok {
		purego.RegisterFunc(&p.initFn, sym)
		p.hasInit = true
	}
	if sym, ok := lookup(lib, symbolName(HookInstr)); ok {
		purego.RegisterFunc(&p.instrFn, sym)
		p.hasInstr = true
	}
	if sym, ok := lookup(lib, symbolName(HookMatch)); ok {
		purego.RegisterFunc(&p.matchFn, sym)
		p.hasMatch = true
	}
	if sym, ok := lookup(lib, symbolName(HookPatch)); ok {
		purego.RegisterFunc(&p.patchFn, sym)
		p.hasPatch = true
	}
	if sym, ok := lookup(lib, symbolName(HookFini)); ok {
		purego.RegisterFunc(&p.finiFn, sym)
		p.hasFini = true
	}

	if !p.HasAny() {
		return nil, fmt.Errorf("pluginhost: %q exports none of init/instr/match/patch/fini", abs)
	}

	h.byPath[abs] = p
	h.handles[abs] = lib
	h.order = append(h.order, abs)
	return p, nil
}

// lookup resolves name in lib, returning ok=false (not an error) when
// the symbol is simply absent — absence of an individual entry point is
// routine, not a load failure; it simply disables the corresponding
// hook.
func lookup(lib uintptr, name string) (uintptr, bool) {
	sym, err := purego.Dlsym(lib, name)
	if err != nil || sym == 0 {
		return 0, false
	}
	return sym, true
}

// HasMatch reports whether the plugin at path exports match, loading it
// first if necessary — used to validate a `plugin[name]` match entry at
// parse time.
func (h *Host) HasMatch(path string) (bool, error) {
	p, err := h.Load(path)
	if err != nil {
		return false, err
	}
	return p.HasMatch(), nil
}

// HasAny reports whether the plugin at path exports any hook, loading
// it first if necessary — used to validate a `plugin` action at parse
// time.
func (h *Host) HasAny(path string) (bool, error) {
	p, err := h.Load(path)
	if err != nil {
		return false, err
	}
	return p.HasAny(), nil
}

// TwoPassRequired reports whether any plugin loaded so far exports
// instr. This is intentionally a single global flag, not a per-plugin
// scope, matching the decision recorded in DESIGN.md Open Question #2.
func (h *Host) TwoPassRequired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.byPath {
		if p.hasInstr {
			return true
		}
	}
	return false
}

// All returns every loaded plugin in first-load order, the order
// init/fini dispatch uses.
func (h *Host) All() []*Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Plugin, 0, len(h.order))
	for _, path := range h.order {
		out = append(out, h.byPath[path])
	}
	return out
}
