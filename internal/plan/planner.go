package plan

import (
	"fmt"
	"math"

	"splicer/internal/csvindex"
	"splicer/internal/disasm"
	"splicer/internal/elfx"
	"splicer/internal/pipeline"
	"splicer/internal/pluginhost"
	"splicer/internal/rule"
)

// Options carries the emit-time knobs the planner needs beyond the
// binary, rules, and locations: the output destination/format and the
// compression level the mapping-size formula depends on.
type Options struct {
	Output           string
	Format           string
	CompressionLevel int  // 0..9
	StaticLoader     bool // use the static loader trampoline instead of a dynamic mmap/mprotect init
}

// Planner holds everything Build needs to turn a disassembled,
// rule-evaluated buffer into an ordered directive stream.
type Planner struct {
	Img  *elfx.Image
	Src  *disasm.Source
	Host *pluginhost.Host
	CSV  *csvindex.Cache
	Rand func() int64
}

const pageSize = 4096

// reachWindow is the short-jump reachability window:
// |text_addr + loc.offset - patch_addr| <= INT8_MAX + 2 + 15.
const reachWindow = math.MaxInt8 + 2 + 15

func pageAlign(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// reachable implements the reachability predicate between a candidate
// instruction site (at textAddr+offset) and the patch site's address.
func reachable(siteAddr, patchAddr uint64) bool {
	d := int64(siteAddr) - int64(patchAddr)
	if d < 0 {
		d = -d
	}
	return d <= reachWindow
}

// Build runs the emission planner over a fully evaluated Location
// buffer, returning the ordered directive stream. mode is "exe" or
// "dso", already resolved by the executable-vs-shared heuristic.
func (p *Planner) Build(mode string, rules []rule.Rule, locs []pipeline.Location, opts Options) ([]Message, error) {
	var msgs []Message

	// Step 1: binary.
	msgs = append(msgs, BinaryMessage{Mode: mode, Path: p.Img.Path, StaticLoader: opts.StaticLoader})

	// Step 2: plugin init, in first-load order.
	for _, pl := range p.Host.All() {
		pl.Init(0, 0)
	}

	// Step 3: lazily load each distinct call-action target ELF, each one
	// laid out 8 pages above the running watermark and page-aligned.
	watermark := p.Img.FreeAddr
	loaded := map[string]bool{}
	for _, r := range rules {
		if r.Action.Kind != rule.ActionCall || loaded[r.Action.Binary] {
			continue
		}
		loaded[r.Action.Binary] = true
		base := pageAlign(watermark + 8*pageSize)
		target, err := elfx.Open(r.Action.Binary, base)
		if err != nil {
			return nil, fmt.Errorf("plan: load call target %q: %w", r.Action.Binary, err)
		}
		msgs = append(msgs, ELFFileMessage{Path: r.Action.Binary, Base: base})
		watermark = target.FreeAddr
	}

	// Step 4: one call-trampoline definition per distinct action name.
	seenTrampoline := map[string]bool{}
	for _, r := range rules {
		if r.Action.Kind != rule.ActionCall || seenTrampoline[r.Action.Name] {
			continue
		}
		seenTrampoline[r.Action.Name] = true
		args := make([]string, len(r.Action.Args))
		for i, a := range r.Action.Args {
			args[i] = a.String()
		}
		msgs = append(msgs, CallTrampolineMessage{
			Name:     r.Action.Name,
			Symbol:   r.Action.Symbol,
			Binary:   r.Action.Binary,
			Position: r.Action.Position.String(),
			Frame:    r.Action.Frame.String(),
			Args:     args,
		})
	}

	// Step 5: the fixed trampolines, each sent at most once.
	var wantPassthru, wantPrint, wantTrap bool
	for _, r := range rules {
		switch r.Action.Kind {
		case rule.ActionPassthru:
			wantPassthru = true
		case rule.ActionPrint:
			wantPrint = true
		case rule.ActionTrap:
			wantTrap = true
		}
	}
	if wantPassthru {
		msgs = append(msgs, PassthruTrampolineMessage{})
	}
	if wantPrint {
		msgs = append(msgs, PrintTrampolineMessage{})
	}
	if wantTrap {
		msgs = append(msgs, TrapTrampolineMessage{})
	}

	// Step 6: instruction + patch messages, reverse offset order.
	windowMsgs, err := p.planPatches(rules, locs)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, windowMsgs...)

	// Step 7: plugin fini, same order as init.
	for _, pl := range p.Host.All() {
		pl.Fini(0, 0)
	}

	// Step 8: emit.
	msgs = append(msgs, EmitMessage{
		Output:      opts.Output,
		Format:      opts.Format,
		MappingSize: MappingSize(opts.CompressionLevel),
	})

	return msgs, nil
}

// planPatches implements step 6: traverse locs in reverse offset order,
// and for each patch site, widen a reachability window in both
// directions sending at-most-once instruction messages, then send the
// patch message itself (or delegate to a plugin's patch hook).
func (p *Planner) planPatches(rules []rule.Rule, locs []pipeline.Location) ([]Message, error) {
	var msgs []Message
	emitted := make([]bool, len(locs))
	textAddr := p.Img.TextAddr

	emitWindow := func(i int) error {
		patchAddr := textAddr + locs[i].Offset
		for j := i; j >= 0; j-- {
			siteAddr := textAddr + locs[j].Offset
			if !reachable(siteAddr, patchAddr) {
				break
			}
			if !emitted[j] {
				in, err := p.Src.DecodeAt(locs[j].Offset)
				if err != nil {
					return fmt.Errorf("plan: decode instruction at offset %d: %w", locs[j].Offset, err)
				}
				msgs = append(msgs, InstructionMessage{Offset: in.Offset, Address: in.Addr, Size: in.Size})
				emitted[j] = true
			}
		}
		for j := i + 1; j < len(locs); j++ {
			siteAddr := textAddr + locs[j].Offset
			if !reachable(siteAddr, patchAddr) {
				break
			}
			if !emitted[j] {
				in, err := p.Src.DecodeAt(locs[j].Offset)
				if err != nil {
					return fmt.Errorf("plan: decode instruction at offset %d: %w", locs[j].Offset, err)
				}
				msgs = append(msgs, InstructionMessage{Offset: in.Offset, Address: in.Addr, Size: in.Size})
				emitted[j] = true
			}
		}
		return nil
	}

	for i := len(locs) - 1; i >= 0; i-- {
		loc := locs[i]
		if !loc.Patch {
			continue
		}
		if loc.Action < 0 || loc.Action >= len(rules) {
			return nil, fmt.Errorf("plan: location at offset %d has out-of-range action index %d", loc.Offset, loc.Action)
		}
		if err := emitWindow(i); err != nil {
			return nil, err
		}

		in, err := p.Src.DecodeAt(loc.Offset)
		if err != nil {
			return nil, fmt.Errorf("plan: decode patch instruction at offset %d: %w", loc.Offset, err)
		}
		action := rules[loc.Action].Action

		if action.Kind == rule.ActionPlugin {
			pl, err := p.Host.Load(action.PluginPath)
			if err != nil {
				return nil, fmt.Errorf("plan: load patch plugin %q: %w", action.PluginPath, err)
			}
			pl.Patch(0, 0, 0, loc.Offset, 0)
			continue
		}

		metadata, err := p.buildMetadata(in, rules[loc.Action], action, loc)
		if err != nil {
			return nil, fmt.Errorf("plan: build patch metadata at offset %d: %w", loc.Offset, err)
		}
		msgs = append(msgs, PatchMessage{
			Name:     action.Name,
			Offset:   in.Offset,
			Address:  in.Addr,
			Metadata: metadata,
		})
	}
	return msgs, nil
}

// buildMetadata resolves every call argument of action against the
// matched instruction, producing the patch message's metadata map.
// Non-call actions (passthru/print/trap) carry no arguments.
func (p *Planner) buildMetadata(in *disasm.Instruction, r rule.Rule, action rule.Action, loc pipeline.Location) (map[string]any, error) {
	if action.Kind != rule.ActionCall {
		return nil, nil
	}
	target := int64(-1)
	if addr, ok := in.Target(); ok {
		target = int64(addr)
	}
	argCtx := rule.ArgContext{
		Addr:       in.Addr,
		StaticAddr: in.Addr,
		Base:       p.Img.TextAddr,
		Offset:     loc.Offset,
		Next:       in.Addr + uint64(in.Size),
		Target:     target,
		Bytes:      in.Bytes,
		Trampoline: action.Name,
		Rand:       p.Rand,
		CSV:        p.CSV,
	}
	metadata := make(map[string]any, len(action.Args))
	for i, arg := range action.Args {
		if arg.IsDuplicate {
			continue
		}
		value, err := rule.ResolveArgument(in, arg, r, argCtx)
		if err != nil {
			return nil, err
		}
		metadata[fmt.Sprintf("arg%d", i)] = value
	}
	return metadata, nil
}
