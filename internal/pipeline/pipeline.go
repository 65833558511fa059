// Package pipeline drives linear disassembly of a code region, plugin
// notification/matching, and rule selection. Grounded directly on
// e9tool.cpp's main() disassembly loop (original_source/src/e9tool/
// e9tool.cpp): the cs_disasm_iter loop, its sync-countdown desync
// recovery, the option_notify branch that switches the whole run to
// two-pass mode, and the second pass's re-decode-and-reselect walk.
package pipeline

import (
	"fmt"
	"math/rand"
	"strings"

	"splicer/internal/disasm"
	"splicer/internal/pluginhost"
	"splicer/internal/rule"
)

// RandomSeed is the fixed seed so that `random` attributes and
// arguments reproduce identically across runs over the same input.
const RandomSeed = 0xE9E9E9E9

// DesyncPolicy configures pass one's recovery from a disassembler
// desync: Sync >= 0 instructions are skipped following a desync;
// Sync < 0 makes any desync fatal. TrapAll overrides both: every
// undecodable byte becomes its own one-byte patch site selecting
// TrapAllAction instead of being skipped; TrapAllAction must index a
// trap-kind rule in the caller's rule set.
type DesyncPolicy struct {
	Sync          int
	TrapAll       bool
	TrapAllAction int
}

// Result is the outcome of driving the pipeline over one code region.
type Result struct {
	Locations []Location
	TwoPass   bool
	Desynced  bool // true iff at least one desync occurred
}

// Run drives the instruction pipeline end to end. out and elfHandle
// are the opaque C-ABI tokens forwarded to plugin callbacks unchanged;
// this driver never interprets them.
func Run(src *disasm.Source, rules []rule.Rule, host *pluginhost.Host, desync DesyncPolicy, out, elfHandle uintptr) (Result, error) {
	twoPass := host.TwoPassRequired()
	rng := rand.New(rand.NewSource(RandomSeed))
	randFn := func() int64 { return int64(rng.Int31()) }

	var locs []Location
	sync := 0
	desynced := false

	for !src.Done() {
		offset := src.Offset() // text-relative, matches e9tool.cpp's `I->address - elf.text_addr`

		in, err := src.Next()
		if err != nil {
			return Result{}, err
		}

		if desync.TrapAll && strings.HasPrefix(in.Mnemonic, ".") {
			desynced = true
			loc, err := NewLocation(offset, in.Size, true, desync.TrapAllAction)
			if err != nil {
				return Result{}, err
			}
			locs = append(locs, loc)
			continue
		}

		if sync > 0 {
			sync--
			continue
		}
		if strings.HasPrefix(in.Mnemonic, ".") {
			desynced = true
			sync = desync.Sync
			continue
		}

		action := -1
		if twoPass {
			for _, p := range host.All() {
				p.Instr(out, elfHandle, 0, offset, 0)
			}
		} else {
			results := matchAllPlugins(host, out, elfHandle, offset)
			ctx := rule.EvalContext{
				Offset:       offset,
				PluginResult: pluginResultFromMap(host, results),
				Rand:         randFn,
			}
			action = rule.Select(in, rules, ctx)
		}

		loc, err := NewLocation(offset, in.Size, action >= 0, action)
		if err != nil {
			return Result{}, err
		}
		locs = append(locs, loc)
	}

	if !src.Done() {
		return Result{}, fmt.Errorf("pipeline: failed to disassemble the full code region")
	}
	if desynced && desync.Sync < 0 {
		return Result{}, fmt.Errorf("pipeline: disassembly desync with --sync disabled")
	}

	if twoPass {
		if err := runSecondPass(src, locs, rules, host, out, elfHandle, randFn); err != nil {
			return Result{}, err
		}
	}

	return Result{Locations: locs, TwoPass: twoPass, Desynced: desynced}, nil
}

// runSecondPass re-decodes every buffered location independently and
// re-evaluates the rule set against it, updating Location.Patch/Action
// in place.
func runSecondPass(src *disasm.Source, locs []Location, rules []rule.Rule, host *pluginhost.Host, out, elfHandle uintptr, randFn func() int64) error {
	for i, loc := range locs {
		in, err := src.DecodeAt(loc.Offset)
		if err != nil {
			return fmt.Errorf("pipeline: pass two: %w", err)
		}
		results := matchAllPlugins(host, out, elfHandle, loc.Offset)
		ctx := rule.EvalContext{
			Offset:       loc.Offset,
			PluginResult: pluginResultFromMap(host, results),
			Rand:         randFn,
		}
		action := rule.Select(in, rules, ctx)
		updated, err := NewLocation(loc.Offset, in.Size, action >= 0, action)
		if err != nil {
			return err
		}
		locs[i] = updated
	}
	return nil
}

// matchAllPlugins calls match on every loaded plugin for the
// instruction at offset, unconditionally, independent of whether any
// rule actually references a given plugin's result, since a plugin's
// match() may carry side effects.
func matchAllPlugins(host *pluginhost.Host, out, elfHandle uintptr, offset uint64) map[string]int64 {
	results := map[string]int64{}
	for _, p := range host.All() {
		if v, ok := p.Match(out, elfHandle, 0, offset, 0); ok {
			results[p.Path] = v
		}
	}
	return results
}

// pluginResultFromMap builds the rule.EvalContext.PluginResult closure
// a `plugin` match attribute invokes, resolving the named plugin
// through the shared host (already loaded during rule parsing) to its
// canonical path, then looking up that path's precomputed result.
func pluginResultFromMap(host *pluginhost.Host, results map[string]int64) func(string) (int64, bool) {
	return func(path string) (int64, bool) {
		p, err := host.Load(path)
		if err != nil {
			return 0, false
		}
		v, ok := results[p.Path]
		return v, ok
	}
}
