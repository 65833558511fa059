// Package cli implements the splicer command-line surface, using
// cobra and the teacher's piped/no-color fang-bypass Execute() pattern
// (internal/reverse/cmd/root.go's Execute).
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"splicer/internal/csvindex"
	"splicer/internal/disasm"
	"splicer/internal/elfx"
	"splicer/internal/pipeline"
	"splicer/internal/plan"
	"splicer/internal/pluginhost"
	"splicer/internal/rule"
	splicerlog "splicer/internal/splicer/log"
	"splicer/internal/splicer/logging"
)

// ruleFlag is a pflag.Value implementing the repeated --match/-M
// followed by --action/-A group convention: each -A consumes all
// preceding ungrouped matches. pflag calls Set in true command-line
// order regardless of flag identity, so a single pair of ruleFlag
// values (one for -M, one for -A) sharing the same pending/groups
// slices reconstructs the original interleaving.
type ruleFlag struct {
	isAction bool
	pending  *[]string
	groups   *[]rule.Group
}

func (f *ruleFlag) String() string { return "" }
func (f *ruleFlag) Type() string   { return "string" }

func (f *ruleFlag) Set(v string) error {
	if f.isAction {
		*f.groups = append(*f.groups, rule.Group{
			Matches: append([]string{}, *f.pending...),
			Action:  v,
		})
		*f.pending = nil
		return nil
	}
	*f.pending = append(*f.pending, v)
	return nil
}

// New builds the root command.
func New() *cobra.Command {
	var (
		pending []string
		groups  []rule.Group
	)

	root := &cobra.Command{
		Use:   "splicer [file]",
		Short: "Rule-driven static binary rewriter front-end",
		Long: `Splicer disassembles an ELF binary, selects instructions via declarative
match/action rules, and emits an ordered directive stream for a separate
patch backend to apply.`,
		Example: `
# Trap every return instruction
splicer --match return --action trap /path/to/binary

# Call a probe function before every call instruction, passing its address and assembly text
splicer -M call -A 'call[before] probe(addr,asm)@"probe.bin"' /path/to/binary
  `,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], groups)
		},
	}

	root.PersistentFlags().Bool("debug", false, "enable debug-level trace logging")

	root.Flags().VarP(&ruleFlag{pending: &pending, groups: &groups}, "match", "M", "add a match condition to the pending rule")
	root.Flags().VarP(&ruleFlag{isAction: true, pending: &pending, groups: &groups}, "action", "A", "close the pending rule with this action")

	root.Flags().String("backend", "", "backend executable to spawn; required unless --format json")
	root.Flags().Int("compression", 9, "compression level 0..9 (controls the emitted mapping size)")
	root.Flags().String("start", "", "start position: 0x... absolute or a dynamic symbol name")
	root.Flags().String("end", "", "end position: 0x... absolute or a dynamic symbol name")
	root.Flags().Bool("executable", false, "force executable mode")
	root.Flags().Bool("shared", false, "force shared-object mode")
	root.Flags().String("format", "binary", "output format: binary,json,patch,patch.gz,patch.bz2,patch.xz")
	root.Flags().StringP("output", "o", "a.out", "output path")
	root.Flags().Bool("static-loader", false, "use the static loader trampoline")
	root.Flags().Int("sync", 0, "disassembly desync recovery window, 0..1000 (negative disables recovery)")
	root.Flags().String("syntax", "att", "assembly syntax: att or intel")
	root.Flags().Bool("trap-all", false, "treat every undecodable byte as a trap site rather than skipping it")
	root.Flags().StringArray("option", nil, "pass an option through to the backend (repeatable)")
	root.Flags().Bool("dry-run", false, "write the directive stream without invoking a real backend (implies --format json --output -)")

	root.MarkFlagsMutuallyExclusive("executable", "shared")

	return root
}

func run(cmd *cobra.Command, path string, groups []rule.Group) error {
	debug, _ := cmd.Flags().GetBool("debug")
	if debug {
		os.Setenv("SPLICER_LOG_LEVEL", "debug")
	}
	splicerlog.Setup("", debug)
	logging.NewLogger()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	if dryRun {
		format = "json"
		output = "-"
	}

	backendPath, _ := cmd.Flags().GetString("backend")
	if backendPath == "" && format != "json" {
		return fmt.Errorf("splicer: --backend is required unless --format json")
	}

	compression, _ := cmd.Flags().GetInt("compression")
	if compression < 0 || compression > 9 {
		return fmt.Errorf("splicer: --compression must be 0..9, got %d", compression)
	}

	syncWindow, _ := cmd.Flags().GetInt("sync")
	if syncWindow > 1000 {
		return fmt.Errorf("splicer: --sync must be <= 1000, got %d", syncWindow)
	}

	syntaxFlag, _ := cmd.Flags().GetString("syntax")
	syntax, err := parseSyntax(syntaxFlag)
	if err != nil {
		return err
	}

	executable, _ := cmd.Flags().GetBool("executable")
	shared, _ := cmd.Flags().GetBool("shared")
	staticLoader, _ := cmd.Flags().GetBool("static-loader")
	trapAll, _ := cmd.Flags().GetBool("trap-all")

	csvDir := filepath.Dir(path)
	csvCache := csvindex.NewCache(csvDir)
	host := pluginhost.NewHost()
	pc := rule.ParseContext{CSV: csvCache, HasMatch: host.HasMatch, HasAny: host.HasAny}

	rules, err := rule.Build(groups, pc)
	if err != nil {
		return err
	}

	trapAllAction := -1
	if trapAll {
		trapAllAction = len(rules)
		rules = append(rules, rule.Rule{
			Index: trapAllAction,
			// Never-true so ordinary Select() never picks this rule for a
			// decodable instruction; it's only ever assigned directly, by
			// offset, to an undecodable byte's Location.
			Entries: []rule.MatchEntry{{Attr: rule.AttrFalse, Cmp: rule.CmpNEQZero}},
			Action:  rule.Action{Kind: rule.ActionTrap, Name: "trap-all"},
		})
	}

	img, err := elfx.Open(path, 0)
	if err != nil {
		return fmt.Errorf("splicer: open %q: %w", path, err)
	}
	defer img.Close()

	if err := applyRange(cmd, img); err != nil {
		return err
	}

	mode := resolveMode(img, path, executable, shared)

	code, ok := img.SliceVA(img.TextAddr, img.TextSize)
	if !ok {
		return fmt.Errorf("splicer: code region is out of bounds for %q", path)
	}
	src := disasm.NewSource(code, img.TextAddr, img.TextOffset, syntax)

	result, err := pipeline.Run(src, rules, host, pipeline.DesyncPolicy{Sync: syncWindow, TrapAll: trapAll, TrapAllAction: trapAllAction}, 0, 0)
	if err != nil {
		return fmt.Errorf("splicer: pipeline: %w", err)
	}
	if result.Desynced {
		slog.Warn("disassembly desync recovered", "sync", syncWindow)
	}
	if debug {
		for _, loc := range result.Locations {
			if !loc.Patch {
				continue
			}
			r := rules[loc.Action]
			slog.Debug("selected",
				"offset", loc.Offset,
				"rule", r.Index,
				"action", logging.DemangleSymbol(r.Action.Symbol))
		}
	}

	planner := &plan.Planner{Img: img, Src: src, Host: host, CSV: csvCache, Rand: defaultRand()}
	msgs, err := planner.Build(mode, rules, result.Locations, plan.Options{
		Output:           output,
		Format:           format,
		CompressionLevel: compression,
		StaticLoader:     staticLoader,
	})
	if err != nil {
		return fmt.Errorf("splicer: emission planning: %w", err)
	}

	backendOptions, _ := cmd.Flags().GetStringArray("option")

	var backend *plan.Backend
	if format == "json" || backendPath == "" {
		backend, err = plan.OpenFileBackend(output)
	} else {
		backend, err = plan.OpenBackend(backendPath, backendOptions)
	}
	if err != nil {
		return err
	}
	if err := backend.Send(msgs); err != nil {
		backend.Close()
		return fmt.Errorf("splicer: sending directives: %w", err)
	}
	return backend.Close()
}

// defaultRand seeds with pipeline.RandomSeed so a `random` argument
// reproduces identically across runs over the same input, matching
// pipeline.Run's own `random` attribute source.
func defaultRand() func() int64 {
	rng := rand.New(rand.NewSource(pipeline.RandomSeed))
	return func() int64 { return int64(rng.Int31()) }
}

func parseSyntax(s string) (disasm.Syntax, error) {
	switch strings.ToLower(s) {
	case "", "att":
		return disasm.SyntaxATT, nil
	case "intel":
		return disasm.SyntaxIntel, nil
	}
	return 0, fmt.Errorf("splicer: unknown --syntax %q, want att or intel", s)
}

func resolveMode(img *elfx.Image, path string, executable, shared bool) string {
	mode := "exe"
	if img.DSO && elfx.IsLibraryName(path) {
		mode = "dso"
	}
	if executable {
		mode = "exe"
	}
	if shared {
		mode = "dso"
	}
	return mode
}

// applyRange resolves --start/--end position strings (0x... hex
// absolute, else a dynamic-symbol name) and narrows the code region
// accordingly.
func applyRange(cmd *cobra.Command, img *elfx.Image) error {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	if start == "" && end == "" {
		return nil
	}

	startAddr := img.TextAddr
	endAddr := img.TextAddr + img.TextSize
	var err error
	if start != "" {
		startAddr, err = resolvePosition(img, start)
		if err != nil {
			return err
		}
	}
	if end != "" {
		endAddr, err = resolvePosition(img, end)
		if err != nil {
			return err
		}
	}
	if !img.InTextRange(startAddr) || endAddr < startAddr || endAddr > img.TextAddr+img.TextSize {
		return fmt.Errorf("splicer: --start/--end range [%#x, %#x) lies outside the code section", startAddr, endAddr)
	}

	img.TextOffset += startAddr - img.TextAddr
	img.TextSize = endAddr - startAddr
	img.TextAddr = startAddr
	return nil
}

func resolvePosition(img *elfx.Image, pos string) (uint64, error) {
	if strings.HasPrefix(pos, "0x") || strings.HasPrefix(pos, "0X") {
		v, err := strconv.ParseUint(pos[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("splicer: invalid position %q: %w", pos, err)
		}
		return v, nil
	}
	addr, ok := img.FindFunctionByName(pos)
	if !ok {
		return 0, fmt.Errorf("splicer: no dynamic symbol named %q", pos)
	}
	return addr, nil
}

// Execute runs the root command, bypassing fang's markdown rendering
// when output is piped or NO_COLOR/SPLICER_NO_COLOR is set, exactly as the
// teacher's Execute() does for its TUI bypass.
func Execute() {
	root := New()

	noColor := os.Getenv("NO_COLOR") != "" || os.Getenv("SPLICER_NO_COLOR") != ""
	piped := !term.IsTerminal(os.Stdout.Fd())

	if noColor || piped {
		if err := root.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(context.Background(), root, fang.WithNotifySignal(os.Interrupt)); err != nil {
		os.Exit(1)
	}
}
