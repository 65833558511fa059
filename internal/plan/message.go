// Package plan implements the emission planner: it orders the backend
// directive stream, computes per-patch-site reachability windows, and
// drives the backend child process.
package plan

// Kind identifies one of the nine backend directive kinds: binary,
// elf-file, call-trampoline, passthru-trampoline, print-trampoline,
// trap-trampoline, instruction, patch, emit.
type Kind string

const (
	KindBinary         Kind = "binary"
	KindELFFile        Kind = "elf-file"
	KindCallTrampoline Kind = "call-trampoline"
	KindPassthru       Kind = "passthru-trampoline"
	KindPrint          Kind = "print-trampoline"
	KindTrap           Kind = "trap-trampoline"
	KindInstruction    Kind = "instruction"
	KindPatch          Kind = "patch"
	KindEmit           Kind = "emit"
)

// Message is any of the nine directive payloads; every concrete type
// below implements it by reporting its own Kind.
type Message interface {
	messageKind() Kind
}

// BinaryMessage is step 1: the determined mode and input path.
type BinaryMessage struct {
	Mode         string `json:"mode"` // "exe" or "dso"
	Path         string `json:"path"`
	StaticLoader bool   `json:"static_loader,omitempty"`
}

func (BinaryMessage) messageKind() Kind { return KindBinary }

// ELFFileMessage is step 3: one lazily-loaded secondary ELF (a `call`
// action's target binary), laid out at Base in the target's own
// address space.
type ELFFileMessage struct {
	Path string `json:"path"`
	Base uint64 `json:"base"`
}

func (ELFFileMessage) messageKind() Kind { return KindELFFile }

// CallTrampolineMessage is step 4: one distinct call-action target,
// keyed by its canonicalized Name.
type CallTrampolineMessage struct {
	Name     string   `json:"name"`
	Symbol   string   `json:"symbol"`
	Binary   string   `json:"binary"`
	Position string   `json:"position"`
	Frame    string   `json:"frame"`
	Args     []string `json:"args"`
}

func (CallTrampolineMessage) messageKind() Kind { return KindCallTrampoline }

// PassthruTrampolineMessage, PrintTrampolineMessage, and
// TrapTrampolineMessage are step 5's fixed, argument-free trampoline
// definitions, sent at most once each.
type PassthruTrampolineMessage struct{}

func (PassthruTrampolineMessage) messageKind() Kind { return KindPassthru }

type PrintTrampolineMessage struct{}

func (PrintTrampolineMessage) messageKind() Kind { return KindPrint }

type TrapTrampolineMessage struct{}

func (TrapTrampolineMessage) messageKind() Kind { return KindTrap }

// InstructionMessage is step 6's instruction notification: the
// original bytes and address of one disassembled instruction, sent at
// most once regardless of how many patch windows reach it.
type InstructionMessage struct {
	Offset  uint64 `json:"offset"`
	Address uint64 `json:"address"`
	Size    int    `json:"size"`
}

func (InstructionMessage) messageKind() Kind { return KindInstruction }

// PatchMessage is step 6's rewrite directive for one matched location,
// naming the action/trampoline to splice in plus its resolved argument
// metadata.
type PatchMessage struct {
	Name     string         `json:"name"`
	Offset   uint64         `json:"offset"`
	Address  uint64         `json:"address"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (PatchMessage) messageKind() Kind { return KindPatch }

// EmitMessage is step 8: the final instruction to the backend to write
// its output.
type EmitMessage struct {
	Output      string `json:"output"`
	Format      string `json:"format"`
	MappingSize int    `json:"mapping_size"`
}

func (EmitMessage) messageKind() Kind { return KindEmit }

// MappingSize computes the emit step's mapping-size parameter,
// 4096 * 2^(9 - compressionLevel).
func MappingSize(compressionLevel int) int {
	return 4096 * (1 << (9 - compressionLevel))
}
