package rule

import "fmt"

// ArgumentKind is the closed vocabulary of call-argument kinds,
// grouped as: instruction metadata, operand projections, register
// values/pointers, integer literals, and CSV row fields.
type ArgumentKind int

const (
	ArgInvalid ArgumentKind = iota

	// Instruction metadata.
	ArgASM
	ArgASMSize
	ArgASMLen
	ArgAddr
	ArgStaticAddr
	ArgBase
	ArgInstrBytes
	ArgSize
	ArgOffset
	ArgNext
	ArgTarget
	ArgTrampoline
	ArgRandom

	// Operand projections (OperandIndex selects which one).
	ArgOp
	ArgSrc
	ArgDst
	ArgImm
	ArgReg
	ArgMem

	// A named x86-64 GPR (at any of the four widths) or rip/rflags;
	// Register holds the literal name, e.g. "rax", "ebx", "rip".
	ArgRegister

	// A bare integer literal.
	ArgIntLiteral

	// A CSV row field bound to an earlier match entry's CSV basename.
	ArgCSVField
)

// pointerLegal reports whether & is a legal prefix for a. Operand
// projections (op/src/dst/imm/reg/mem) are pointer-legal, as is any
// named register except rip; rflags is pointer-legal.
func (a Argument) pointerLegal() bool {
	switch a.Kind {
	case ArgOp, ArgSrc, ArgDst, ArgImm, ArgReg, ArgMem:
		return true
	case ArgRegister:
		return a.Register != "rip"
	default:
		return false
	}
}

// Argument is one parsed call-action argument: kind, by-pointer?,
// is-duplicate-of-earlier?, literal-value, csv-basename?
type Argument struct {
	Kind ArgumentKind

	ByPointer   bool
	IsDuplicate bool

	OperandIndex int // for Op/Src/Dst/Imm/Reg/Mem
	Register     string
	Literal      int64

	CSVBasename string
	CSVColumn   string
}

// equalKind reports whether two arguments would evaluate identically,
// the comparison the parser uses to compute IsDuplicate so the backend
// can elide repeated evaluation.
func (a Argument) equalKind(b Argument) bool {
	if a.Kind != b.Kind || a.ByPointer != b.ByPointer {
		return false
	}
	switch a.Kind {
	case ArgOp, ArgSrc, ArgDst, ArgImm, ArgReg, ArgMem:
		return a.OperandIndex == b.OperandIndex
	case ArgRegister:
		return a.Register == b.Register
	case ArgIntLiteral:
		return a.Literal == b.Literal
	case ArgCSVField:
		return a.CSVBasename == b.CSVBasename && a.CSVColumn == b.CSVColumn
	default:
		return true
	}
}

// markDuplicates sets IsDuplicate on every argument that repeats an
// earlier one in args, preserving order.
func markDuplicates(args []Argument) {
	for i := range args {
		for j := 0; j < i; j++ {
			if args[i].equalKind(args[j]) {
				args[i].IsDuplicate = true
				break
			}
		}
	}
}

// gprNames is the full x86-64 general-purpose register family at its
// four widths, plus rip and rflags.
var gprNames = map[string]bool{}

func init() {
	byte8 := []string{"al", "bl", "cl", "dl", "sil", "dil", "bpl", "spl",
		"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
	word16 := []string{"ax", "bx", "cx", "dx", "si", "di", "bp", "sp",
		"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
	dword32 := []string{"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp",
		"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	qword64 := []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	for _, group := range [][]string{byte8, word16, dword32, qword64} {
		for _, name := range group {
			gprNames[name] = true
		}
	}
	gprNames["rip"] = true
	gprNames["rflags"] = true
}

// isRegisterName reports whether name is a recognized x86-64 register
// argument.
func isRegisterName(name string) bool { return gprNames[name] }

// metadataArgKinds maps the fixed instruction-metadata vocabulary
// tokens to their ArgumentKind.
var metadataArgKinds = map[string]ArgumentKind{
	"asm":        ArgASM,
	"addr":       ArgAddr,
	"staticAddr": ArgStaticAddr,
	"base":       ArgBase,
	"instr":      ArgInstrBytes,
	"size":       ArgSize,
	"offset":     ArgOffset,
	"next":       ArgNext,
	"target":     ArgTarget,
	"trampoline": ArgTrampoline,
	"random":     ArgRandom,
}

// operandArgKinds maps the operand-projection vocabulary tokens to
// their ArgumentKind.
var operandArgKinds = map[string]ArgumentKind{
	"op":  ArgOp,
	"src": ArgSrc,
	"dst": ArgDst,
	"imm": ArgImm,
	"reg": ArgReg,
	"mem": ArgMem,
}

func (a Argument) String() string {
	switch a.Kind {
	case ArgRegister:
		return a.Register
	case ArgIntLiteral:
		return fmt.Sprintf("%d", a.Literal)
	case ArgCSVField:
		return a.CSVBasename + "[" + a.CSVColumn + "]"
	default:
		return fmt.Sprintf("arg(%d)", a.Kind)
	}
}
