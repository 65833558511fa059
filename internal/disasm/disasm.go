// Package disasm wraps golang.org/x/arch/x86/x86asm into the uniform
// instruction descriptor the rest of the driver evaluates rules against.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Access is a bitmask describing how an operand is used by an instruction.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// OperandKind classifies an operand's addressing mode.
type OperandKind int

const (
	KindImm OperandKind = iota + 1
	KindReg
	KindMem
)

// Operand is one decoded operand of an Instruction.
type Operand struct {
	Kind   OperandKind
	Size   int // bytes
	Access Access
}

// Group marks an instruction's membership in a semantic class used by the
// call/jump/return match attributes.
type Group int

const (
	GroupCall Group = 1 << iota
	GroupJump
	GroupRet
)

// Instruction is the decoded-instruction descriptor the rule evaluator
// consumes: address, file offset, byte size, mnemonic, operand string,
// per-operand detail, and group membership.
type Instruction struct {
	Addr     uint64
	Offset   uint64 // file offset within the code section
	Size     int
	Mnemonic string
	OpStr    string
	Operands []Operand
	Groups   Group
	Bytes    []byte // raw encoded bytes, length Size

	native x86asm.Inst
}

// InGroup reports whether the instruction belongs to g.
func (in *Instruction) InGroup(g Group) bool { return in.Groups&g != 0 }

// Syntax selects the assembly dialect used to format operand strings.
type Syntax int

const (
	SyntaxATT Syntax = iota
	SyntaxIntel
)

// Source iterates instructions linearly over a code buffer, the shape
// the instruction pipeline (internal/pipeline) needs: decode one
// instruction at a time, report desyncs as a pseudo-mnemonic beginning
// with '.', and let the caller drive independent re-decoding for a
// second pass.
type Source struct {
	code    []byte
	base    uint64 // virtual address of code[0]
	offset  uint64 // code-relative cursor, i.e. VA - base
	textOff uint64 // file offset of code[0], added to offset to get Instruction.Offset
	syntax  Syntax
}

// NewSource builds a Source over code, whose first byte is loaded at
// virtual address base and file offset textOff.
func NewSource(code []byte, base, textOff uint64, syntax Syntax) *Source {
	return &Source{code: code, base: base, textOff: textOff, syntax: syntax}
}

// Len reports the number of undecoded bytes remaining.
func (s *Source) Len() int { return len(s.code) - int(s.offset) }

// Done reports whether the cursor has reached the end of the buffer.
func (s *Source) Done() bool { return s.Len() <= 0 }

// Addr returns the virtual address the cursor currently points at.
func (s *Source) Addr() uint64 { return s.base + s.offset }

// Offset returns the code-relative cursor.
func (s *Source) Offset() uint64 { return s.offset }

// Next decodes the instruction at the cursor and advances it. On a
// desync (bytes that cannot be decoded as an instruction), it returns a
// single-byte pseudo-instruction whose Mnemonic starts with '.' and
// advances the cursor by exactly one byte so the caller can attempt
// resynchronization at the next byte.
func (s *Source) Next() (*Instruction, error) {
	if s.Done() {
		return nil, fmt.Errorf("disasm: at end of buffer")
	}
	chunk := s.code[s.offset:]
	if len(chunk) > 15 {
		chunk = chunk[:15]
	}
	inst, err := x86asm.Decode(chunk, 64)
	// x86asm reports a truncated instruction as a prefix-only Inst with
	// Op == 0 rather than as an error; both are undecodable here.
	if err != nil || inst.Op == 0 {
		desynced := &Instruction{
			Addr:     s.Addr(),
			Offset:   s.textOff + s.offset,
			Size:     1,
			Mnemonic: ".byte",
			OpStr:    fmt.Sprintf("0x%02x", s.code[s.offset]),
			Bytes:    s.code[s.offset : s.offset+1],
		}
		s.offset++
		return desynced, nil
	}
	out := decodeOperands(inst)
	text := instructionText(inst, s.Addr(), s.syntax)
	mnemonic, opstr := splitMnemonic(text)
	result := &Instruction{
		Addr:     s.Addr(),
		Offset:   s.textOff + s.offset,
		Size:     inst.Len,
		Mnemonic: mnemonic,
		OpStr:    opstr,
		Operands: out,
		Groups:   classify(inst.Op),
		Bytes:    s.code[s.offset : s.offset+uint64(inst.Len)],
		native:   inst,
	}
	s.offset += uint64(inst.Len)
	return result, nil
}

// DecodeAt re-decodes a single instruction at a known code-relative
// offset without moving the Source's own cursor — what pass two of
// two-pass mode needs, since it re-decodes every buffered Location
// independently of the forward pass's cursor.
func (s *Source) DecodeAt(offset uint64) (*Instruction, error) {
	if int(offset) >= len(s.code) {
		return nil, fmt.Errorf("disasm: offset %d out of range", offset)
	}
	chunk := s.code[offset:]
	if len(chunk) > 15 {
		chunk = chunk[:15]
	}
	inst, err := x86asm.Decode(chunk, 64)
	if err != nil || inst.Op == 0 {
		return &Instruction{
			Addr:     s.base + offset,
			Offset:   s.textOff + offset,
			Size:     1,
			Mnemonic: ".byte",
			OpStr:    fmt.Sprintf("0x%02x", s.code[offset]),
			Bytes:    s.code[offset : offset+1],
		}, nil
	}
	addr := s.base + offset
	text := instructionText(inst, addr, s.syntax)
	mnemonic, opstr := splitMnemonic(text)
	return &Instruction{
		Addr:     addr,
		Offset:   s.textOff + offset,
		Size:     inst.Len,
		Mnemonic: mnemonic,
		OpStr:    opstr,
		Operands: decodeOperands(inst),
		Groups:   classify(inst.Op),
		Bytes:    s.code[offset : offset+uint64(inst.Len)],
		native:   inst,
	}, nil
}

func instructionText(inst x86asm.Inst, pc uint64, syntax Syntax) string {
	var text string
	if syntax == SyntaxIntel {
		text = x86asm.IntelSyntax(inst, pc, nil)
	} else {
		text = x86asm.GNUSyntax(inst, pc, nil)
	}
	if text == "" {
		text = strings.ToLower(inst.Op.String())
	}
	return text
}

func splitMnemonic(text string) (mnemonic, opstr string) {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \t")
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

// decodeOperands projects x86asm's fixed four-argument array into the
// operand-detail list the predicate evaluator and operand projector
// (internal/rule) consume.
func decodeOperands(inst x86asm.Inst) []Operand {
	var out []Operand
	accesses := accessTable(inst.Op, inst.Args)
	for i, a := range inst.Args {
		if a == nil {
			break
		}
		op := Operand{Access: accesses[i]}
		switch v := a.(type) {
		case x86asm.Reg:
			op.Kind = KindReg
			op.Size = regSize(v)
		case x86asm.Mem:
			op.Kind = KindMem
			op.Size = operandByteSize(inst)
		case x86asm.Imm:
			op.Kind = KindImm
			op.Size = operandByteSize(inst)
			op.Access |= AccessRead // immediates are always readable regardless of reported access
		case x86asm.Rel:
			op.Kind = KindImm
			op.Size = 8
			op.Access |= AccessRead
		default:
			continue
		}
		out = append(out, op)
	}
	return out
}

func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 8
	default:
		return 8
	}
}

func operandByteSize(inst x86asm.Inst) int {
	if inst.DataSize != 0 {
		return inst.DataSize / 8
	}
	return 4
}

// accessTable assigns a read/write mask per argument slot. x86asm does
// not report per-operand access flags, so this applies the common x86
// convention (first operand is the destination) with explicit overrides
// for the instruction classes that deviate from it.
func accessTable(op x86asm.Op, args x86asm.Args) [4]Access {
	var a [4]Access
	n := 0
	for _, arg := range args {
		if arg == nil {
			break
		}
		n++
	}
	switch op {
	case x86asm.CMP, x86asm.TEST:
		for i := 0; i < n; i++ {
			a[i] = AccessRead
		}
	case x86asm.PUSH:
		for i := 0; i < n; i++ {
			a[i] = AccessRead
		}
	case x86asm.POP:
		for i := 0; i < n; i++ {
			a[i] = AccessWrite
		}
	case x86asm.JMP, x86asm.CALL:
		for i := 0; i < n; i++ {
			a[i] = AccessRead
		}
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		for i := 0; i < n; i++ {
			a[i] = AccessRead
		}
	case x86asm.RET, x86asm.LEAVE, x86asm.NOP, x86asm.SYSCALL, x86asm.UD2, x86asm.INT:
		// no operand-level read/write beyond defaults
	case x86asm.LEA:
		if n > 0 {
			a[0] = AccessWrite
		}
		for i := 1; i < n; i++ {
			a[i] = AccessRead
		}
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX:
		if n > 0 {
			a[0] = AccessWrite
		}
		for i := 1; i < n; i++ {
			a[i] = AccessRead
		}
	case x86asm.NOT, x86asm.NEG, x86asm.INC, x86asm.DEC:
		if n > 0 {
			a[0] = AccessRead | AccessWrite
		}
	default:
		// Default convention: destination operand is read-modify-write,
		// remaining operands are read-only (ADD/SUB/AND/OR/XOR/SHL/SHR/
		// IMUL/IDIV and the rest of the common two- and three-operand
		// arithmetic/logic forms fit this shape).
		if n > 0 {
			a[0] = AccessRead | AccessWrite
		}
		for i := 1; i < n; i++ {
			a[i] = AccessRead
		}
	}
	return a
}

func classify(op x86asm.Op) Group {
	var g Group
	switch op {
	case x86asm.CALL:
		g |= GroupCall
	case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		g |= GroupJump
	case x86asm.RET:
		g |= GroupRet
	}
	return g
}

// Target returns the absolute branch/call target of in, if statically
// known from a direct relative operand. ok is false for indirect
// branches, returns, and non-branch instructions — the call action's
// "target" metadata argument reports -1 in that case.
func (in *Instruction) Target() (addr uint64, ok bool) {
	if in.native.Op == 0 {
		return 0, false
	}
	for _, arg := range in.native.Args {
		if rel, isRel := arg.(x86asm.Rel); isRel {
			return uint64(int64(in.Addr) + int64(in.Size) + int64(rel)), true
		}
	}
	return 0, false
}
