// Package elfx provides helpers for opening ELF binaries, locating
// sections, and mapping virtual addresses to file offsets.
package elfx

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dlclark/regexp2"
)

const pageSize = 4096

// libraryNamePattern is the default executable-vs-shared heuristic:
// lib*.so or lib*.so.N. Built once at package init since
// regexp2.MustCompile panics on a malformed pattern, and this one is a
// compile-time constant.
var libraryNamePattern = regexp2.MustCompile(`^lib.*\.so(\.[0-9]+)*$`, regexp2.None)

// Image is the primary ELF descriptor the pipeline and emission planner
// operate on.
type Image struct {
	Path      string
	File      *elf.File
	All       []byte
	Loads     []Seg
	Text      Section
	Rodata    Section
	Data      Section
	DataRelRo Section
	Dynsyms   []DynSym

	// TextOffset/TextAddr/TextSize is the code region the instruction
	// pipeline disassembles, adjustable by --start/--end.
	TextOffset uint64
	TextAddr   uint64
	TextSize   uint64

	// FreeAddr is the watermark above which secondary ELFs (call-action
	// target binaries) are laid out by the emission planner.
	FreeAddr uint64

	// DSO reports whether this image is a shared object (ET_DYN).
	DSO bool

	// DynSymtab/DynStrtab/DynSymSz/DynStrSz locate the raw dynamic
	// symbol and string tables. --start/--end symbolic position strings
	// are resolved through Dynsyms, not through these fields.
	DynSymtab uint64
	DynStrtab uint64
	DynSymSz  uint64
	DynStrSz  uint64

	f *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

type DynSym struct {
	Name  string
	Addr  uint64
	IsPLT bool
}

// Open loads an ELF's section/segment layout and dynamic symbol table.
// base becomes the initial free-address watermark secondary ELFs are
// laid out above.
func Open(path string, base uint64) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, f: of, DSO: f.Type == elf.ET_DYN}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  uint64(p.Vaddr),
			Off:    uint64(p.Off),
			Filesz: uint64(p.Filesz),
			Flags:  p.Flags,
		})
	}

	for _, s := range f.Sections {
		switch s.Name {
		case ".text":
			im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".rodata", ".rodata.rel.ro":
			if im.Rodata.Size == 0 {
				im.Rodata = Section{s.Name, s.Addr, s.Offset, s.Size}
			}
		case ".data":
			im.Data = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".data.rel.ro":
			im.DataRelRo = Section{s.Name, s.Addr, s.Offset, s.Size}
			if im.Rodata.Size == 0 {
				im.Rodata = Section{s.Name, s.Addr, s.Offset, s.Size}
			}
		case ".dynsym":
			im.DynSymtab = s.Addr
			im.DynSymSz = s.Size
		case ".dynstr":
			im.DynStrtab = s.Addr
			im.DynStrSz = s.Size
		}
	}

	im.loadDynamicSymbols()

	if im.Text.Size == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}
	if im.Rodata.Size == 0 {
		for _, l := range im.Loads {
			if (l.Flags&elf.PF_R != 0) && (l.Flags&elf.PF_W == 0) && l.Filesz > 0 {
				im.Rodata = Section{"LOAD(ro)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}

	im.TextOffset = im.Text.Off
	im.TextAddr = im.Text.VA
	im.TextSize = im.Text.Size
	im.FreeAddr = alignUp(highWatermark(im.Loads), base)

	return im, nil
}

func highWatermark(loads []Seg) uint64 {
	var max uint64
	for _, l := range loads {
		if end := l.Vaddr + l.Filesz; end > max {
			max = end
		}
	}
	return max
}

func alignUp(v, minimum uint64) uint64 {
	if v < minimum {
		v = minimum
	}
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// va2off translates a virtual address into a file offset using PT_LOAD
// segments. It returns false if VA is unmapped.
func (im *Image) va2off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the
// virtual address range [va, va+size). It returns (nil, false) if the
// VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.va2off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

func (im *Image) loadDynamicSymbols() {
	if im.File == nil {
		return
	}
	dynsymSection := im.File.Section(".dynsym")
	if dynsymSection == nil {
		return
	}
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return
	}
	for _, sym := range dynsyms {
		isPLT := strings.HasSuffix(sym.Name, "@plt")
		im.Dynsyms = append(im.Dynsyms, DynSym{Name: sym.Name, Addr: sym.Value, IsPLT: isPLT})
	}
}

// FindFunctionByName searches the dynamic symbol table for name, used
// to resolve --start/--end symbolic position strings.
func (im *Image) FindFunctionByName(name string) (uint64, bool) {
	for _, sym := range im.Dynsyms {
		if sym.Name == name && !sym.IsPLT && sym.Addr != 0 {
			return sym.Addr, true
		}
	}
	return 0, false
}

// InTextRange reports whether va lies within the active code region
// (honoring --start/--end adjustments to TextAddr/TextSize).
func (im *Image) InTextRange(va uint64) bool {
	return va >= im.TextAddr && va < im.TextAddr+im.TextSize
}

// IsLibraryName applies the default executable-vs-shared heuristic: a
// dynamic ELF named lib*.so or lib*.so.N is treated as a shared
// object.
func IsLibraryName(path string) bool {
	base := filepath.Base(path)
	matched, err := libraryNamePattern.MatchString(base)
	if err != nil {
		return false
	}
	return matched
}
