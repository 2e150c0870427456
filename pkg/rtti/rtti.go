// Package rtti implements RttiDecoder (spec.md §3, §4.5), grounded on
// _examples/original_source/hindsight/ExceptionRtti.{hpp,cpp}. Given a host
// compiler's C++ EH exception record, it reconstructs the chain of types a
// matching catch clause could bind to, the exception's what() message when
// derived from std::exception, and the path of the module that threw it.
package rtti

import (
	"encoding/binary"
	"strings"

	"github.com/hindsight-dbg/hindsight/pkg/hlog"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
)

// EHExceptionNumber is the NT exception code the MSVC EH runtime raises for
// a C++ throw: 'msc' | 0xE0000000.
const EHExceptionNumber uint32 = 0xE06D7363

// EHMagicNumber1 is the original EH parameter-block magic constant, stable
// since it must never change without breaking every compiled binary.
const EHMagicNumber1 uint64 = 0x19930520

const stdExceptionMarker = "std::exception"

const maxMessageLength = 1024

// Info mirrors spec.md §3's RttiInfo.
type Info struct {
	TypeNames      []string
	Message        string
	HasMessage     bool
	ThrowModulePath string
	HasThrowModule  bool
}

// Applies reports whether exception decoding should be attempted at all, per
// spec.md §4.5 "Activation".
func Applies(exceptionCode uint32, params []uint64) bool {
	return exceptionCode == EHExceptionNumber && len(params) > 0 && params[0] == EHMagicNumber1
}

// Decoder reads ThrowInfo/CatchableTypeArray/CatchableType/TypeDescriptor out
// of the target's memory, per the 64- vs 32-bit wire variants in spec.md
// §4.5.
type Decoder struct {
	Memory  hwin.TargetMemory
	Modules *module.Registry
	// Demangle converts an MSVC-mangled type name into its display form,
	// e.g. via IMAGEHLP's UnDecorateSymbolName. A nil Demangle leaves names
	// mangled, which is still a valid (if less readable) result.
	Demangle func(mangled string) string
}

// Decode implements both Process64 and Process32 from ExceptionRtti.cpp,
// selecting the wire variant from is64.
func (d *Decoder) Decode(params []uint64, is64 bool) Info {
	if is64 {
		return d.process64(params)
	}
	return d.process32(params)
}

func (d *Decoder) demangle(name string) string {
	if d.Demangle == nil {
		return name
	}
	return d.Demangle(name)
}

// process64 mirrors ExceptionRunTimeTypeInformation::Process64: ThrowInfo,
// CatchableTypeArray, CatchableType and TypeDescriptor addresses are all
// computed as throwImageBase + RVA.
func (d *Decoder) process64(params []uint64) Info {
	var info Info
	if len(params) < 4 {
		hlog.L.Debug("rtti: process64: exception record carries %d params, want at least 4", len(params))
		return info
	}
	pThrowInfo := module.Pointer(params[2])
	throwImageBase := module.Pointer(params[3])

	if m, ok := d.Modules.ModuleAt(pThrowInfo); ok {
		info.ThrowModulePath = m.ImagePath
		info.HasThrowModule = true
	}
	if pThrowInfo == 0 {
		return info
	}

	rva := func(off int32) module.Pointer { return throwImageBase + module.Pointer(int64(off)) }

	throwInfoBytes, err := d.Memory.ReadMemory(pThrowInfo, 16)
	if err != nil || len(throwInfoBytes) < 16 {
		return info
	}
	pCatchableTypeArrayRVA := int32(binary.LittleEndian.Uint32(throwInfoBytes[12:16]))
	typeArrayAddr := rva(pCatchableTypeArrayRVA)

	countBytes, err := d.Memory.ReadMemory(typeArrayAddr, 4)
	if err != nil || len(countBytes) < 4 {
		return info
	}
	count := int32(binary.LittleEndian.Uint32(countBytes))
	if count <= 0 || count > 64 {
		return info
	}

	arrayBytes, err := d.Memory.ReadMemory(typeArrayAddr, uint64(4+4*count))
	if err != nil || len(arrayBytes) < int(4+4*count) {
		return info
	}

	containsStdException := false
	var exceptionObjectPtr module.Pointer = module.Pointer(params[1])

	for i := int32(0); i < count; i++ {
		entryRVA := int32(binary.LittleEndian.Uint32(arrayBytes[4+i*4 : 8+i*4]))
		catchableTypeAddr := rva(entryRVA)

		ctBytes, err := d.Memory.ReadMemory(catchableTypeAddr, 28)
		if err != nil || len(ctBytes) < 28 {
			return info
		}
		pTypeRVA := int32(binary.LittleEndian.Uint32(ctBytes[4:8]))

		typeDescriptorAddr := rva(pTypeRVA)
		// TypeDescriptor64{ pVFTable(8), spare(8), name[] } — name starts at
		// offset 16.
		tdHeader, err := d.Memory.ReadMemory(typeDescriptorAddr, 16)
		if err != nil || len(tdHeader) < 16 {
			return info
		}
		name, err := readCString(d.Memory, typeDescriptorAddr+16, 512)
		if err != nil || name == "" {
			return info
		}

		demangled := d.demangle(name)
		info.TypeNames = append(info.TypeNames, demangled)
		if !containsStdException && strings.Contains(demangled, stdExceptionMarker) {
			containsStdException = true
		}
	}

	if containsStdException && exceptionObjectPtr != 0 {
		// what() is the vtable's second slot: *(*(object) + 0) is the
		// vtable, slot 1 is what(); the original reads the pointer stored
		// 8 bytes into the object, which for a single-inheritance
		// std::exception layout is the _Data._What member.
		whatPtrBytes, err := d.Memory.ReadMemory(exceptionObjectPtr+8, 8)
		if err == nil && len(whatPtrBytes) == 8 {
			whatPtr := module.Pointer(binary.LittleEndian.Uint64(whatPtrBytes))
			if whatPtr != 0 {
				if msg, err := readCString(d.Memory, whatPtr, maxMessageLength); err == nil && msg != "" {
					info.Message = msg
					info.HasMessage = true
				}
			}
		}
	}

	return info
}

// process32 mirrors ExceptionRunTimeTypeInformation::Process32: all
// addresses in CatchableType32/TypeDescriptor32 are absolute 32-bit VAs, and
// every on-wire integer is 4 bytes.
func (d *Decoder) process32(params []uint64) Info {
	var info Info
	if len(params) < 3 {
		hlog.L.Debug("rtti: process32: exception record carries %d params, want at least 3", len(params))
		return info
	}
	pThrowInfo := module.Pointer(uint32(params[2]))

	if m, ok := d.Modules.ModuleAt(pThrowInfo); ok {
		info.ThrowModulePath = m.ImagePath
		info.HasThrowModule = true
	}
	if pThrowInfo == 0 {
		return info
	}

	throwInfoBytes, err := d.Memory.ReadMemory(pThrowInfo, 16)
	if err != nil || len(throwInfoBytes) < 16 {
		return info
	}
	typeArrayAddr := module.Pointer(binary.LittleEndian.Uint32(throwInfoBytes[12:16]))

	countBytes, err := d.Memory.ReadMemory(typeArrayAddr, 4)
	if err != nil || len(countBytes) < 4 {
		return info
	}
	count := int32(binary.LittleEndian.Uint32(countBytes))
	if count <= 0 || count > 64 {
		return info
	}

	arrayBytes, err := d.Memory.ReadMemory(typeArrayAddr, uint64(4+4*count))
	if err != nil || len(arrayBytes) < int(4+4*count) {
		return info
	}

	containsStdException := false
	exceptionObjectPtr := module.Pointer(uint32(params[1]))

	for i := int32(0); i < count; i++ {
		catchableTypeAddr := module.Pointer(binary.LittleEndian.Uint32(arrayBytes[4+i*4 : 8+i*4]))

		ctBytes, err := d.Memory.ReadMemory(catchableTypeAddr, 28)
		if err != nil || len(ctBytes) < 28 {
			return info
		}
		typeDescriptorAddr := module.Pointer(binary.LittleEndian.Uint32(ctBytes[4:8]))

		// TypeDescriptor32{ hash(4), spare(4), name[] } — name starts at
		// offset 8.
		name, err := readCString(d.Memory, typeDescriptorAddr+8, 512)
		if err != nil || name == "" {
			return info
		}

		demangled := d.demangle(name)
		info.TypeNames = append(info.TypeNames, demangled)
		if !containsStdException && strings.Contains(demangled, stdExceptionMarker) {
			containsStdException = true
		}
	}

	if containsStdException && exceptionObjectPtr != 0 {
		whatPtrBytes, err := d.Memory.ReadMemory(exceptionObjectPtr+4, 4)
		if err == nil && len(whatPtrBytes) == 4 {
			whatPtr := module.Pointer(binary.LittleEndian.Uint32(whatPtrBytes))
			if whatPtr != 0 {
				if msg, err := readCString(d.Memory, whatPtr, maxMessageLength); err == nil && msg != "" {
					info.Message = msg
					info.HasMessage = true
				}
			}
		}
	}

	return info
}

// readCString reads up to max bytes from addr and returns the string up to
// (and excluding) the first NUL byte, or the full max bytes if none is
// found — matching Process::ReadNulTerminatedString's bounded read.
func readCString(mem hwin.TargetMemory, addr module.Pointer, max int) (string, error) {
	buf, err := mem.ReadMemory(addr, uint64(max))
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return string(buf), nil
}
