package journal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
	"github.com/hindsight-dbg/hindsight/pkg/unwind"
)

// EventSignature and StackSignature are the two record-prefix tags spec.md
// §6.1 defines.
const (
	EventSignature = "EVNT"
	StackSignature = "STCK"
)

// RecordBaseSize is the byte length of the event record's fixed prefix,
// before the kind-specific fields:
//
//	char[4] signature; i64 time; u32 event_kind; u64 total_size;
//	u64 h_process, h_thread; u32 process_id, thread_id
const RecordBaseSize = 4 + 8 + 4 + 8 + 8 + 8 + 4 + 4

// RecordBase is the fixed prefix every event record starts with. h_process
// and h_thread are opaque and always zeroed on read, per spec.md §6.1.
type RecordBase struct {
	Time      int64
	EventKind uint32
	TotalSize uint64
	ProcessID uint32
	ThreadID  uint32
}

func encodeRecordBase(b RecordBase) []byte {
	buf := make([]byte, RecordBaseSize)
	copy(buf[0:4], EventSignature)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(b.Time))
	binary.LittleEndian.PutUint32(buf[12:16], b.EventKind)
	binary.LittleEndian.PutUint64(buf[16:24], b.TotalSize)
	// h_process, h_thread: opaque, always written zero.
	binary.LittleEndian.PutUint32(buf[40:44], b.ProcessID)
	binary.LittleEndian.PutUint32(buf[44:48], b.ThreadID)
	return buf
}

func decodeRecordBase(buf []byte) (RecordBase, error) {
	if len(buf) != RecordBaseSize {
		return RecordBase{}, fmt.Errorf("journal record base: want %d bytes, got %d", RecordBaseSize, len(buf))
	}
	if string(buf[0:4]) != EventSignature {
		return RecordBase{}, &hinderr.JournalCorrupt{Reason: fmt.Sprintf("bad record signature %q", buf[0:4])}
	}
	return RecordBase{
		Time:      int64(binary.LittleEndian.Uint64(buf[4:12])),
		EventKind: binary.LittleEndian.Uint32(buf[12:16]),
		TotalSize: binary.LittleEndian.Uint64(buf[16:24]),
		ProcessID: binary.LittleEndian.Uint32(buf[40:44]),
		ThreadID:  binary.LittleEndian.Uint32(buf[44:48]),
	}, nil
}

func putU64(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:off+8], v) }
func getU64(buf []byte, off int) uint64    { return binary.LittleEndian.Uint64(buf[off : off+8]) }
func putU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:off+4], v) }
func getU32(buf []byte, off int) uint32    { return binary.LittleEndian.Uint32(buf[off : off+4]) }
func putU16(buf []byte, off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:off+2], v) }
func getU16(buf []byte, off int) uint16    { return binary.LittleEndian.Uint16(buf[off : off+2]) }

// ExceptionFields is the Exception record's kind-specific fixed portion, per
// spec.md §6.1: "event_address; event_offset; module_index (i64, -1 if
// unresolved); event_code (u32); wow64 (u8); is_breakpoint (u8);
// is_first_chance (u8)".
type ExceptionFields struct {
	EventAddress  uint64
	EventOffset   uint64
	ModuleIndex   int64
	EventCode     uint32
	Wow64         bool
	IsBreakpoint  bool
	IsFirstChance bool
}

const exceptionFieldsSize = 8 + 8 + 8 + 4 + 1 + 1 + 1

func encodeExceptionFields(f ExceptionFields) []byte {
	buf := make([]byte, exceptionFieldsSize)
	putU64(buf, 0, f.EventAddress)
	putU64(buf, 8, f.EventOffset)
	putU64(buf, 16, uint64(f.ModuleIndex))
	putU32(buf, 24, f.EventCode)
	buf[28] = boolByte(f.Wow64)
	buf[29] = boolByte(f.IsBreakpoint)
	buf[30] = boolByte(f.IsFirstChance)
	return buf
}

func decodeExceptionFields(buf []byte) ExceptionFields {
	return ExceptionFields{
		EventAddress:  getU64(buf, 0),
		EventOffset:   getU64(buf, 8),
		ModuleIndex:   int64(getU64(buf, 16)),
		EventCode:     getU32(buf, 24),
		Wow64:         buf[28] != 0,
		IsBreakpoint:  buf[29] != 0,
		IsFirstChance: buf[30] != 0,
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// encodeRegisterFile writes the 64- or 32-bit register file spec.md §6.1
// says immediately follows an Exception record's fixed fields, its width
// picked by the wow64 flag. The field order matches
// snapshot.RegisterFile64 / RegisterFile32 declaration order.
func encodeRegisterFile(s snapshot.Snapshot) []byte {
	if s.IsNative64() {
		r := s.Native64()
		buf := make([]byte, 17*8+4)
		vals := []uint64{r.Rip, r.Rsp, r.Rbp, r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi,
			r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15}
		for i, v := range vals {
			putU64(buf, i*8, v)
		}
		putU32(buf, 17*8, r.EFlags)
		return buf
	}
	r := s.Wow32()
	buf := make([]byte, 9*4+4)
	vals := []uint32{r.Eip, r.Esp, r.Ebp, r.Eax, r.Ebx, r.Ecx, r.Edx, r.Esi, r.Edi}
	for i, v := range vals {
		putU32(buf, i*4, v)
	}
	putU32(buf, 9*4, r.EFlags)
	return buf
}

const registerFile64Size = 17*8 + 4
const registerFile32Size = 9*4 + 4

func decodeRegisterFile64(buf []byte) snapshot.RegisterFile64 {
	get := func(i int) uint64 { return getU64(buf, i*8) }
	return snapshot.RegisterFile64{
		Rip: get(0), Rsp: get(1), Rbp: get(2),
		Rax: get(3), Rbx: get(4), Rcx: get(5), Rdx: get(6),
		Rsi: get(7), Rdi: get(8),
		R8: get(9), R9: get(10), R10: get(11), R11: get(12),
		R12: get(13), R13: get(14), R14: get(15), R15: get(16),
		EFlags: getU32(buf, 17*8),
	}
}

func decodeRegisterFile32(buf []byte) snapshot.RegisterFile32 {
	get := func(i int) uint32 { return getU32(buf, i*4) }
	return snapshot.RegisterFile32{
		Eip: get(0), Esp: get(1), Ebp: get(2),
		Eax: get(3), Ebx: get(4), Ecx: get(5), Edx: get(6),
		Esi: get(7), Edi: get(8),
		EFlags: getU32(buf, 9*4),
	}
}

// CreateProcessFields is CreateProcess's kind-specific fixed portion, per
// spec.md §6.1: "path_length (u16 units); module_base; module_size".
type CreateProcessFields struct {
	PathLength uint16
	ModuleBase uint64
	ModuleSize uint64
}

const createProcessFieldsSize = 2 + 8 + 8

// CreateThreadFields per spec.md §6.1: "entry_point; module_index (i64);
// entry_point_offset".
type CreateThreadFields struct {
	EntryPoint       uint64
	ModuleIndex      int64
	EntryPointOffset uint64
}

const createThreadFieldsSize = 8 + 8 + 8

// ExitFields covers both ExitProcess and ExitThread: "exit_code (u32)".
type ExitFields struct {
	ExitCode uint32
}

const exitFieldsSize = 4

// LoadDllFields per spec.md §6.1: "module_index (i64); module_base;
// module_size; module_path_length".
type LoadDllFields struct {
	ModuleIndex     int64
	ModuleBase      uint64
	ModuleSize      uint64
	ModulePathLen   uint64
}

const loadDllFieldsSize = 8 + 8 + 8 + 8

// UnloadDllFields per spec.md §6.1: "module_base".
type UnloadDllFields struct {
	ModuleBase uint64
}

const unloadDllFieldsSize = 8

// DebugStringFields per spec.md §6.1: "is_unicode (u8); length".
type DebugStringFields struct {
	IsUnicode bool
	Length    uint64
}

const debugStringFieldsSize = 1 + 8

// RipFields per spec.md §6.1: "type (u32); error (u32)".
type RipFields struct {
	Type  uint32
	Error uint32
}

const ripFieldsSize = 4 + 4

// StackFrameRecord is one frame within a "STCK" sub-record's frame array,
// per spec.md §6.1.
type StackFrameRecord struct {
	ModuleIndex      int64
	ModuleBase       uint64
	Address          uint64
	AbsoluteAddress  uint64
	AbsoluteLineAddr uint64
	LineAddr         uint64
	Name             string
	SourcePath       string
	LineNumber       uint64
	IsRecursion      bool
	RecursionCount   uint64
	Instructions     []hwin.DecodedInstruction
}

const stackFrameFixedSize = 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 1 + 8 + 8

func encodeStackFrame(f StackFrameRecord) []byte {
	nameBytes := []byte(f.Name)
	pathUnits := encodeUTF16LE(f.SourcePath)

	fixed := make([]byte, stackFrameFixedSize)
	putU64(fixed, 0, uint64(f.ModuleIndex))
	putU64(fixed, 8, f.ModuleBase)
	putU64(fixed, 16, f.Address)
	putU64(fixed, 24, f.AbsoluteAddress)
	putU64(fixed, 32, f.AbsoluteLineAddr)
	putU64(fixed, 40, f.LineAddr)
	putU64(fixed, 48, uint64(len(nameBytes)))
	putU64(fixed, 56, uint64(len(pathUnits)/2))
	putU64(fixed, 64, f.LineNumber)
	fixed[72] = boolByte(f.IsRecursion)
	putU64(fixed, 73, f.RecursionCount)
	putU64(fixed, 81, uint64(len(f.Instructions)))

	buf := append(fixed, nameBytes...)
	buf = append(buf, pathUnits...)
	for _, inst := range f.Instructions {
		buf = append(buf, encodeInstruction(inst)...)
	}
	return buf
}

const instructionFixedSize = 1 + 8 + 8 + 8 + 8 + 8

func encodeInstruction(inst hwin.DecodedInstruction) []byte {
	hex := []byte(inst.HexBytes)
	mnem := []byte(inst.Mnemonic)
	ops := []byte(inst.Operands)

	fixed := make([]byte, instructionFixedSize)
	fixed[0] = boolByte(inst.Is64BitAddressing)
	putU64(fixed, 1, inst.Offset)
	putU64(fixed, 9, uint64(inst.Size))
	putU64(fixed, 17, uint64(len(hex)))
	putU64(fixed, 25, uint64(len(mnem)))
	putU64(fixed, 33, uint64(len(ops)))

	buf := append(fixed, hex...)
	buf = append(buf, mnem...)
	buf = append(buf, ops...)
	return buf
}

// readInstruction decodes one InstructionRecord from r.
func readInstruction(r io.Reader) (hwin.DecodedInstruction, error) {
	fixed := make([]byte, instructionFixedSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return hwin.DecodedInstruction{}, err
	}
	hexLen := getU64(fixed, 17)
	mnemLen := getU64(fixed, 25)
	opsLen := getU64(fixed, 33)

	hex, err := readExact(r, hexLen)
	if err != nil {
		return hwin.DecodedInstruction{}, err
	}
	mnem, err := readExact(r, mnemLen)
	if err != nil {
		return hwin.DecodedInstruction{}, err
	}
	ops, err := readExact(r, opsLen)
	if err != nil {
		return hwin.DecodedInstruction{}, err
	}

	return hwin.DecodedInstruction{
		Is64BitAddressing: fixed[0] != 0,
		Offset:            getU64(fixed, 1),
		Size:              int(getU64(fixed, 9)),
		HexBytes:          string(hex),
		Mnemonic:          string(mnem),
		Operands:          string(ops),
	}, nil
}

// readStackFrame decodes one StackFrameRecord from r.
func readStackFrame(r io.Reader) (StackFrameRecord, error) {
	fixed := make([]byte, stackFrameFixedSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return StackFrameRecord{}, err
	}
	nameLen := getU64(fixed, 48)
	pathUnits := getU64(fixed, 56)
	instCount := getU64(fixed, 81)

	nameBytes, err := readExact(r, nameLen)
	if err != nil {
		return StackFrameRecord{}, err
	}
	pathBytes, err := readExact(r, pathUnits*2)
	if err != nil {
		return StackFrameRecord{}, err
	}

	insts := make([]hwin.DecodedInstruction, 0, instCount)
	for i := uint64(0); i < instCount; i++ {
		inst, err := readInstruction(r)
		if err != nil {
			return StackFrameRecord{}, err
		}
		insts = append(insts, inst)
	}

	return StackFrameRecord{
		ModuleIndex:      int64(getU64(fixed, 0)),
		ModuleBase:       getU64(fixed, 8),
		Address:          getU64(fixed, 16),
		AbsoluteAddress:  getU64(fixed, 24),
		AbsoluteLineAddr: getU64(fixed, 32),
		LineAddr:         getU64(fixed, 40),
		LineNumber:       getU64(fixed, 64),
		IsRecursion:      fixed[72] != 0,
		RecursionCount:   getU64(fixed, 73),
		Name:             string(nameBytes),
		SourcePath:       decodeUTF16LE(pathBytes),
		Instructions:     insts,
	}, nil
}

func readExact(r io.Reader, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// StackTraceRecord is the "STCK" sub-record following an Exception record's
// register file, per spec.md §6.1.
type StackTraceRecord struct {
	MaxRecursion    uint64
	MaxInstructions uint64
	Frames          []StackFrameRecord
}

const stackTraceHeaderSize = 4 + 8 + 8 + 8

func encodeStackTrace(t StackTraceRecord) []byte {
	buf := make([]byte, stackTraceHeaderSize)
	copy(buf[0:4], StackSignature)
	putU64(buf, 4, t.MaxRecursion)
	putU64(buf, 12, t.MaxInstructions)
	putU64(buf, 20, uint64(len(t.Frames)))
	for _, f := range t.Frames {
		buf = append(buf, encodeStackFrame(f)...)
	}
	return buf
}

func readStackTrace(r io.Reader) (StackTraceRecord, error) {
	fixed := make([]byte, stackTraceHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return StackTraceRecord{}, err
	}
	if string(fixed[0:4]) != StackSignature {
		return StackTraceRecord{}, &hinderr.JournalCorrupt{Reason: fmt.Sprintf("bad stack-trace signature %q", fixed[0:4])}
	}
	t := StackTraceRecord{
		MaxRecursion:    getU64(fixed, 4),
		MaxInstructions: getU64(fixed, 12),
	}
	count := getU64(fixed, 20)
	t.Frames = make([]StackFrameRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		f, err := readStackFrame(r)
		if err != nil {
			return StackTraceRecord{}, err
		}
		t.Frames = append(t.Frames, f)
	}
	return t, nil
}

// traceToRecord converts an unwinder Trace plus its module registry into the
// wire-shaped StackTraceRecord, resolving each frame's module to its stable
// history index (spec.md §4.2's "history, never pruned").
func traceToRecord(trace unwind.Trace, modules *module.Registry) StackTraceRecord {
	rec := StackTraceRecord{
		MaxRecursion:    trace.MaxRecursion,
		MaxInstructions: uint64(trace.MaxInstruction),
	}
	for _, f := range trace.Frames {
		idx := int64(-1)
		if f.Module != nil {
			idx = int64(modules.IndexOfBase(f.Module.Base))
		}
		rec.Frames = append(rec.Frames, StackFrameRecord{
			ModuleIndex:      idx,
			ModuleBase:       uint64(f.ModuleBase),
			Address:          uint64(f.PC),
			AbsoluteAddress:  uint64(f.AbsolutePC),
			AbsoluteLineAddr: uint64(f.AbsoluteLineAddr),
			LineAddr:         uint64(f.LineAddr),
			Name:             f.SymbolName,
			SourcePath:       f.SourceFile,
			LineNumber:       uint64(f.SourceLine),
			IsRecursion:      f.Recursion,
			RecursionCount:   f.RecursionCount,
			Instructions:     f.Instructions,
		})
	}
	return rec
}
