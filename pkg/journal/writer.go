// Package journal implements JournalWriter (C8) and JournalReader (C9) —
// spec.md §4.8, §4.9, §6.1 — grounded on
// _examples/original_source/hindsight/BinaryLogFile.{hpp,cpp} and
// BinaryLogPlayer.{hpp,cpp}. The wire format is byte-packed little-endian
// throughout; every written byte except the header's own crc32 field feeds a
// running pkg/checksum accumulator, patched back into the header on close.
package journal

import (
	"io"
	"os"
	"time"

	"github.com/hindsight-dbg/hindsight/pkg/checksum"
	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
)

// Writer is the JournalWriter observer: it implements observer.Observer so
// it can sit in the same fan-out list as pkg/textemit's Emitter, and seals
// its own CRC on OnJournalComplete.
type Writer struct {
	f       *os.File
	cw      *checksum.Writer
	modules *module.Registry
	header  Header
}

var _ observer.Observer = (*Writer)(nil)

// Create opens path for writing, reserves the header region, and writes the
// launch metadata tail, per spec.md §4.8 "On initialization".
func Create(path string, header Header, modules *module.Registry) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &hinderr.JournalOpen{Path: path, Err: err}
	}

	header.Version = CurrentVersion
	if header.StartTime.IsZero() {
		header.StartTime = time.Now()
	}

	w := &Writer{f: f, modules: modules, header: header}
	w.cw = checksum.NewWriter(f)

	if _, err := w.cw.Write(encodeFixed(header, 0)); err != nil {
		f.Close()
		return nil, &hinderr.JournalOpen{Path: path, Err: err}
	}
	if _, err := w.cw.Write(encodeVariable(header)); err != nil {
		f.Close()
		return nil, &hinderr.JournalOpen{Path: path, Err: err}
	}
	return w, nil
}

func (w *Writer) writeRecord(base RecordBase, fields, tail []byte) error {
	base.TotalSize = uint64(RecordBaseSize + len(fields) + len(tail))
	if _, err := w.cw.Write(encodeRecordBase(base)); err != nil {
		return err
	}
	if len(fields) > 0 {
		if _, err := w.cw.Write(fields); err != nil {
			return err
		}
	}
	if len(tail) > 0 {
		if _, err := w.cw.Write(tail); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) OnInitialization(ev observer.InitializationEvent) error {
	return nil
}

func (w *Writer) OnCreateProcess(ev observer.CreateProcessEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventCreateProcess.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}
	pathUnits := encodeUTF16LE(ev.ImagePath)

	fields := make([]byte, 2+8+8)
	putU16(fields, 0, uint16(len(pathUnits)/2))
	putU64(fields, 2, uint64(ev.ModuleBase))
	putU64(fields, 10, ev.ModuleSize)

	return w.writeRecord(base, fields, pathUnits)
}

func (w *Writer) OnCreateThread(ev observer.CreateThreadEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventCreateThread.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}

	fields := make([]byte, createThreadFieldsSize)
	putU64(fields, 0, uint64(ev.EntryPoint))
	putU64(fields, 8, uint64(ev.ModuleIndex))
	putU64(fields, 16, ev.EntryPointOffset)

	return w.writeRecord(base, fields, nil)
}

func (w *Writer) OnExitProcess(ev observer.ExitProcessEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventExitProcess.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}
	fields := make([]byte, exitFieldsSize)
	putU32(fields, 0, ev.ExitCode)
	return w.writeRecord(base, fields, nil)
}

func (w *Writer) OnExitThread(ev observer.ExitThreadEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventExitThread.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}
	fields := make([]byte, exitFieldsSize)
	putU32(fields, 0, ev.ExitCode)
	return w.writeRecord(base, fields, nil)
}

func (w *Writer) OnLoadDll(ev observer.LoadDllEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventLoadDll.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}
	pathUnits := encodeUTF16LE(ev.ImagePath)

	fields := make([]byte, loadDllFieldsSize)
	putU64(fields, 0, uint64(ev.ModuleIndex))
	putU64(fields, 8, uint64(ev.ModuleBase))
	putU64(fields, 16, ev.ModuleSize)
	putU64(fields, 24, uint64(len(pathUnits)/2))

	return w.writeRecord(base, fields, pathUnits)
}

func (w *Writer) OnUnloadDll(ev observer.UnloadDllEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventUnloadDll.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}
	fields := make([]byte, unloadDllFieldsSize)
	putU64(fields, 0, uint64(ev.ModuleBase))
	return w.writeRecord(base, fields, nil)
}

func (w *Writer) OnDebugString(ev observer.DebugStringEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventDebugString.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}

	var tail []byte
	length := uint64(len(ev.Text))
	if ev.IsUnicode {
		tail = encodeUTF16LE(ev.Text)
		length = uint64(len(tail) / 2)
	} else {
		tail = []byte(ev.Text)
	}

	fields := make([]byte, debugStringFieldsSize)
	fields[0] = boolByte(ev.IsUnicode)
	putU64(fields, 1, length)

	return w.writeRecord(base, fields, tail)
}

func (w *Writer) OnRip(ev observer.RipEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventRip.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}
	fields := make([]byte, ripFieldsSize)
	putU32(fields, 0, ev.Type)
	putU32(fields, 4, ev.Error)
	return w.writeRecord(base, fields, nil)
}

func (w *Writer) OnBreakpoint(ev observer.ExceptionEvent) error {
	return w.writeException(ev)
}

func (w *Writer) OnException(ev observer.ExceptionEvent) error {
	return w.writeException(ev)
}

// writeException emits the Exception record's fixed fields, register file,
// and "STCK" sub-record, per spec.md §6.1.
func (w *Writer) writeException(ev observer.ExceptionEvent) error {
	base := RecordBase{Time: ev.Time.Unix(), EventKind: hwin.EventException.WireCode(), ProcessID: uint32(ev.Proc.Pid), ThreadID: uint32(ev.Proc.Tid)}

	fields := encodeExceptionFields(ExceptionFields{
		EventAddress:  uint64(ev.Address),
		EventOffset:   ev.Offset,
		ModuleIndex:   ev.ModuleIndex,
		EventCode:     ev.Code,
		Wow64:         ev.Wow64,
		IsBreakpoint:  ev.IsBreakpoint,
		IsFirstChance: ev.FirstChance,
	})

	tail := encodeRegisterFile(ev.Snapshot)
	tail = append(tail, encodeStackTrace(traceToRecord(ev.Trace, w.modules))...)

	return w.writeRecord(base, fields, tail)
}

// OnJournalComplete seals the file: seek back to offset 0, rewrite the
// header with the accumulated CRC, close. Per spec.md §4.8, if the process
// is aborted before this runs the header's CRC will never match — the sole
// signal of an incomplete file.
func (w *Writer) OnJournalComplete(ev observer.JournalCompleteEvent) error {
	sum := w.cw.Sum().Uint32()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.f.Write(encodeFixed(w.header, sum)); err != nil {
		return err
	}
	if _, err := w.f.Write(encodeVariable(w.header)); err != nil {
		return err
	}
	return w.f.Close()
}
