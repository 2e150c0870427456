package journal

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/hindsight-dbg/hindsight/pkg/checksum"
	"github.com/hindsight-dbg/hindsight/pkg/hinderr"
	"github.com/hindsight-dbg/hindsight/pkg/hlog"
	"github.com/hindsight-dbg/hindsight/pkg/hwin"
	"github.com/hindsight-dbg/hindsight/pkg/module"
	"github.com/hindsight-dbg/hindsight/pkg/observer"
	"github.com/hindsight-dbg/hindsight/pkg/snapshot"
	"github.com/hindsight-dbg/hindsight/pkg/unwind"
)

// OpenOptions configures a Reader, per spec.md §4.9 and §6.2's
// `no-sanity-check` / event-filter CLI flags.
type OpenOptions struct {
	NoSanityCheck bool
	Filter        EventFilter
}

// Reader is the JournalReader: it opens a journal file, validates it, and
// replays its events against an observer.Observer fan-out.
type Reader struct {
	f            *os.File
	fixed        fixedFields
	header       Header
	eventsOffset int64
	filter       EventFilter
}

// Open reads and validates a journal's header, per spec.md §4.9: checks the
// magic and major/minor version, then — unless opts.NoSanityCheck — streams
// the whole file through the CRC (treating the header's own crc32 field as
// zero) and compares it against the stored value before any event is ever
// emitted.
func Open(path string, opts OpenOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &hinderr.JournalOpen{Path: path, Err: err}
	}

	fixedBuf := make([]byte, HeaderFixedSize)
	if _, err := io.ReadFull(f, fixedBuf); err != nil {
		f.Close()
		return nil, &hinderr.JournalCorrupt{Reason: "truncated header"}
	}
	ff, err := decodeFixed(fixedBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !VersionCompatible(ff.Version, CurrentVersion) {
		f.Close()
		return nil, &hinderr.VersionMismatch{Have: ff.Version, Want: CurrentVersion}
	}

	imagePath, workDir, args, err := readVariable(f, ff)
	if err != nil {
		f.Close()
		return nil, &hinderr.JournalCorrupt{Reason: "truncated launch metadata"}
	}

	eventsOffset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{
		f:     f,
		fixed: ff,
		header: Header{
			Version:   ff.Version,
			ProcessID: ff.ProcessID,
			ThreadID:  ff.ThreadID,
			ImagePath: imagePath,
			WorkDir:   workDir,
			Args:      args,
			StartTime: time.Unix(ff.StartTime, 0),
		},
		eventsOffset: eventsOffset,
		filter:       opts.Filter,
	}

	if !opts.NoSanityCheck {
		if err := r.verifyCRC(); err != nil {
			hlog.L.Warn("journal: %s failed its whole-file CRC check: %v", path, err)
			f.Close()
			return nil, err
		}
		if _, err := f.Seek(eventsOffset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		hlog.L.Debug("journal: %s opened with --no-sanity-check, skipping CRC verification", path)
	}

	return r, nil
}

// verifyCRC streams the entire file through a CRC accumulator with the
// header's crc32 field masked to zero, and compares the result to the
// value the header stored, per spec.md §6.1's "the crc32 field itself is
// zero while the CRC is being accumulated".
func (r *Reader) verifyCRC() error {
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	masked := &maskingReader{r: r.f, maskStart: crc32FieldOffset, maskEnd: crc32FieldOffset + 4}
	cr := checksum.NewReader(masked)
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return err
	}
	if cr.Sum().Uint32() != r.fixed.CRC32 {
		return &hinderr.JournalCorrupt{Reason: "crc32 mismatch"}
	}
	return nil
}

// maskingReader wraps an io.Reader, substituting zero bytes for the file
// range [maskStart, maskEnd) as it streams past — used to recompute the
// file's CRC as it looked before the header's crc32 field was patched in.
type maskingReader struct {
	r                  io.Reader
	pos                int64
	maskStart, maskEnd int64
}

func (m *maskingReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	for i := 0; i < n; i++ {
		abs := m.pos + int64(i)
		if abs >= m.maskStart && abs < m.maskEnd {
			p[i] = 0
		}
	}
	m.pos += int64(n)
	return n, err
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// Header returns the journal's launch metadata.
func (r *Reader) Header() Header { return r.header }

// ReplayAll drives obs through every event in file order, per spec.md §4.9's
// main loop: a synthetic on_initialization first, then each tagged record in
// turn, then on_journal_complete. Filtered-out event kinds are still fully
// parsed (to keep the file position consistent) but not dispatched.
func (r *Reader) ReplayAll(obs observer.Observer) error {
	if _, err := r.f.Seek(r.eventsOffset, io.SeekStart); err != nil {
		return err
	}

	proc := observer.ProcessRef{Pid: int(r.fixed.ProcessID), Tid: int(r.fixed.ThreadID), ImagePath: r.header.ImagePath}
	if err := obs.OnInitialization(observer.InitializationEvent{Time: r.header.StartTime, Proc: proc}); err != nil {
		return err
	}

	modules := module.New()
	lastTime := r.header.StartTime

	for {
		tagBuf := make([]byte, 4)
		_, err := io.ReadFull(r.f, tagBuf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		restBuf := make([]byte, RecordBaseSize-4)
		if _, err := io.ReadFull(r.f, restBuf); err != nil {
			return &hinderr.JournalCorrupt{Reason: "truncated record header"}
		}

		base, err := decodeRecordBase(append(tagBuf, restBuf...))
		if err != nil {
			return err
		}
		lastTime = time.Unix(base.Time, 0)

		bodyLen := base.TotalSize - RecordBaseSize
		body, err := readExact(r.f, bodyLen)
		if err != nil {
			return &hinderr.JournalCorrupt{Reason: "truncated record body"}
		}

		kind, ok := hwin.KindFromWireCode(base.EventKind)
		if !ok {
			return &hinderr.UnknownEventKind{Kind: base.EventKind}
		}

		if err := r.dispatch(obs, modules, kind, base, body); err != nil {
			return err
		}
	}

	return obs.OnJournalComplete(observer.JournalCompleteEvent{Time: lastTime, History: modules.History()})
}

func (r *Reader) dispatch(obs observer.Observer, modules *module.Registry, kind hwin.DebugEventKind, base RecordBase, body []byte) error {
	t := time.Unix(base.Time, 0)
	proc := observer.ProcessRef{Pid: int(base.ProcessID), Tid: int(base.ThreadID)}

	switch kind {
	case hwin.EventCreateProcess:
		pathLen := getU16(body, 0)
		moduleBase := module.Pointer(getU64(body, 2))
		moduleSize := getU64(body, 10)
		path := decodeUTF16LE(body[createProcessFieldsSize : createProcessFieldsSize+int(pathLen)*2])
		modules.OnLoad(path, moduleBase, moduleSize, nil)
		if !r.filter.allows("create_process") {
			return nil
		}
		return obs.OnCreateProcess(observer.CreateProcessEvent{Time: t, Proc: proc, ModuleBase: moduleBase, ModuleSize: moduleSize, ImagePath: path})

	case hwin.EventCreateThread:
		entry := module.Pointer(getU64(body, 0))
		idx := int64(getU64(body, 8))
		offset := getU64(body, 16)
		if !r.filter.allows("create_thread") {
			return nil
		}
		return obs.OnCreateThread(observer.CreateThreadEvent{Time: t, Proc: proc, EntryPoint: entry, ModuleIndex: idx, EntryPointOffset: offset})

	case hwin.EventExitProcess:
		if !r.filter.allows("exit_process") {
			return nil
		}
		return obs.OnExitProcess(observer.ExitProcessEvent{Time: t, Proc: proc, ExitCode: getU32(body, 0)})

	case hwin.EventExitThread:
		if !r.filter.allows("exit_thread") {
			return nil
		}
		return obs.OnExitThread(observer.ExitThreadEvent{Time: t, Proc: proc, ExitCode: getU32(body, 0)})

	case hwin.EventLoadDll:
		idx := int64(getU64(body, 0))
		dllBase := module.Pointer(getU64(body, 8))
		size := getU64(body, 16)
		pathLen := getU64(body, 24)
		path := decodeUTF16LE(body[loadDllFieldsSize : loadDllFieldsSize+int(pathLen)*2])
		modules.OnLoad(path, dllBase, size, nil)
		if !r.filter.allows("load_dll") {
			return nil
		}
		return obs.OnLoadDll(observer.LoadDllEvent{Time: t, Proc: proc, ModuleIndex: idx, ModuleBase: dllBase, ModuleSize: size, ImagePath: path})

	case hwin.EventUnloadDll:
		dllBase := module.Pointer(getU64(body, 0))
		modules.OnUnload(dllBase)
		if !r.filter.allows("unload_dll") {
			return nil
		}
		return obs.OnUnloadDll(observer.UnloadDllEvent{Time: t, Proc: proc, ModuleBase: dllBase})

	case hwin.EventDebugString:
		isUnicode := body[0] != 0
		length := getU64(body, 1)
		var text string
		if isUnicode {
			text = decodeUTF16LE(body[debugStringFieldsSize : debugStringFieldsSize+int(length)*2])
		} else {
			text = string(body[debugStringFieldsSize : debugStringFieldsSize+int(length)])
		}
		if !r.filter.allows("debug") {
			return nil
		}
		return obs.OnDebugString(observer.DebugStringEvent{Time: t, Proc: proc, IsUnicode: isUnicode, Text: text})

	case hwin.EventRip:
		if !r.filter.allows("rip") {
			return nil
		}
		return obs.OnRip(observer.RipEvent{Time: t, Proc: proc, Type: getU32(body, 0), Error: getU32(body, 4)})

	case hwin.EventException:
		return r.dispatchException(obs, modules, t, proc, body)
	}
	return nil
}

func (r *Reader) dispatchException(obs observer.Observer, modules *module.Registry, t time.Time, proc observer.ProcessRef, body []byte) error {
	fields := decodeExceptionFields(body[:exceptionFieldsSize])
	rest := body[exceptionFieldsSize:]

	var snap snapshot.Snapshot
	var stackBody []byte
	if fields.Wow64 {
		rf := decodeRegisterFile32(rest[:registerFile32Size])
		snap = snapshot.FromRegisterFile32(rf)
		stackBody = rest[registerFile32Size:]
	} else {
		rf := decodeRegisterFile64(rest[:registerFile64Size])
		snap = snapshot.FromRegisterFile64(rf)
		stackBody = rest[registerFile64Size:]
	}

	traceRec, err := readStackTrace(bytes.NewReader(stackBody))
	if err != nil {
		return err
	}
	trace := recordToTrace(traceRec, modules)

	label := "exception"
	if fields.IsBreakpoint {
		label = "breakpoint"
	}
	if !r.filter.allows(label) {
		return nil
	}

	ev := observer.ExceptionEvent{
		Time:         t,
		Proc:         proc,
		Address:      module.Pointer(fields.EventAddress),
		Offset:       fields.EventOffset,
		ModuleIndex:  fields.ModuleIndex,
		Code:         fields.EventCode,
		Wow64:        fields.Wow64,
		IsBreakpoint: fields.IsBreakpoint,
		FirstChance:  fields.IsFirstChance,
		Snapshot:     snap,
		Trace:        trace,
		Rtti:         nil,
	}

	if fields.IsBreakpoint {
		return obs.OnBreakpoint(ev)
	}
	return obs.OnException(ev)
}

// recordToTrace is traceToRecord's inverse: it rebuilds an unwind.Trace from
// a decoded StackTraceRecord, resolving each frame's module index back to a
// live *module.Module via the registry rebuilt during replay.
func recordToTrace(rec StackTraceRecord, modules *module.Registry) unwind.Trace {
	trace := unwind.Trace{MaxRecursion: rec.MaxRecursion, MaxInstruction: int(rec.MaxInstructions)}
	for _, fr := range rec.Frames {
		f := unwind.Frame{
			ModuleBase:       module.Pointer(fr.ModuleBase),
			PC:               module.Pointer(fr.Address),
			AbsolutePC:       module.Pointer(fr.AbsoluteAddress),
			AbsoluteLineAddr: module.Pointer(fr.AbsoluteLineAddr),
			LineAddr:         module.Pointer(fr.LineAddr),
			SymbolName:       fr.Name,
			HasSymbol:        fr.Name != "",
			SourceFile:       fr.SourcePath,
			SourceLine:       uint32(fr.LineNumber),
			HasLine:          fr.SourcePath != "",
			Recursion:        fr.IsRecursion,
			RecursionCount:   fr.RecursionCount,
			Instructions:     fr.Instructions,
		}
		if fr.ModuleIndex >= 0 {
			if path, ok := modules.PathOf(module.Pointer(fr.ModuleBase)); ok {
				mCopy := module.Module{Base: module.Pointer(fr.ModuleBase), ImagePath: path}
				f.Module = &mCopy
			}
		}
		trace.Frames = append(trace.Frames, f)
	}
	return trace
}
