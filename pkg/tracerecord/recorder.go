// Package tracerecord records which bytes of the target were executed,
// how many times and as which part of an instruction. Each traced page
// has its own encoding, chosen with SetPageMode.
package tracerecord

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-delve/livecore/pkg/logflags"
	"github.com/go-delve/livecore/pkg/memory"
)

const pageSize = memory.PageSize

type page struct {
	mode Mode
	data []byte
}

func newPage(mode Mode) *page {
	return &page{mode: mode, data: make([]byte, mode.bufferSize())}
}

// entry returns the hit count and the byte type of the byte at off.
func (pg *page) entry(off int) (count uint32, typ ByteType) {
	switch pg.mode {
	case BitExec:
		if pg.data[off/8]&(1<<(off%8)) != 0 {
			return 1, InstructionHeading
		}
		return 0, InstructionHeading
	case ByteCounter:
		v := pg.data[off]
		return uint32(v & byteCountMask), ByteType(v >> 6)
	case WordCounter:
		v := binary.LittleEndian.Uint16(pg.data[off*2:])
		return uint32(v & wordCountMask), ByteType(v >> 14)
	}
	return 0, InstructionHeading
}

// hit records one execution of the byte at off as typ.
func (pg *page) hit(off int, typ ByteType) {
	switch pg.mode {
	case BitExec:
		pg.data[off/8] |= 1 << (off % 8)
	case ByteCounter:
		v := pg.data[off]
		cnt := v & byteCountMask
		if cnt > 0 && ByteType(v>>6) != typ {
			typ = InstructionOverlapped
		}
		if cnt < MaxByteCount {
			cnt++
		}
		pg.data[off] = byte(typ)<<6 | cnt
	case WordCounter:
		v := binary.LittleEndian.Uint16(pg.data[off*2:])
		cnt := v & wordCountMask
		if cnt > 0 && ByteType(v>>14) != typ {
			typ = InstructionOverlapped
		}
		if cnt < MaxWordCount {
			cnt++
		}
		binary.LittleEndian.PutUint16(pg.data[off*2:], uint16(typ)<<14|cnt)
	}
}

// traced returns the number of bytes of the page executed at least once.
func (pg *page) traced() int {
	n := 0
	switch pg.mode {
	case BitExec:
		for _, b := range pg.data {
			n += bits.OnesCount8(b)
		}
	case ByteCounter, WordCounter:
		for off := 0; off < pageSize; off++ {
			if cnt, _ := pg.entry(off); cnt > 0 {
				n++
			}
		}
	}
	return n
}

// Options configures a Recorder.
type Options struct {
	// AutoCreate makes RecordExecution create a BitExec page for bytes
	// on pages that are not traced yet.
	AutoCreate bool
}

// Recorder is the trace of one target. All methods are safe for
// concurrent use.
type Recorder struct {
	mu           sync.Mutex
	pages        map[memory.Address]*page
	autoCreate   bool
	instructions atomic.Uint64
	log          logflags.Logger
}

// New returns an empty recorder.
func New(opts Options) *Recorder {
	return &Recorder{
		pages:      make(map[memory.Address]*page),
		autoCreate: opts.AutoCreate,
		log:        logflags.TraceRecordLogger(),
	}
}

// SetPageMode sets the encoding of the page containing addr. Changing the
// mode of a page discards its trace, Disabled removes it.
func (r *Recorder) SetPageMode(addr memory.Address, mode Mode) error {
	if mode != Disabled && mode.bufferSize() == 0 {
		return fmt.Errorf("invalid trace mode %d", mode)
	}
	base := memory.PageBase(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	pg, ok := r.pages[base]
	switch {
	case mode == Disabled:
		delete(r.pages, base)
	case ok && pg.mode == mode:
		// nothing to do
	default:
		if ok {
			r.log.Debugf("page %#x: mode %s -> %s, trace discarded", uint64(base), pg.mode, mode)
		}
		r.pages[base] = newPage(mode)
	}
	return nil
}

// PageMode returns the encoding of the page containing addr.
func (r *Recorder) PageMode(addr memory.Address) Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pg, ok := r.pages[memory.PageBase(addr)]; ok {
		return pg.mode
	}
	return Disabled
}

// Tracing returns true if executing addr would be recorded.
func (r *Recorder) Tracing(addr memory.Address) bool {
	if r.autoCreate {
		return true
	}
	return r.PageMode(addr) != Disabled
}

// RecordExecution records the execution of an instruction of size bytes
// at addr. The instruction may cross a page boundary.
func (r *Recorder) RecordExecution(addr memory.Address, size int) {
	if size <= 0 {
		return
	}
	r.instructions.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	var pg *page
	base := memory.Address(1) // never a page base
	for i := 0; i < size; i++ {
		a := addr + memory.Address(i)
		if b := memory.PageBase(a); b != base {
			base = b
			pg = r.pages[base]
			if pg == nil && r.autoCreate {
				pg = newPage(BitExec)
				r.pages[base] = pg
			}
		}
		if pg == nil {
			continue
		}
		typ := InstructionBody
		switch {
		case i == 0:
			typ = InstructionHeading
		case i == size-1:
			typ = InstructionTailing
		}
		pg.hit(int(memory.PageOffset(a)), typ)
	}
}

// GetHitCount returns how many times the byte at addr was executed. For
// BitExec pages it is 0 or 1.
func (r *Recorder) GetHitCount(addr memory.Address) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	pg, ok := r.pages[memory.PageBase(addr)]
	if !ok {
		return 0
	}
	cnt, _ := pg.entry(int(memory.PageOffset(addr)))
	return cnt
}

// IsTraced returns true if the byte at addr was executed at least once.
func (r *Recorder) IsTraced(addr memory.Address) bool {
	return r.GetHitCount(addr) > 0
}

// GetByteType returns the classification of the byte at addr. Bytes
// that were never executed, and every byte of a BitExec page, are
// reported as InstructionHeading.
func (r *Recorder) GetByteType(addr memory.Address) ByteType {
	r.mu.Lock()
	defer r.mu.Unlock()
	pg, ok := r.pages[memory.PageBase(addr)]
	if !ok {
		return InstructionHeading
	}
	cnt, typ := pg.entry(int(memory.PageOffset(addr)))
	if cnt == 0 {
		return InstructionHeading
	}
	return typ
}

// InstructionCounter returns the number of RecordExecution calls.
func (r *Recorder) InstructionCounter() uint64 {
	return r.instructions.Load()
}

// PageInfo describes a traced page.
type PageInfo struct {
	Base memory.Address
	Mode Mode
	// Traced is the number of bytes executed at least once.
	Traced int
}

// Pages returns the traced pages sorted by address.
func (r *Recorder) Pages() []PageInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r0 := make([]PageInfo, 0, len(r.pages))
	for base, pg := range r.pages {
		r0 = append(r0, PageInfo{Base: base, Mode: pg.mode, Traced: pg.traced()})
	}
	sort.Slice(r0, func(i, j int) bool { return r0[i].Base < r0[j].Base })
	return r0
}

// Clear removes every page and resets the instruction counter.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = make(map[memory.Address]*page)
	r.instructions.Store(0)
}
