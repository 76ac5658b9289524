package tracerecord

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/go-delve/livecore/pkg/memory"
	"github.com/go-delve/livecore/pkg/store"
)

// StoreKey is the key the trace is saved under.
const StoreKey = "tracerecord"

const (
	blobMagic   = "TRCR"
	blobVersion = 1

	headerSize = 4 + 4 + 4
	// page address, mode, buffer length
	recordHeaderSize = 8 + 1 + 4
)

// ErrStoreCorrupt is reported when a saved trace has entries that can not
// be loaded.
var ErrStoreCorrupt = errors.New("trace store corrupt")

// LoadReport describes the outcome of LoadFromStore.
type LoadReport struct {
	// Pages is the number of pages loaded.
	Pages int
	// Skipped is the number of entries that were dropped because their
	// mode is unknown, their buffer has the wrong size or the blob ends
	// in the middle of them.
	Skipped int
}

// Err returns an error wrapping ErrStoreCorrupt if some entries were
// skipped.
func (rep LoadReport) Err() error {
	if rep.Skipped == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d entries skipped, %d pages loaded", ErrStoreCorrupt, rep.Skipped, rep.Pages)
}

// SaveToStore writes every page to st under StoreKey.
//
// The blob is little endian: the magic "TRCR", a uint32 version and a
// uint32 page count, followed for each page, in address order, by the
// uint64 page address, the uint8 mode, the uint32 buffer length and the
// buffer.
func (r *Recorder) SaveToStore(st store.Store) error {
	blob := r.encode()
	if err := st.Put(StoreKey, blob); err != nil {
		return fmt.Errorf("saving trace: %w", err)
	}
	r.log.Debugf("saved %d bytes of trace", len(blob))
	return nil
}

func (r *Recorder) encode() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	bases := make([]memory.Address, 0, len(r.pages))
	size := headerSize
	for base, pg := range r.pages {
		bases = append(bases, base)
		size += recordHeaderSize + len(pg.data)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteString(blobMagic)
	binary.Write(buf, binary.LittleEndian, uint32(blobVersion))
	binary.Write(buf, binary.LittleEndian, uint32(len(bases)))
	for _, base := range bases {
		pg := r.pages[base]
		binary.Write(buf, binary.LittleEndian, uint64(base))
		buf.WriteByte(byte(pg.mode))
		binary.Write(buf, binary.LittleEndian, uint32(len(pg.data)))
		buf.Write(pg.data)
	}
	return buf.Bytes()
}

// LoadFromStore replaces the trace with the one saved in st. A missing or
// empty blob loads zero pages. Corrupt entries are skipped and counted in
// the report, the error is only returned for store failures and blobs that
// are not a trace at all.
func (r *Recorder) LoadFromStore(st store.Store) (LoadReport, error) {
	r.Clear()
	blob, err := st.Get(StoreKey)
	if errors.Is(err, store.ErrNotFound) {
		return LoadReport{}, nil
	}
	if err != nil {
		return LoadReport{}, fmt.Errorf("loading trace: %w", err)
	}
	pages, rep, err := decode(blob)
	if err != nil {
		return rep, err
	}
	r.mu.Lock()
	r.pages = pages
	r.mu.Unlock()
	if rep.Skipped > 0 {
		r.log.Warnf("%v", rep.Err())
	}
	return rep, nil
}

func decode(blob []byte) (map[memory.Address]*page, LoadReport, error) {
	var rep LoadReport
	pages := make(map[memory.Address]*page)
	if len(blob) == 0 {
		return pages, rep, nil
	}
	if len(blob) < headerSize || string(blob[:4]) != blobMagic {
		return pages, rep, fmt.Errorf("%w: bad header", ErrStoreCorrupt)
	}
	if v := binary.LittleEndian.Uint32(blob[4:]); v != blobVersion {
		return pages, rep, fmt.Errorf("%w: unsupported version %d", ErrStoreCorrupt, v)
	}
	count := int(binary.LittleEndian.Uint32(blob[8:]))
	rest := blob[headerSize:]
	for i := 0; i < count; i++ {
		if len(rest) < recordHeaderSize {
			rep.Skipped += count - i
			break
		}
		base := memory.Address(binary.LittleEndian.Uint64(rest))
		mode := Mode(rest[8])
		n := int(binary.LittleEndian.Uint32(rest[9:]))
		rest = rest[recordHeaderSize:]
		if n > len(rest) {
			rep.Skipped += count - i
			break
		}
		data := rest[:n]
		rest = rest[n:]
		if mode == Disabled || mode.bufferSize() != n || memory.PageOffset(base) != 0 {
			rep.Skipped++
			continue
		}
		if _, dup := pages[base]; dup {
			rep.Skipped++
			continue
		}
		pg := &page{mode: mode, data: append([]byte(nil), data...)}
		pages[base] = pg
		rep.Pages++
	}
	return pages, rep, nil
}
