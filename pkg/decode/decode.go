// Package decode computes x86 instruction lengths for the trace recorder.
package decode

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/livecore/pkg/memory"
)

// LengthDecoder returns the length of the instruction at the start of
// code.
type LengthDecoder interface {
	InstructionLength(code []byte) (int, error)
}

var (
	// ErrEmpty is returned for empty input.
	ErrEmpty = errors.New("no instruction bytes")
	// ErrInvalid is returned when the bytes are not a complete instruction.
	ErrInvalid = errors.New("invalid instruction")
)

// X86 decodes x86 and amd64 instructions. Decoded lengths are cached by
// instruction bytes: traced code runs the same instructions over and over.
type X86 struct {
	mode  int
	cache *lru.Cache
}

// NewX86 returns a decoder for arch with a cache of cacheSize entries.
// A cacheSize of zero disables the cache.
func NewX86(arch memory.Arch, cacheSize int) (*X86, error) {
	d := &X86{mode: arch.PtrSize * 8}
	if d.mode != 32 && d.mode != 64 {
		return nil, fmt.Errorf("unsupported architecture %s", arch.Name)
	}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, err
		}
		d.cache = cache
	}
	return d, nil
}

// InstructionLength implements LengthDecoder.
func (d *X86) InstructionLength(code []byte) (int, error) {
	if len(code) == 0 {
		return 0, ErrEmpty
	}
	var key string
	if d.cache != nil {
		key = string(code)
		if n, ok := d.cache.Get(key); ok {
			return n.(int), nil
		}
	}
	inst, err := x86asm.Decode(code, d.mode)
	if err != nil {
		return 0, fmt.Errorf("decoding % x: %w: %v", code, ErrInvalid, err)
	}
	// x86asm reports some truncated or unknown encodings as a one byte
	// instruction without an opcode.
	if inst.Op == 0 || inst.Len <= 0 || inst.Len > len(code) {
		return 0, fmt.Errorf("decoding % x: %w", code, ErrInvalid)
	}
	if d.cache != nil {
		d.cache.Add(key, inst.Len)
	}
	return inst.Len, nil
}

// Cached returns the number of cached lengths.
func (d *X86) Cached() int {
	if d.cache == nil {
		return 0
	}
	return d.cache.Len()
}
