package tracerecord

import (
	"fmt"
	"strings"
)

// Mode is the encoding of the trace of one page.
type Mode uint8

const (
	// Disabled pages are not traced.
	Disabled Mode = iota
	// BitExec records one "executed" bit per byte.
	BitExec
	// ByteCounter records a byte type and a 6 bit hit counter per byte.
	ByteCounter
	// WordCounter records a byte type and a 14 bit hit counter per byte.
	WordCounter
)

const (
	byteCountMask = 0x3f
	wordCountMask = 0x3fff

	// MaxByteCount is the largest hit count of a ByteCounter page.
	MaxByteCount = byteCountMask
	// MaxWordCount is the largest hit count of a WordCounter page.
	MaxWordCount = wordCountMask
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case BitExec:
		return "bit"
	case ByteCounter:
		return "byte"
	case WordCounter:
		return "word"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// bufferSize returns the size of the buffer of a page in mode m, zero for
// invalid modes.
func (m Mode) bufferSize() int {
	switch m {
	case BitExec:
		return pageSize / 8
	case ByteCounter:
		return pageSize
	case WordCounter:
		return pageSize * 2
	}
	return 0
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "disabled", "none", "off":
		return Disabled, nil
	case "bit", "bitexec":
		return BitExec, nil
	case "byte", "bytecounter":
		return ByteCounter, nil
	case "word", "wordcounter":
		return WordCounter, nil
	}
	return Disabled, fmt.Errorf("unknown trace mode %q", s)
}

// ByteType classifies a traced byte.
type ByteType uint8

const (
	InstructionBody ByteType = iota
	InstructionHeading
	InstructionTailing
	InstructionOverlapped

	// Data access types. They are part of the classification but no
	// recording mode produces them: only execution is traced.
	DataByte
	DataWord
	DataDWord
	DataQWord
	DataFloat
	DataDouble
	DataLongDouble
	DataXMM
	DataYMM
	DataMMX
	DataMixed
	InstructionDataMixed
)

var byteTypeNames = [...]string{
	InstructionBody:       "body",
	InstructionHeading:    "heading",
	InstructionTailing:    "tailing",
	InstructionOverlapped: "overlapped",
	DataByte:              "data-byte",
	DataWord:              "data-word",
	DataDWord:             "data-dword",
	DataQWord:             "data-qword",
	DataFloat:             "data-float",
	DataDouble:            "data-double",
	DataLongDouble:        "data-long-double",
	DataXMM:               "data-xmm",
	DataYMM:               "data-ymm",
	DataMMX:               "data-mmx",
	DataMixed:             "data-mixed",
	InstructionDataMixed:  "instruction-data-mixed",
}

func (t ByteType) String() string {
	if int(t) < len(byteTypeNames) {
		return byteTypeNames[t]
	}
	return fmt.Sprintf("bytetype(%d)", uint8(t))
}
