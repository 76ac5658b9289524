package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var memory = false
var breakpoints = false
var traceRecord = false
var session = false
var native = false
var store = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Memory returns true if the paged memory accessor should log every
// failing page.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the memory package.
func MemoryLogger() Logger {
	return makeFlaggableLogger(memory, Fields{"layer": "memory"})
}

// Breakpoints returns true if breakpoint installation and event
// classification should be logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint package.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "breakpoints"})
}

// TraceRecord returns true if the trace recorder should log page creation
// and persistence.
func TraceRecord() bool {
	return traceRecord
}

// TraceRecordLogger returns a logger for the tracerecord package.
func TraceRecordLogger() Logger {
	return makeFlaggableLogger(traceRecord, Fields{"layer": "tracerecord"})
}

// Session returns true if the session lifecycle and event loop should log.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the session package.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Native returns true if the native (ptrace) backend should log.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the native backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Store returns true if persistent store backends should log.
func Store() bool {
	return store
}

// StoreLogger returns a logger for the store package.
func StoreLogger() Logger {
	return makeFlaggableLogger(store, Fields{"layer": "store"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dlvcore-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		logOut = nopCloser{colorable.NewColorableStderr()}
		textFormatterInstance.colors = true
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "session"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "memory":
			memory = true
		case "breakpoints":
			breakpoints = true
		case "tracerecord":
			traceRecord = true
		case "session":
			session = true
		case "native":
			native = true
		case "store":
			store = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dlvcore help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
