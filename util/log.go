// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
//
// A nil *Logger is valid: verbose and debug output are dropped and
// everything else goes to stderr. This lets library packages log before
// (or without) a call to their SetLogger function.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	out     io.Writer
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

func NewLogger(verbose, debug bool) *Logger {
	l := &Logger{out: os.Stdout}
	if verbose {
		l.verbose = os.Stderr
	}
	if debug {
		l.debug = os.Stderr
	}
	l.warning = os.Stderr
	l.err = os.Stderr
	return l
}

// NewWriterLogger returns a Logger that sends all of its output,
// including verbose and debug messages, to w. It's mostly useful for
// tests that want to inspect what was logged.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: w, debug: w, verbose: w, warning: w, err: w}
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		fmt.Print(format(f, args...))
		return
	}
	l.write(l.out, format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		return
	}
	l.write(l.verbose, format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.write(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.write(l.err, format(f, args...))
}

// Errors returns the number of errors reported so far.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	l.Error(f, args...)
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	if len(msg) == 0 {
		l.Error("Check failed\n")
	} else {
		l.Error(msg[0].(string), msg[1:]...)
	}
	os.Exit(1)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	if len(msg) == 0 {
		l.Error("Error: %+v\n", err)
	} else {
		l.Error(msg[0].(string), msg[1:]...)
	}
	os.Exit(1)
}

func (l *Logger) write(w io.Writer, s string) {
	if w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(w, s)
}

func format(f string, args ...interface{}) string {
	// Two levels up the call stack, skipping our own wrappers.
	skip := 2
	for {
		_, fn, _, ok := runtime.Caller(skip)
		if !ok || !strings.HasSuffix(fn, "util/log.go") {
			break
		}
		skip++
	}
	_, fn, line, _ := runtime.Caller(skip)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
