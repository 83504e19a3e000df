// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.
//
// This code originated in the github.com/golang/glog package.

package log

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Severity identifies the sort of log: info, warning etc. The
// -stderr-threshold flag is of type Severity, so it may take the values
// of the severity levels.
type Severity int32 // sync/atomic int32

const (
	// InfoLog is used for informational messages.
	InfoLog Severity = iota
	// WarningLog is used for not-quite-errors.
	WarningLog
	// ErrorLog is used for errors.
	ErrorLog
	// FatalLog is used for fatal errors. Logging at this severity
	// terminates the process.
	FatalLog
	// NumSeverity is the number of severity levels.
	NumSeverity = 4
)

const severityChar = "IWEF"

var severityName = []string{
	InfoLog:    "INFO",
	WarningLog: "WARNING",
	ErrorLog:   "ERROR",
	FatalLog:   "FATAL",
}

// Name returns the string representation of the severity.
func (s Severity) Name() string {
	if s < 0 || s >= NumSeverity {
		return "UNKNOWN"
	}
	return severityName[s]
}

// buffer holds a byte Buffer for reuse. The zero value is ready for use.
type buffer struct {
	bytes.Buffer
	tmp  [64]byte // temporary byte array for creating headers.
	next *buffer
}

// loggingT collects all the global state of the logging setup.
type loggingT struct {
	// freeList is a list of byte buffers, maintained under freeListMu.
	freeList *buffer
	// freeListMu maintains the free list. It is separate from the main
	// mutex so buffers can be grabbed and printed to without holding
	// the main lock, for better parallelization.
	freeListMu sync.Mutex

	// mu protects the remaining elements of this structure and is used
	// to synchronize logging.
	mu sync.Mutex
	// stderr is the writer log entries are sent to. It is os.Stderr
	// except in tests.
	stderr io.Writer

	// Log verbosity level. Handled atomically.
	verbosity int32
}

var logging = loggingT{stderr: os.Stderr}

// osExitFunc is called on fatal errors. It is a variable so tests can
// intercept process termination.
var osExitFunc = os.Exit

// SetExitFunc allows setting a function that will block or intercept
// the os.Exit call performed on fatal errors.
func SetExitFunc(f func(int)) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	osExitFunc = f
}

// SetOutput redirects log output to w and returns a function restoring
// the previous writer. Used by tests to capture output.
func SetOutput(w io.Writer) func() {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.stderr
	logging.stderr = w
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.stderr = prev
	}
}

// SetVerbosity sets the value that V() compares against. Messages
// logged through VInfof at a level at or below this value are emitted.
func SetVerbosity(level int32) {
	atomic.StoreInt32(&logging.verbosity, level)
}

// V returns true if the logging verbosity is set to the specified level
// or higher.
func V(level int32) bool {
	return atomic.LoadInt32(&logging.verbosity) >= level
}

// getBuffer returns a new, ready-to-use buffer.
func (l *loggingT) getBuffer() *buffer {
	l.freeListMu.Lock()
	b := l.freeList
	if b != nil {
		l.freeList = b.next
	}
	l.freeListMu.Unlock()
	if b == nil {
		b = new(buffer)
	} else {
		b.next = nil
		b.Reset()
	}
	return b
}

// putBuffer returns a buffer to the free list.
func (l *loggingT) putBuffer(b *buffer) {
	if b.Len() >= 256 {
		// Let big buffers die.
		return
	}
	l.freeListMu.Lock()
	b.next = l.freeList
	l.freeList = b
	l.freeListMu.Unlock()
}

// formatHeader formats a log header using the provided file name and
// line number.
//
// Log lines have this form:
//	Lyymmdd hh:mm:ss.uuuuuu file:line  msg...
// where the fields are defined as follows:
//	L                A single character, representing the log level (eg 'I' for INFO)
//	yy               The year (zero padded; ie 2016 is '16')
//	mm               The month (zero padded; ie May is '05')
//	dd               The day (zero padded)
//	hh:mm:ss.uuuuuu  Time in hours, minutes and fractional seconds
//	file             The file name
//	line             The line number
//	msg              The user-supplied message
func formatHeader(s Severity, now time.Time, file string, line int) *buffer {
	buf := logging.getBuffer()
	if line < 0 {
		line = 0 // not a real line number, but acceptable to someDigits
	}
	if s > FatalLog {
		s = InfoLog // for safety.
	}

	tmp := buf.tmp[:len(buf.tmp)]
	var n int
	// Avoid Fprintf, for speed. The format is so simple that we can do it
	// quickly by hand. It's worth about 3X. Fprintf is hard.
	year, month, day := now.Date()
	hour, minute, second := now.Clock()
	// Lyymmdd hh:mm:ss.uuuuuu file:line
	tmp[n] = severityChar[s]
	n++
	n += buf.twoDigits(n, int(year)-2000)
	n += buf.twoDigits(n, int(month))
	n += buf.twoDigits(n, day)
	tmp[n] = ' '
	n++
	n += buf.twoDigits(n, hour)
	tmp[n] = ':'
	n++
	n += buf.twoDigits(n, minute)
	tmp[n] = ':'
	n++
	n += buf.twoDigits(n, second)
	tmp[n] = '.'
	n++
	n += buf.nDigits(6, n, now.Nanosecond()/1000, '0')
	tmp[n] = ' '
	n++
	buf.Write(tmp[:n])
	buf.WriteString(file)
	tmp[0] = ':'
	n = buf.someDigits(1, line)
	n++
	// Extra space between the header and the actual message for
	// scannability.
	tmp[n] = ' '
	n++
	buf.Write(tmp[:n])
	return buf
}

// Some custom tiny helper functions to print the log header efficiently.

const digits = "0123456789"

// twoDigits formats a zero-prefixed two-digit integer at buf.tmp[i].
// Returns two.
func (buf *buffer) twoDigits(i, d int) int {
	buf.tmp[i+1] = digits[d%10]
	d /= 10
	buf.tmp[i] = digits[d%10]
	return 2
}

// nDigits formats an n-digit integer at buf.tmp[i], padding with pad on
// the left. It assumes d >= 0. Returns n.
func (buf *buffer) nDigits(n, i, d int, pad byte) int {
	j := n - 1
	for ; j >= 0 && d > 0; j-- {
		buf.tmp[i+j] = digits[d%10]
		d /= 10
	}
	for ; j >= 0; j-- {
		buf.tmp[i+j] = pad
	}
	return n
}

// someDigits formats a zero-prefixed variable-width integer at
// buf.tmp[i].
func (buf *buffer) someDigits(i, d int) int {
	// Print into the top, then copy down. We know there's space for at
	// least a 10-digit number.
	j := len(buf.tmp)
	for {
		j--
		buf.tmp[j] = digits[d%10]
		d /= 10
		if d == 0 {
			break
		}
	}
	return copy(buf.tmp[i:], buf.tmp[j:])
}

// caller reports the file name and line number of the caller at the
// requested depth, with the file name reduced to its basename.
func caller(depth int) (file string, line int) {
	var ok bool
	_, file, line, ok = runtime.Caller(depth + 1)
	if !ok {
		return "???", 1
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line
}

// outputLogEntry marshals a log entry and writes it to stderr. If the
// entry's severity is fatal, it also dumps the stacks of all goroutines
// and terminates the process.
func (l *loggingT) outputLogEntry(s Severity, file string, line int, msg string) {
	buf := formatHeader(s, time.Now(), file, line)
	buf.WriteString(msg)
	if buf.Len() == 0 || buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	_, _ = l.stderr.Write(buf.Bytes())
	if s == FatalLog {
		// Dump all goroutine stacks before exiting.
		trace := make([]byte, 1<<20)
		n := runtime.Stack(trace, true)
		_, _ = l.stderr.Write(trace[:n])
		f := osExitFunc
		l.mu.Unlock()
		l.putBuffer(buf)
		f(255)
		return
	}
	l.mu.Unlock()
	l.putBuffer(buf)
}

// Flush is a no-op. Output goes to stderr unbuffered.
func Flush() {}
