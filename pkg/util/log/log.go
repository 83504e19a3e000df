// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cockroachdb/logtags"
)

// makeMessage creates a log message, prefixing it with the log tags
// carried by ctx, if any.
func makeMessage(ctx context.Context, format string, args []interface{}) string {
	var buf bytes.Buffer
	if tags := logtags.FromContext(ctx); tags != nil {
		buf.WriteByte('[')
		buf.WriteString(tags.String())
		buf.WriteString("] ")
	}
	if len(format) == 0 {
		fmt.Fprint(&buf, args...)
	} else {
		fmt.Fprintf(&buf, format, args...)
	}
	return buf.String()
}

// addStructured creates a log entry and writes it to the logger at the
// specified severity.
func addStructured(ctx context.Context, s Severity, depth int, format string, args []interface{}) {
	if ctx == nil {
		panic("nil context")
	}
	file, line := caller(depth + 1)
	msg := makeMessage(ctx, format, args)
	logging.outputLogEntry(s, file, line, msg)
}

func logDepth(ctx context.Context, depth int, sev Severity, format string, args []interface{}) {
	addStructured(ctx, sev, depth+1, format, args)
}

// Infof logs to the INFO log. Arguments are handled in the manner of
// fmt.Printf; a newline is appended if missing.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, InfoLog, format, args)
}

// Info logs to the INFO log. Arguments are handled in the manner of
// fmt.Print; a newline is appended if missing.
func Info(ctx context.Context, args ...interface{}) {
	logDepth(ctx, 1, InfoLog, "", args)
}

// InfofDepth logs to the INFO log, with the caller attribution skipping
// depth extra stack frames.
func InfofDepth(ctx context.Context, depth int, format string, args ...interface{}) {
	logDepth(ctx, depth+1, InfoLog, format, args)
}

// Warningf logs to the WARNING log. Arguments are handled in the manner
// of fmt.Printf; a newline is appended if missing.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, WarningLog, format, args)
}

// Warning logs to the WARNING log. Arguments are handled in the manner
// of fmt.Print; a newline is appended if missing.
func Warning(ctx context.Context, args ...interface{}) {
	logDepth(ctx, 1, WarningLog, "", args)
}

// Errorf logs to the ERROR log. Arguments are handled in the manner of
// fmt.Printf; a newline is appended if missing.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, ErrorLog, format, args)
}

// Error logs to the ERROR log. Arguments are handled in the manner of
// fmt.Print; a newline is appended if missing.
func Error(ctx context.Context, args ...interface{}) {
	logDepth(ctx, 1, ErrorLog, "", args)
}

// Fatalf logs to the FATAL log, including the stack traces of all
// running goroutines, then terminates the process. Arguments are
// handled in the manner of fmt.Printf; a newline is appended if
// missing.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logDepth(ctx, 1, FatalLog, format, args)
}

// Fatal logs to the FATAL log, including the stack traces of all
// running goroutines, then terminates the process. Arguments are
// handled in the manner of fmt.Print; a newline is appended if missing.
func Fatal(ctx context.Context, args ...interface{}) {
	logDepth(ctx, 1, FatalLog, "", args)
}

// VInfof logs to the INFO log if logging verbosity is at the given
// level or higher.
func VInfof(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		logDepth(ctx, 1, InfoLog, format, args)
	}
}
