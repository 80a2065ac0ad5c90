// log/stack.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package log

import (
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const maxStackDepth = 16

type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (f StackFrame) String() string {
	return f.File + ":" + strconv.Itoa(f.Line) + ":" + f.Function
}

// Stack is a call stack, innermost frame first.
type Stack []StackFrame

// Callstack returns the stack of the caller's caller, skipping skip
// additional frames. It stops at the root of the goroutine: main.main
// or a worker loop.
func Callstack(skip int) Stack {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(3+skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	s := make(Stack, 0, n)
	for {
		frame, more := frames.Next()
		fn := strings.TrimPrefix(frame.Function, "github.com/mmp/gfxthread/")
		s = append(s, StackFrame{
			File:     filepath.Base(frame.File),
			Line:     frame.Line,
			Function: strings.TrimPrefix(fn, "main."),
		})
		if !more || frame.Function == "main.main" || strings.HasSuffix(fn, "(*Worker).Run") {
			return s
		}
	}
}

func (s Stack) String() string {
	var sb strings.Builder
	for i, f := range s {
		if i > 0 {
			sb.WriteString(" < ")
		}
		sb.WriteString(f.String())
	}
	return sb.String()
}

func (s Stack) LogValue() slog.Value {
	frames := make([]string, len(s))
	for i, f := range s {
		frames[i] = f.String()
	}
	return slog.AnyValue(frames)
}
