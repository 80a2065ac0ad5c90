// log/log_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	for _, tc := range []struct {
		level string
		want  []string
	}{
		{"debug", []string{"d", "i", "w", "e"}},
		{"info", []string{"i", "w", "e"}},
		{"warn", []string{"w", "e"}},
		{"error", []string{"e"}},
	} {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			lg := NewWithWriter(&buf, tc.level)
			lg.Debug("d")
			lg.Info("i")
			lg.Warnf("%s", "w")
			lg.Errorf("%s", "e")

			var got []string
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var rec struct {
					Msg       string
					Callstack []string
				}
				if err := json.Unmarshal([]byte(line), &rec); err != nil {
					t.Fatalf("%q: %v", line, err)
				}
				if len(rec.Callstack) == 0 || !strings.Contains(rec.Callstack[0], "TestLevels") {
					t.Errorf("%s: callstack %v does not start at the caller", rec.Msg, rec.Callstack)
				}
				got = append(got, rec.Msg)
			}
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Errorf("logged %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNilLogger(t *testing.T) {
	var lg *Logger
	lg.Debug("discarded")
	lg.Infof("discarded %d", 1)
	if lg.With("k", "v") != nil {
		t.Errorf("With on a nil logger returned non-nil")
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter(&buf, "info").With("component", "worker")
	lg.Info("started")
	if !strings.Contains(buf.String(), `"component":"worker"`) {
		t.Errorf("With attribute missing from %s", buf.String())
	}
}

func TestCallstack(t *testing.T) {
	s := func() Stack { return Callstack(0) }()
	if len(s) == 0 || !strings.Contains(s[0].Function, "TestCallstack") {
		t.Fatalf("Callstack = %v", s)
	}
	if s[0].File != "log_test.go" || s[0].Line == 0 {
		t.Errorf("frame = %+v", s[0])
	}
	if !strings.Contains(s.String(), "log_test.go:") {
		t.Errorf("String() = %q", s.String())
	}
}
