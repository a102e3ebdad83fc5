// Copyright 2024 The Htdeploy Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loggers wraps jwalterweatherman for phase and progress
// reporting, and adds a per-file progress bar surface for the upload
// stage.
package loggers

import (
	"io"

	"github.com/schollz/progressbar/v3"
	jww "github.com/spf13/jwalterweatherman"
)

// Logger is the capability the Deployer reports through: phase
// headings, per-file progress, and the final run summary.
type Logger struct {
	verbose  bool
	showBars bool
	out      io.Writer
	notepad  *jww.Notepad
}

// New builds a Logger writing feedback to out, with DEBUG-level detail
// when verbose is set, and visible per-file progress bars unless
// noProgress disables them (e.g. when running non-interactively).
func New(out io.Writer, verbose bool, noProgress bool) *Logger {
	threshold := jww.LevelInfo
	if verbose {
		threshold = jww.LevelDebug
	}
	notepad := jww.NewNotepad(threshold, jww.LevelWarn, out, io.Discard, "", 0)
	return &Logger{verbose: verbose, showBars: !noProgress, out: out, notepad: notepad}
}

// Phase announces the start of a deployment phase.
func (l *Logger) Phase(name string) {
	l.notepad.FEEDBACK.Println("==>", name)
}

// Info logs an informational line, shown with or without verbose.
func (l *Logger) Info(format string, args ...interface{}) {
	l.notepad.INFO.Printf(format+"\n", args...)
}

// Warn logs a recoverable problem, always shown.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.notepad.WARN.Printf(format+"\n", args...)
}

// Error logs a fatal problem, always shown.
func (l *Logger) Error(format string, args ...interface{}) {
	l.notepad.ERROR.Printf(format+"\n", args...)
}

// FileBar returns a progress callback for one file transfer of the
// given size; the callback is a no-op when progress bars are
// suppressed or size is unknown.
func (l *Logger) FileBar(label string, size int64) func(percent int) {
	if !l.showBars || size <= 0 {
		return func(int) {}
	}
	bar := progressbar.DefaultBytes(size, label)
	lastBytes := int64(0)
	return func(percent int) {
		target := size * int64(percent) / 100
		if delta := target - lastBytes; delta > 0 {
			_ = bar.Add64(delta)
			lastBytes = target
		}
		if percent >= 100 {
			_ = bar.Finish()
		}
	}
}

// Summary prints the final counts for a completed run.
func (l *Logger) Summary(uploaded, deleted, purged, skipped int, warnings []error) {
	l.notepad.FEEDBACK.Printf("uploaded=%d deleted=%d purged=%d skipped=%d\n", uploaded, deleted, purged, skipped)
	for _, w := range warnings {
		l.notepad.WARN.Println(w)
	}
}
