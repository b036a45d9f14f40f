// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vlog defines govmdk's logging interface. By default it wraps the
// standard library logger, but callers may install their own.
package vlog

import "log"

// Logger is govmdk's logging interface. Only conditions spec.md marks as
// "locally recovered" (non-fatal) are ever logged by the library itself.
type Logger interface {
	Warnf(format string, args ...any)
	Warn(args ...any)
	Debugf(format string, args ...any)
	Debug(args ...any)
}

var logger Logger = &DefaultLogger{}

// SetLogger overwrites the default govmdk logger with a caller-supplied one.
func SetLogger(l Logger) { logger = l }

// Warnf is the static formatted warning logging function.
func Warnf(format string, args ...any) {
	logger.Warnf(format, args...)
}

// Warn is the static warning logging function.
func Warn(args ...any) {
	logger.Warn(args...)
}

// Debugf is the static formatted debug logging function.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

// Debug is the static debug logging function.
func Debug(args ...any) {
	logger.Debug(args...)
}

// DefaultLogger logs to stderr via the standard library logger.
type DefaultLogger struct {
	// Verbose enables Debug-level output.
	Verbose bool
}

// Warnf logs a formatted warning.
func (DefaultLogger) Warnf(format string, args ...any) {
	log.Printf(format, args...)
}

// Warn logs an unformatted warning.
func (DefaultLogger) Warn(args ...any) {
	log.Println(args...)
}

// Debugf logs a formatted debug message when Verbose is set.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.Verbose {
		log.Printf(format, args...)
	}
}

// Debug logs an unformatted debug message when Verbose is set.
func (l *DefaultLogger) Debug(args ...any) {
	if l.Verbose {
		log.Println(args...)
	}
}
