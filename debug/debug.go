// Copyright 2023 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package debug holds logging interfaces used to report non-fatal events
// occurring within the connector, e.g., a failed refresh attempt that will be
// retried.
package debug

import "context"

// Logger is the interface used throughout the project for logging.
type Logger interface {
	// Debugf logs debug messages.
	Debugf(format string, args ...interface{})
}

// ContextLogger is a logging interface that includes the provided context
// when logging messages.
type ContextLogger interface {
	// Debugf logs debug messages with context.
	Debugf(ctx context.Context, format string, args ...interface{})
}

// nullLogger is the default logger used when no logger is configured. It
// discards every message.
type nullLogger struct{}

// Debugf is a no-op.
func (nullLogger) Debugf(string, ...interface{}) {}

// NewNoopLogger returns a Logger that discards all messages.
func NewNoopLogger() Logger {
	return nullLogger{}
}

type nullContextLogger struct{}

// Debugf is a no-op.
func (nullContextLogger) Debugf(context.Context, string, ...interface{}) {}

// NewNoopContextLogger returns a ContextLogger that discards all messages.
func NewNoopContextLogger() ContextLogger {
	return nullContextLogger{}
}
