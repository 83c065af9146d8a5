// Copyright 2020 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errtype holds error types used across the cloudsqlconn package.
package errtype

import "fmt"

// ConfigError is an error reported when the Dialer is unable to formulate a
// connection because of bad configuration.
type ConfigError struct {
	ConnName string
	Message  string
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("[%v] %v", e.ConnName, e.Message)
}

// NewConfigError initializes a ConfigError.
func NewConfigError(m, c string) *ConfigError {
	return &ConfigError{Message: m, ConnName: c}
}

// RefreshError is an error reported when the Dialer is unable to refresh
// metadata or certificates associated with an instance.
type RefreshError struct {
	ConnName string
	Message  string
	Err      error
}

// Error returns the error message.
func (e *RefreshError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%v] %v", e.ConnName, e.Message)
	}
	return fmt.Sprintf("[%v] %v: %v", e.ConnName, e.Message, e.Err)
}

// Unwrap returns the underlying error.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// NewRefreshError initializes a RefreshError.
func NewRefreshError(m, c string, err error) *RefreshError {
	return &RefreshError{Message: m, ConnName: c, Err: err}
}

// DialError is an error reported when the Dialer fails to dial an instance.
type DialError struct {
	ConnName string
	Message  string
	Err      error
}

// Error returns the error message.
func (e *DialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%v] %v", e.ConnName, e.Message)
	}
	return fmt.Sprintf("[%v] %v: %v", e.ConnName, e.Message, e.Err)
}

// Unwrap returns the underlying error.
func (e *DialError) Unwrap() error {
	return e.Err
}

// NewDialError initializes a DialError.
func NewDialError(m, c string, err error) *DialError {
	return &DialError{Message: m, ConnName: c, Err: err}
}
