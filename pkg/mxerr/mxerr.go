// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mxerr defines the error kinds every tool call, MCP call, and LLM
// call in MXF can surface, as values rather than as a hierarchy of Go error
// types to catch with errors.As. Tool handlers never panic for control flow;
// they return (result, error), ideally an *Error carrying its Kind; the
// caller recovers it with As and wraps anything else under a Kind of its
// choosing.
package mxerr

import "fmt"

// Kind is one of the error kinds named in the error-handling design.
type Kind string

const (
	InvalidArgs           Kind = "InvalidArgs"
	UnknownTool           Kind = "UnknownTool"
	NotPermitted          Kind = "NotPermitted"
	HandlerFailed         Kind = "HandlerFailed"
	ProviderUnavailable   Kind = "ProviderUnavailable"
	Cancelled             Kind = "Cancelled"
	Timeout               Kind = "Timeout"
	CircuitBreakerTripped Kind = "CircuitBreakerTripped"
	MaxIterationsExceeded Kind = "MaxIterationsExceeded"
	Internal              Kind = "Internal"
)

// Recoverable reports whether a tool-call failure of this kind should be
// handed back to the LLM as a tool result (session continues) rather than
// ending the session.
func (k Kind) Recoverable() bool {
	switch k {
	case Cancelled, CircuitBreakerTripped, MaxIterationsExceeded, Internal:
		return false
	default:
		return true
	}
}

// Error is the concrete value carried across tool, MCP, and LLM boundaries.
type Error struct {
	Kind    Kind
	Detail  string
	Wrapped error
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Wrapped: err}
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap())
	}
	return target, false
}
