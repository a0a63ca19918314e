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

package llm

import "strings"

type transientError struct{ error }

func (transientError) Temporary() bool { return true }

func (t transientError) Unwrap() error { return t.error }

// MarkTransient wraps err so the Gateway's retry loop treats it as
// transient (5xx, connection reset, rate-limited-with-retry). Provider
// adapters call this around errors they know are safe to retry.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// LooksTransient does the same substring classification the reference
// provider adapters use when the SDK doesn't expose a structured status
// code: rate limits, 5xx, and timeouts retry; anything else does not.
func LooksTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
