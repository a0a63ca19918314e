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

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/mxf-run/mxf/pkg/mxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	calls   int32
	fail    int32 // number of leading calls that return a transient error
	lastErr error
	resp    ParsedResponse
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(ctx context.Context, req Request) (ParsedResponse, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.fail {
		return ParsedResponse{}, MarkTransient(errors.New("503 service unavailable"))
	}
	return s.resp, nil
}

func TestCompleteSucceedsAfterTransientRetries(t *testing.T) {
	p := &stubProvider{fail: 2, resp: ParsedResponse{Text: "ok"}}
	gw := New(map[string]Provider{"stub": p}, 1)

	resp, err := gw.Complete(context.Background(), "stub", Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.EqualValues(t, 3, p.calls)
}

func TestCompleteGivesUpAfterMaxAttempts(t *testing.T) {
	p := &stubProvider{fail: 10}
	gw := New(map[string]Provider{"stub": p}, 1)

	_, err := gw.Complete(context.Background(), "stub", Request{})
	require.Error(t, err)
	merr, ok := mxerr.As(err)
	require.True(t, ok)
	assert.Equal(t, mxerr.ProviderUnavailable, merr.Kind)
	assert.EqualValues(t, retryMaxAttempts, p.calls)
}

func TestCompleteUnknownProvider(t *testing.T) {
	gw := New(nil, 1)
	_, err := gw.Complete(context.Background(), "nope", Request{})
	merr, ok := mxerr.As(err)
	require.True(t, ok)
	assert.Equal(t, mxerr.ProviderUnavailable, merr.Kind)
}

func TestNormalizeParsesEmbeddedJSONToolCall(t *testing.T) {
	resp := normalize(ParsedResponse{Text: `I will call {"tool":"task_complete","args":{"summary":"done"}} now.`})
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "task_complete", resp.ToolCalls[0].Name)
	assert.Equal(t, "done", resp.ToolCalls[0].Args["summary"])
}

func TestNormalizePrefersNativeToolCalls(t *testing.T) {
	resp := normalize(ParsedResponse{Text: `{"tool":"x","args":{}}`, ToolCalls: []ToolCall{{Name: "native"}}})
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "native", resp.ToolCalls[0].Name)
}
