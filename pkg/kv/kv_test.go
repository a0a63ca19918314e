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

package kv

import (
	"context"
	"errors"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "channel/c1", []byte("hello")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := m.Get(ctx, "channel/c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want %q", got, "hello")
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsDefensiveCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	original := []byte("hello")
	m.Put(ctx, "k", original)

	got, _ := m.Get(ctx, "k")
	got[0] = 'X'

	got2, _ := m.Get(ctx, "k")
	if string(got2) != "hello" {
		t.Errorf("stored value mutated via returned slice: %q", got2)
	}

	original[0] = 'Y'
	got3, _ := m.Get(ctx, "k")
	if string(got3) != "hello" {
		t.Errorf("stored value mutated via caller's input slice: %q", got3)
	}
}

func TestDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(ctx, "k", []byte("v"))
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}
}

func TestListByPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(ctx, "channel/c1", []byte("1"))
	m.Put(ctx, "channel/c2", []byte("2"))
	m.Put(ctx, "agent/a1", []byte("3"))

	got, err := m.ListByPrefix(ctx, "channel/")
	if err != nil {
		t.Fatalf("ListByPrefix() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListByPrefix() returned %d entries, want 2", len(got))
	}
	if string(got["channel/c1"]) != "1" || string(got["channel/c2"]) != "2" {
		t.Errorf("ListByPrefix() = %v", got)
	}
}

func TestKeysSorted(t *testing.T) {
	in := map[string][]byte{"b": nil, "a": nil, "c": nil}
	got := Keys(in)
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if got[i] != k {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}
