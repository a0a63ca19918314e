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

package toolkit

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema wraps the compiled form of a Descriptor.Schema. A nil
// value (no schema declared) always validates.
type compiledSchema struct {
	schema *jsonschema.Schema
}

func compile(name string, doc map[string]any) (compiledSchema, error) {
	if doc == nil {
		return compiledSchema{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return compiledSchema{}, fmt.Errorf("toolkit: marshal schema for %s: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return compiledSchema{}, fmt.Errorf("toolkit: compile schema for %s: %w", name, err)
	}
	return compiledSchema{schema: compiled}, nil
}

func (c compiledSchema) validate(args map[string]any) error {
	if c.schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return c.schema.Validate(decoded)
}
