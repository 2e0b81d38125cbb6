// Copyright 2026 The Hyperfs Authors
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

// Package cfg decodes a generic map[string]any into a typed configuration
// struct, applies the struct's defaults, and validates it. cmd/hyperfsd
// uses it to turn its process configuration into a concrete struct.
package cfg

import (
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Defaulter is implemented by config structs that need to fill in zero
// values before validation runs.
type Defaulter interface {
	ApplyDefaults()
}

var validate = validator.New()

// Decode decodes raw into out via mapstructure tags, applies out's defaults
// if it implements Defaulter, then validates it via validate tags.
func Decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return err
	}

	if d, ok := out.(Defaulter); ok {
		d.ApplyDefaults()
	}

	return validate.Struct(out)
}
