/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pricing

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

const (
	errReadRatesFile  = "failed to read rates file %q: %w"
	errParseRatesFile = "failed to parse rates file %q: %w"
)

// RatesFile is the on-disk YAML format for rate overrides. Entries layer
// over the built-in defaults; the fallback entry is replaced when present.
type RatesFile struct {
	Fallback *Rate           `yaml:"fallback"`
	Models   map[string]Rate `yaml:"models"`
}

// LoadFile reads a YAML rates document and builds a table from the built-in
// defaults with the document's entries layered on top.
func LoadFile(path string, log logr.Logger) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(errReadRatesFile, path, err)
	}

	var doc RatesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf(errParseRatesFile, path, err)
	}

	rates := DefaultRates()
	for model, r := range doc.Models {
		rates[model] = r
	}
	fallback := DefaultFallback()
	if doc.Fallback != nil {
		fallback = *doc.Fallback
	}
	return NewTable(rates, fallback, log)
}
