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

// Package pricing converts metered token usage into monetary cost using
// per-model rates quoted in USD per million tokens.
package pricing

import (
	"fmt"

	"github.com/go-logr/logr"
)

// unitsPerRate is the usage quantity each rate is quoted against.
const unitsPerRate = 1_000_000

const errNegativeRate = "model %q: %s rate must not be negative"

// Rate holds per-million-token pricing for a single model.
type Rate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// DefaultRates returns the built-in rate table for the models this service
// streams. Values are USD per million tokens.
func DefaultRates() map[string]Rate {
	return map[string]Rate{
		"gpt-5":        {InputPerMTok: 10, OutputPerMTok: 30},
		"gpt-5-mini":   {InputPerMTok: 3, OutputPerMTok: 15},
		"gpt-realtime": {InputPerMTok: 100, OutputPerMTok: 200},
	}
}

// DefaultFallback returns the rate applied to model ids with no configured
// entry. It uses the mini-tier rates so an unknown id is still priced.
func DefaultFallback() Rate {
	return Rate{InputPerMTok: 3, OutputPerMTok: 15}
}

// Table is an immutable model-to-rate lookup with a single fallback entry.
// Lookups never fail: an unknown model id resolves to the fallback rate.
type Table struct {
	rates    map[string]Rate
	fallback Rate
	log      logr.Logger
}

// NewTable builds a table from the given rates and fallback entry. The rate
// map is copied. Negative rates are configuration defects and are rejected.
func NewTable(rates map[string]Rate, fallback Rate, log logr.Logger) (*Table, error) {
	if err := validateRate("fallback", fallback); err != nil {
		return nil, err
	}
	copied := make(map[string]Rate, len(rates))
	for model, r := range rates {
		if err := validateRate(model, r); err != nil {
			return nil, err
		}
		copied[model] = r
	}
	return &Table{rates: copied, fallback: fallback, log: log}, nil
}

// NewDefaultTable builds a table from the built-in rates and fallback.
func NewDefaultTable(log logr.Logger) *Table {
	return &Table{rates: DefaultRates(), fallback: DefaultFallback(), log: log}
}

// Merge returns a copy of the table with the given rates layered on top,
// used to apply per-model overrides from configuration.
func (t *Table) Merge(overrides map[string]Rate) (*Table, error) {
	merged := make(map[string]Rate, len(t.rates)+len(overrides))
	for model, r := range t.rates {
		merged[model] = r
	}
	for model, r := range overrides {
		merged[model] = r
	}
	return NewTable(merged, t.fallback, t.log)
}

// Rate returns the rate for model and whether it was an exact match. On a
// miss the fallback rate is returned.
func (t *Table) Rate(model string) (Rate, bool) {
	if r, ok := t.rates[model]; ok {
		return r, true
	}
	return t.fallback, false
}

// Cost prices a usage event. Negative unit counts indicate a caller defect
// and are clamped to zero rather than rejected. Unknown model ids are priced
// at the fallback rate with a warning.
func (t *Table) Cost(model string, inputUnits, outputUnits int64) float64 {
	rate, known := t.Rate(model)
	if !known {
		t.log.Info("unknown model, pricing at fallback rate", "model", model)
	}
	if inputUnits < 0 {
		inputUnits = 0
	}
	if outputUnits < 0 {
		outputUnits = 0
	}
	return float64(inputUnits)/unitsPerRate*rate.InputPerMTok +
		float64(outputUnits)/unitsPerRate*rate.OutputPerMTok
}

// Models returns the ids with an exact rate entry, for diagnostics.
func (t *Table) Models() []string {
	models := make([]string, 0, len(t.rates))
	for model := range t.rates {
		models = append(models, model)
	}
	return models
}

func validateRate(model string, r Rate) error {
	if r.InputPerMTok < 0 {
		return fmt.Errorf(errNegativeRate, model, "input")
	}
	if r.OutputPerMTok < 0 {
		return fmt.Errorf(errNegativeRate, model, "output")
	}
	return nil
}
