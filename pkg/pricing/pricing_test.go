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
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableCost_KnownModel(t *testing.T) {
	table := NewDefaultTable(logr.Discard())

	// gpt-5 at 10/30 per million: 100k input + 200k output = 1.0 + 6.0
	cost := table.Cost("gpt-5", 100_000, 200_000)
	assert.InDelta(t, 7.0, cost, 1e-9)
}

func TestTableCost_Additive(t *testing.T) {
	table := NewDefaultTable(logr.Discard())

	whole := table.Cost("gpt-realtime", 30_000, 90_000)
	split := table.Cost("gpt-realtime", 10_000, 50_000) +
		table.Cost("gpt-realtime", 20_000, 40_000)
	assert.InDelta(t, whole, split, 1e-9)
}

func TestTableCost_UnknownModelUsesFallback(t *testing.T) {
	table := NewDefaultTable(logr.Discard())

	unknown := table.Cost("some-future-model", 1_000_000, 1_000_000)
	mini := table.Cost("gpt-5-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, mini, unknown, 1e-9)

	rate, exact := table.Rate("some-future-model")
	assert.False(t, exact)
	assert.Equal(t, DefaultFallback(), rate)
}

func TestTableCost_NegativeUnitsClamped(t *testing.T) {
	table := NewDefaultTable(logr.Discard())

	assert.Zero(t, table.Cost("gpt-5", -100, -100))
	assert.InDelta(t, 1.0, table.Cost("gpt-5", 100_000, -1), 1e-9)
}

func TestTableCost_ZeroUnits(t *testing.T) {
	table := NewDefaultTable(logr.Discard())
	assert.Zero(t, table.Cost("gpt-5", 0, 0))
}

func TestNewTable_RejectsNegativeRates(t *testing.T) {
	_, err := NewTable(map[string]Rate{
		"bad-model": {InputPerMTok: -1, OutputPerMTok: 5},
	}, DefaultFallback(), logr.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad-model")

	_, err = NewTable(nil, Rate{InputPerMTok: 1, OutputPerMTok: -1}, logr.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback")
}

func TestTableMerge_Overrides(t *testing.T) {
	table := NewDefaultTable(logr.Discard())

	merged, err := table.Merge(map[string]Rate{
		"gpt-5":        {InputPerMTok: 20, OutputPerMTok: 60},
		"custom-model": {InputPerMTok: 1, OutputPerMTok: 2},
	})
	require.NoError(t, err)

	rate, exact := merged.Rate("gpt-5")
	assert.True(t, exact)
	assert.Equal(t, Rate{InputPerMTok: 20, OutputPerMTok: 60}, rate)

	rate, exact = merged.Rate("custom-model")
	assert.True(t, exact)
	assert.Equal(t, Rate{InputPerMTok: 1, OutputPerMTok: 2}, rate)

	// untouched entries survive the merge
	rate, exact = merged.Rate("gpt-realtime")
	assert.True(t, exact)
	assert.Equal(t, Rate{InputPerMTok: 100, OutputPerMTok: 200}, rate)

	// the original table is not mutated
	rate, _ = table.Rate("gpt-5")
	assert.Equal(t, Rate{InputPerMTok: 10, OutputPerMTok: 30}, rate)
}

func TestTableMerge_RejectsNegativeOverride(t *testing.T) {
	table := NewDefaultTable(logr.Discard())
	_, err := table.Merge(map[string]Rate{
		"gpt-5": {InputPerMTok: -5, OutputPerMTok: 1},
	})
	require.Error(t, err)
}

func TestTableModels(t *testing.T) {
	table := NewDefaultTable(logr.Discard())
	assert.ElementsMatch(t, []string{"gpt-5", "gpt-5-mini", "gpt-realtime"}, table.Models())
}
