package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionsAreWellFormed(t *testing.T) {
	names := make(map[string]bool)
	for _, def := range Definitions {
		assert.Equal(t, "function", def.Type)
		assert.NotEmpty(t, def.Function.Name)
		assert.NotEmpty(t, def.Function.Description)
		assert.False(t, names[def.Function.Name], "duplicate tool %s", def.Function.Name)
		names[def.Function.Name] = true

		var doc map[string]any
		require.NoError(t, json.Unmarshal(def.Function.Parameters, &doc), def.Function.Name)
		assert.Equal(t, "object", doc["type"], def.Function.Name)

		_, compiled := inputSchemas[def.Function.Name]
		assert.True(t, compiled, "no compiled schema for %s", def.Function.Name)
	}
	for _, name := range []string{
		ListSources, GetSourcePreview, RequestFileUpload, LoadScopedData,
		ProposeMatch, InferMatchRules, BuildRecipe, ValidateRecipe, RunSample, RunFull,
	} {
		assert.True(t, names[name], "missing definition for %s", name)
	}
}

func TestValidateArgs(t *testing.T) {
	assert.NoError(t, validateArgs(ListSources, ""))
	assert.NoError(t, validateArgs(GetSourcePreview, `{"alias":"invoices"}`))
	assert.Error(t, validateArgs(GetSourcePreview, `{}`))
	assert.Error(t, validateArgs(GetSourcePreview, `{"alias":7}`))
	assert.Error(t, validateArgs(ProposeMatch, `{"left_row":{"id":"1"}}`))
	assert.Error(t, validateArgs(LoadScopedData, `{"alias":"a","conditions":[{"column":"c"}]}`))
	assert.NoError(t, validateArgs("not_a_tool", "{}"))
}
