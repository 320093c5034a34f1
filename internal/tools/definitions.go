// Package tools defines the recipe-building tools offered to the model and
// the handler that executes them against the session and the backend.
package tools

import (
	"encoding/json"

	"matchbook/engine/internal/llm"
)

// Tool names. The phase registry's allow-lists are drawn from this set.
const (
	ListSources       = "list_sources"
	GetSourcePreview  = "get_source_preview"
	RequestFileUpload = "request_file_upload"
	LoadScopedData    = "load_scoped_data"
	ProposeMatch      = "propose_match"
	InferMatchRules   = "infer_match_rules"
	BuildRecipe       = "build_recipe"
	ValidateRecipe    = "validate_recipe"
	RunSample         = "run_sample"
	RunFull           = "run_full"
)

// Definitions lists every tool the engine can offer. Which subset reaches
// the model on a given generation is decided by the active phase and the
// turn's exhaustion tracker.
var Definitions = []llm.Tool{
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        ListSources,
			Description: "List the data sources registered with the reconciliation backend, with their alias, URI, type, and readiness status.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        GetSourcePreview,
			Description: "Fetch a source's column schema and a small sample of rows. Use this to capture the schema of each source the user wants to match.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"alias": {"type": "string", "description": "Source alias as returned by list_sources"},
					"limit": {"type": "integer", "description": "Number of sample rows to fetch (default 10, max 100)"}
				},
				"required": ["alias"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        RequestFileUpload,
			Description: "Ask the user to upload a file that is not yet registered as a source. The upload itself happens outside the conversation.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"filename": {"type": "string", "description": "Suggested name or description of the file to upload"}
				},
				"required": ["filename"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        LoadScopedData,
			Description: "Load a filtered slice of rows from a source. Conditions narrow the data to the slice the user wants reconciled.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"alias": {"type": "string", "description": "Source alias"},
					"conditions": {
						"type": "array",
						"description": "Filter conditions, ANDed together",
						"items": {
							"type": "object",
							"properties": {
								"column": {"type": "string"},
								"op": {"type": "string", "description": "Comparison operator, e.g. eq, gt, lt, contains"},
								"value": {"type": "string"}
							},
							"required": ["column", "op", "value"]
						}
					},
					"limit": {"type": "integer", "description": "Maximum rows to load (default 200, max 1000)"}
				},
				"required": ["alias"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        ProposeMatch,
			Description: "Propose one candidate row pair from the loaded samples for the user to confirm or reject. Confirmed pairs become the examples rules are inferred from.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"left_row": {"type": "object", "description": "Candidate row from the left source, keyed by column name", "additionalProperties": {"type": "string"}},
					"right_row": {"type": "object", "description": "Candidate row from the right source, keyed by column name", "additionalProperties": {"type": "string"}},
					"reason": {"type": "string", "description": "Short explanation of why these rows likely match"}
				},
				"required": ["left_row", "right_row"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        InferMatchRules,
			Description: "Score every left/right column pair against the confirmed examples and return candidate match rules with confidence and reasoning.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        BuildRecipe,
			Description: "Assemble a draft match recipe from the inferred rules (or from rules given explicitly) and the captured source facts.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Human-readable recipe name"},
					"description": {"type": "string", "description": "What this recipe reconciles"},
					"rules": {
						"type": "array",
						"description": "Explicit rules to use instead of the inferred ones",
						"items": {
							"type": "object",
							"properties": {
								"left_column": {"type": "string"},
								"right_column": {"type": "string"},
								"op": {"type": "string"},
								"threshold": {"type": "number"}
							},
							"required": ["left_column", "right_column", "op"]
						}
					}
				},
				"required": []
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        ValidateRecipe,
			Description: "Check the draft recipe locally for missing or inconsistent fields before running it.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        RunSample,
			Description: "Save the draft recipe and run it against the scoped sample data, waiting for the run to finish. Returns match counts.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        RunFull,
			Description: "Save the approved recipe and run it against the full data. Returns match counts once the run completes.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
		},
	},
}

var definitionsByName = func() map[string]llm.Tool {
	byName := make(map[string]llm.Tool, len(Definitions))
	for _, def := range Definitions {
		byName[def.Function.Name] = def
	}
	return byName
}()

// Select returns the definitions for the allowed names, in allow-list
// order, omitting any name present in exhausted.
func Select(allowed []string, exhausted map[string]bool) []llm.Tool {
	var out []llm.Tool
	for _, name := range allowed {
		if exhausted[name] {
			continue
		}
		if def, ok := definitionsByName[name]; ok {
			out = append(out, def)
		}
	}
	return out
}
