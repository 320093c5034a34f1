package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// inputSchemas holds the compiled parameter schema for every tool. The
// definitions are static literals, so a compile failure is a programming
// error caught by the package tests.
var inputSchemas = func() map[string]*jsonschema.Schema {
	schemas := make(map[string]*jsonschema.Schema, len(Definitions))
	for _, def := range Definitions {
		var doc any
		if err := json.Unmarshal(def.Function.Parameters, &doc); err != nil {
			panic(fmt.Sprintf("tool %s: invalid parameter schema: %v", def.Function.Name, err))
		}
		compiler := jsonschema.NewCompiler()
		url := def.Function.Name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("tool %s: add schema resource: %v", def.Function.Name, err))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("tool %s: compile schema: %v", def.Function.Name, err))
		}
		schemas[def.Function.Name] = schema
	}
	return schemas
}()

// validateArgs checks a tool call's argument JSON against the tool's
// parameter schema. An empty argument string counts as an empty object.
func validateArgs(name, argsJSON string) error {
	schema, ok := inputSchemas[name]
	if !ok {
		return nil
	}
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var payload any
	if err := json.Unmarshal([]byte(argsJSON), &payload); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
