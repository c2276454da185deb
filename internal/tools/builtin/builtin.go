// Package builtin ships the tools every deployment carries: calendar event
// creation, a drug interaction lookup, and a local-only patient summary.
// Argument schemas are generated from Go structs via invopop/jsonschema so the
// schema offered to the model and the schema enforced by the executor never
// drift apart.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// argsSchema reflects a JSON schema for T suitable both for LLM tool
// definitions and for executor-side validation.
func argsSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection over our own arg structs cannot fail at runtime;
		// a failure here is a programming error caught by the tests.
		panic(fmt.Sprintf("builtin: schema reflection: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("builtin: schema decode: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

func decodeArgs[T any](raw string) (T, error) {
	var args T
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, fmt.Errorf("builtin: decode arguments: %w", err)
	}
	return args, nil
}

func encodeResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("builtin: encode result: %w", err)
	}
	return string(data), nil
}
