package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/glimte/schemabus/contracts"
	"github.com/xeipuuv/gojsonschema"
)

// maxSchemaDepth bounds $ref expansion while inserting defaults
const maxSchemaDepth = 32

// Validate checks doc against the descriptor's schema. Fields left unset that
// declare a default in the schema are populated before validation, and the
// returned document includes them.
func (d *TypeDescriptor) Validate(doc interface{}) (contracts.Value, error) {
	if d == nil || d.compiled == nil {
		return contracts.Value{}, contracts.InvalidArgument("type descriptor is not registered")
	}

	normalized, err := contracts.FromInterface(doc)
	if err != nil {
		return contracts.Value{}, &contracts.ValidationError{
			Schema: d.SchemaName,
			Errors: []contracts.FieldError{{Message: err.Error(), Code: "invalid_document"}},
		}
	}

	plain := insertDefaults(normalized.Interface(), d.document, d.document, 0)

	data, err := json.Marshal(plain)
	if err != nil {
		return contracts.Value{}, fmt.Errorf("failed to encode document for %s: %w", d.SchemaName, err)
	}

	result, err := d.compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return contracts.Value{}, fmt.Errorf("failed to validate document against %s: %w", d.SchemaName, err)
	}

	if !result.Valid() {
		verr := &contracts.ValidationError{Schema: d.SchemaName}
		for _, re := range result.Errors() {
			verr.Errors = append(verr.Errors, contracts.FieldError{
				Field:   re.Field(),
				Message: re.Description(),
				Code:    re.Type(),
			})
		}
		return contracts.Value{}, verr
	}

	return contracts.ParseJSON(data)
}

// compile parses raw schema bytes. location, when set, is used as the loader
// reference so relative $refs to sibling files resolve.
func compile(data []byte, location string) (*gojsonschema.Schema, map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var document map[string]interface{}
	if err := dec.Decode(&document); err != nil {
		return nil, nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	var loader gojsonschema.JSONLoader
	if location != "" {
		loader = gojsonschema.NewReferenceLoader(location)
	} else {
		loader = gojsonschema.NewBytesLoader(data)
	}

	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return compiled, document, nil
}

// insertDefaults walks node alongside its schema and fills in declared
// defaults for missing object properties. Local $ref, allOf and items are followed.
func insertDefaults(node interface{}, schemaNode, root map[string]interface{}, depth int) interface{} {
	if schemaNode == nil || depth > maxSchemaDepth {
		return node
	}
	schemaNode = resolveRef(schemaNode, root)

	if allOf, ok := schemaNode["allOf"].([]interface{}); ok {
		for _, sub := range allOf {
			if subSchema, ok := sub.(map[string]interface{}); ok {
				node = insertDefaults(node, subSchema, root, depth+1)
			}
		}
	}

	switch n := node.(type) {
	case map[string]interface{}:
		props, _ := schemaNode["properties"].(map[string]interface{})
		for name, raw := range props {
			propSchema, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			propSchema = resolveRef(propSchema, root)

			if _, present := n[name]; !present {
				def, hasDefault := propSchema["default"]
				if !hasDefault {
					continue
				}
				n[name] = copyJSON(def)
			}
			n[name] = insertDefaults(n[name], propSchema, root, depth+1)
		}
		return n

	case []interface{}:
		switch items := schemaNode["items"].(type) {
		case map[string]interface{}:
			for i := range n {
				n[i] = insertDefaults(n[i], items, root, depth+1)
			}
		case []interface{}:
			for i := range n {
				if i >= len(items) {
					break
				}
				if itemSchema, ok := items[i].(map[string]interface{}); ok {
					n[i] = insertDefaults(n[i], itemSchema, root, depth+1)
				}
			}
		}
		return n
	}

	return node
}

// resolveRef follows local "#/..." references. Remote references are left to
// the validator and yield the referencing node unchanged.
func resolveRef(schemaNode, root map[string]interface{}) map[string]interface{} {
	for i := 0; i < maxSchemaDepth; i++ {
		ref, ok := schemaNode["$ref"].(string)
		if !ok || !strings.HasPrefix(ref, "#") {
			return schemaNode
		}

		target, ok := lookupPointer(root, strings.TrimPrefix(ref, "#"))
		if !ok {
			return schemaNode
		}
		schemaNode = target
	}
	return schemaNode
}

func lookupPointer(root map[string]interface{}, pointer string) (map[string]interface{}, bool) {
	if pointer == "" || pointer == "/" {
		return root, true
	}

	var current interface{} = root
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[token]
		if !ok {
			return nil, false
		}
	}

	target, ok := current.(map[string]interface{})
	return target, ok
}

func copyJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = copyJSON(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyJSON(item)
		}
		return out
	default:
		return v
	}
}
