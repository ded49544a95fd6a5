package statestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// compileSchema turns a property map into a JSON Schema document and
// compiles it. Optional properties also accept null.
func compileSchema(stateID string, props map[string]PropertySchema) (*jsonschema.Schema, error) {
	doc, err := schemaDocument(props)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	location := "relaystate:///schemas/" + url.PathEscape(stateID) + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, parsed); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrInvalidInput, err)
	}
	sch, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrInvalidInput, err)
	}
	return sch, nil
}

func schemaDocument(props map[string]PropertySchema) (map[string]any, error) {
	properties := make(map[string]any, len(props))
	required := make([]string, 0)
	for name, prop := range props {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty property name", ErrInvalidInput)
		}
		node, err := propertyNode(prop)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		properties[name] = node
		if prop.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc, nil
}

func propertyNode(prop PropertySchema) (map[string]any, error) {
	node := map[string]any{}
	switch prop.Type {
	case TypeAny, "":
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		if prop.Required {
			node["type"] = string(prop.Type)
		} else {
			node["type"] = []string{string(prop.Type), "null"}
		}
	default:
		return nil, fmt.Errorf("%w: unknown property type %q", ErrInvalidInput, prop.Type)
	}
	c := prop.Constraints
	if c == nil {
		return node, nil
	}
	if c.Minimum != nil {
		node["minimum"] = *c.Minimum
	}
	if c.Maximum != nil {
		node["maximum"] = *c.Maximum
	}
	if c.MinLength != nil {
		node["minLength"] = *c.MinLength
	}
	if c.MaxLength != nil {
		node["maxLength"] = *c.MaxLength
	}
	if c.Pattern != "" {
		node["pattern"] = c.Pattern
	}
	if len(c.Enum) > 0 {
		node["enum"] = c.Enum
	}
	if c.MinItems != nil {
		node["minItems"] = *c.MinItems
	}
	if c.MaxItems != nil {
		node["maxItems"] = *c.MaxItems
	}
	return node, nil
}

func applyDefaults(value map[string]any, props map[string]PropertySchema) error {
	for name, prop := range props {
		if prop.Default == nil {
			continue
		}
		if _, ok := value[name]; ok {
			continue
		}
		def, err := normalizeValue(prop.Default)
		if err != nil {
			return err
		}
		value[name] = def
	}
	return nil
}

func validateValue(stateID string, sch *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &ValidationError{StateID: stateID, Fields: []FieldError{{Field: "$", Message: err.Error()}}}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	fields := collectFieldErrors(verr.BasicOutput())
	if len(fields) == 0 {
		fields = []FieldError{{Field: "$", Message: verr.Error()}}
	}
	return &ValidationError{StateID: stateID, Fields: fields}
}

func collectFieldErrors(unit *jsonschema.OutputUnit) []FieldError {
	if unit == nil {
		return nil
	}
	out := make([]FieldError, 0)
	seen := map[string]bool{}
	var walk func(u jsonschema.OutputUnit)
	walk = func(u jsonschema.OutputUnit) {
		if u.Error != nil && len(u.Errors) == 0 {
			for _, fe := range unitFieldErrors(u) {
				key := fe.Field + "\x00" + fe.Message
				if !seen[key] {
					seen[key] = true
					out = append(out, fe)
				}
			}
		}
		for _, child := range u.Errors {
			walk(child)
		}
	}
	walk(*unit)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func unitFieldErrors(u jsonschema.OutputUnit) []FieldError {
	switch u.Error.Kind.(type) {
	case *kind.Group, *kind.Schema, *kind.Reference:
		return nil
	}
	if required, ok := u.Error.Kind.(*kind.Required); ok {
		out := make([]FieldError, 0, len(required.Missing))
		for _, name := range required.Missing {
			out = append(out, FieldError{Field: fieldName(u.InstanceLocation + "/" + name), Message: "is required"})
		}
		return out
	}
	return []FieldError{{Field: fieldName(u.InstanceLocation), Message: u.Error.String()}}
}

func fieldName(instanceLocation string) string {
	loc := strings.TrimPrefix(instanceLocation, "/")
	if loc == "" {
		return "$"
	}
	return strings.ReplaceAll(loc, "/", ".")
}
