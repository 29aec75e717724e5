package runner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	overridesSchemaVersion    = "experiment_overrides_v1"
	knobManifestSchemaVersion = "knob_manifest_v1"
)

// KnobDef describes one tunable point an experiment's overrides may target.
type KnobDef struct {
	ID          string   `json:"id"`
	JSONPointer string   `json:"json_pointer"`
	Type        string   `json:"type"`
	Options     []any    `json:"options,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// KnobManifest is the catalog of knobs an experiment's overrides may bind.
type KnobManifest struct {
	SchemaVersion string    `json:"schema_version"`
	Knobs         []KnobDef `json:"knobs"`
}

// ExperimentOverrides is a set of knob-id → value bindings to apply on top
// of a resolved experiment before a run starts.
type ExperimentOverrides struct {
	SchemaVersion string         `json:"schema_version"`
	ManifestPath  string         `json:"manifest_path,omitempty"`
	Values        map[string]any `json:"values"`
}

// ParseKnobManifest unmarshals and version-checks a knob manifest document.
func ParseKnobManifest(data []byte) (KnobManifest, error) {
	var manifest KnobManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return KnobManifest{}, fmt.Errorf("overrides: parse knob manifest: %w", err)
	}
	if manifest.SchemaVersion != knobManifestSchemaVersion {
		return KnobManifest{}, fmt.Errorf("%w: knob manifest schema_version %q", ErrOverridesSchema, manifest.SchemaVersion)
	}
	return manifest, nil
}

// ParseExperimentOverrides unmarshals and version-checks an overrides
// document.
func ParseExperimentOverrides(data []byte) (ExperimentOverrides, error) {
	var overrides ExperimentOverrides
	if err := json.Unmarshal(data, &overrides); err != nil {
		return ExperimentOverrides{}, fmt.Errorf("overrides: parse overrides document: %w", err)
	}
	if overrides.SchemaVersion != overridesSchemaVersion {
		return ExperimentOverrides{}, fmt.Errorf("%w: overrides schema_version %q", ErrOverridesSchema, overrides.SchemaVersion)
	}
	return overrides, nil
}

// ValidateKnobOverrides checks every value in overrides against the knob it
// names in manifest: the knob must exist, the value's type must match, and
// if declared, the value must satisfy the knob's options/min/max bounds.
func ValidateKnobOverrides(manifest KnobManifest, overrides ExperimentOverrides) error {
	byID := make(map[string]KnobDef, len(manifest.Knobs))
	for _, k := range manifest.Knobs {
		byID[k.ID] = k
	}
	for id, value := range overrides.Values {
		knob, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKnob, id)
		}
		if err := validateKnobValue(knob, value); err != nil {
			return err
		}
	}
	return nil
}

func validateKnobValue(knob KnobDef, value any) error {
	if !valueMatchesType(value, knob.Type) {
		return fmt.Errorf("%w: knob %s expected type %s, got %s", ErrKnobBounds, knob.ID, knob.Type, valueTypeName(value))
	}
	if knob.Options != nil {
		matched := false
		for _, opt := range knob.Options {
			if jsonEqual(opt, value) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: knob %s value not in allowed options", ErrKnobBounds, knob.ID)
		}
	}
	if f, ok := asFloat64(value); ok {
		if knob.Minimum != nil && f < *knob.Minimum {
			return fmt.Errorf("%w: knob %s value %v below minimum %v", ErrKnobBounds, knob.ID, f, *knob.Minimum)
		}
		if knob.Maximum != nil && f > *knob.Maximum {
			return fmt.Errorf("%w: knob %s value %v above maximum %v", ErrKnobBounds, knob.ID, f, *knob.Maximum)
		}
	}
	return nil
}

func valueMatchesType(value any, t string) bool {
	switch t {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		f, ok := asFloat64(value)
		return ok && f == float64(int64(f))
	case "number":
		_, ok := asFloat64(value)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}

func valueTypeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "null"
	}
}

func asFloat64(value any) (float64, bool) {
	f, ok := value.(float64)
	return f, ok
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

// decodePointerToken undoes RFC 6901 escaping of "~1" (→ "/") and "~0"
// (→ "~") within one pointer segment.
func decodePointerToken(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	token = strings.ReplaceAll(token, "~0", "~")
	return token
}

// SetJSONPointerValue mutates the document addressed by root, setting the
// value addressed by an RFC 6901 JSON Pointer. Intermediate object segments
// are created as empty objects as needed; intermediate array segments must
// already have the index. The empty pointer ("" or "/") replaces *root
// wholesale. root's pointee is expected to decode from JSON as nested
// map[string]any / []any, matching encoding/json's behavior for `any`.
func SetJSONPointerValue(root *any, pointer string, newValue any) error {
	if pointer == "" || pointer == "/" {
		*root = newValue
		return nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return fmt.Errorf("overrides: json_pointer must start with '/': %s", pointer)
	}

	tokens := strings.Split(pointer, "/")[1:]
	for i, t := range tokens {
		tokens[i] = decodePointerToken(t)
	}
	if len(tokens) == 0 {
		*root = newValue
		return nil
	}

	// Maps and slices are reference types in Go: once we descend into one,
	// further mutation of it (or of a key/index we just inserted) is visible
	// through *root without needing to write anything back up the chain.
	cur := *root
	for _, token := range tokens[:len(tokens)-1] {
		next, err := descendPointerToken(cur, token, pointer)
		if err != nil {
			return err
		}
		cur = next
	}

	last := tokens[len(tokens)-1]
	switch container := cur.(type) {
	case map[string]any:
		container[last] = newValue
		return nil
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil {
			return fmt.Errorf("overrides: json_pointer token %q is not a valid array index in %s", last, pointer)
		}
		if idx < 0 || idx >= len(container) {
			return fmt.Errorf("overrides: json_pointer array index %d out of bounds in %s", idx, pointer)
		}
		container[idx] = newValue
		return nil
	default:
		return fmt.Errorf("overrides: json_pointer traversal hit non-container at %q in %s", last, pointer)
	}
}

// ApplyKnobOverrides validates overrides against manifest and then writes
// each override's value into the resolved experiment document at its
// knob's json_pointer, returning the mutated document.
func ApplyKnobOverrides(manifest KnobManifest, overrides ExperimentOverrides, document map[string]any) (map[string]any, error) {
	if err := ValidateKnobOverrides(manifest, overrides); err != nil {
		return nil, err
	}
	byID := make(map[string]KnobDef, len(manifest.Knobs))
	for _, k := range manifest.Knobs {
		byID[k.ID] = k
	}
	root := any(document)
	for id, value := range overrides.Values {
		knob := byID[id]
		if err := SetJSONPointerValue(&root, knob.JSONPointer, value); err != nil {
			return nil, fmt.Errorf("overrides: apply knob %s: %w", id, err)
		}
	}
	return root.(map[string]any), nil
}

// ApplyBindingOverrides overlays "--set k=v" bindings onto a trial input's
// "bindings" tree. Dotted keys become nested JSON Pointer paths
// ("a.b" → "/bindings/a/b"); a missing "bindings" object is created first.
func ApplyBindingOverrides(input map[string]any, bindings map[string]any) error {
	if _, ok := input["bindings"]; !ok {
		input["bindings"] = map[string]any{}
	}
	root := any(input)
	for key, value := range bindings {
		pointer := "/bindings/" + strings.Join(strings.Split(key, "."), "/")
		if err := SetJSONPointerValue(&root, pointer, value); err != nil {
			return fmt.Errorf("overrides: apply binding %s: %w", key, err)
		}
	}
	return nil
}

// descendPointerToken steps one token into cur, creating a missing object
// key as an empty object (mirroring the original's or_insert_with(json!({})))
// but requiring array indices to already exist.
func descendPointerToken(cur any, token, pointer string) (any, error) {
	switch container := cur.(type) {
	case map[string]any:
		child, ok := container[token]
		if !ok {
			child = map[string]any{}
			container[token] = child
		}
		return child, nil
	case []any:
		idx, err := strconv.Atoi(token)
		if err != nil {
			return nil, fmt.Errorf("overrides: json_pointer token %q is not a valid array index in %s", token, pointer)
		}
		if idx < 0 || idx >= len(container) {
			return nil, fmt.Errorf("overrides: json_pointer array index %d out of bounds in %s", idx, pointer)
		}
		return container[idx], nil
	default:
		return nil, fmt.Errorf("overrides: json_pointer traversal hit non-container at %q in %s", token, pointer)
	}
}
