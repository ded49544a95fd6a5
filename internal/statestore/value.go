package statestore

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, child := range typed {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// normalizeValue converts an arbitrary Go value into the canonical JSON tree
// the store keeps (map[string]any, []any, float64, string, bool, nil).
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not serializable: %v", ErrInvalidInput, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Checksum hashes the canonical JSON encoding of v. Map keys are sorted by
// encoding/json, so equal trees always hash the same.
func Checksum(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw)), nil
}

func CheckSerializable(v any) error {
	return checkSerializable(v, map[uintptr]bool{}, "$")
}

func checkSerializable(v any, seen map[uintptr]bool, at string) error {
	switch typed := v.(type) {
	case nil, string, bool, json.Number:
		return nil
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return fmt.Errorf("%s: non-finite number", at)
		}
		return nil
	case float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case map[string]any:
		ptr := reflect.ValueOf(typed).Pointer()
		if seen[ptr] {
			return fmt.Errorf("%s: circular reference", at)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		for k, child := range typed {
			if err := checkSerializable(child, seen, at+"."+k); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if len(typed) > 0 {
			ptr := reflect.ValueOf(typed).Pointer()
			if seen[ptr] {
				return fmt.Errorf("%s: circular reference", at)
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		for i, child := range typed {
			if err := checkSerializable(child, seen, at+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		return nil
	default:
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("%s: %v", at, err)
		}
		return nil
	}
}

func getPath(root any, path []string) (any, bool) {
	current := root
	for _, key := range path {
		switch node := current.(type) {
		case map[string]any:
			child, ok := node[key]
			if !ok {
				return nil, false
			}
			current = child
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func setPath(root any, path []string, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	key := path[0]
	switch node := root.(type) {
	case nil:
		child, err := setPath(nil, path[1:], value)
		if err != nil {
			return nil, err
		}
		return map[string]any{key: child}, nil
	case map[string]any:
		child, err := setPath(node[key], path[1:], value)
		if err != nil {
			return nil, err
		}
		node[key] = child
		return node, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, fmt.Errorf("%w: index %q out of range", ErrInvalidInput, key)
		}
		child, err := setPath(node[idx], path[1:], value)
		if err != nil {
			return nil, err
		}
		node[idx] = child
		return node, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T at %q", ErrInvalidInput, root, key)
	}
}

func deletePath(root any, path []string) (any, error) {
	if len(path) == 0 {
		return map[string]any{}, nil
	}
	parent, ok := getPath(root, path[:len(path)-1])
	if !ok {
		return root, nil
	}
	last := path[len(path)-1]
	switch node := parent.(type) {
	case map[string]any:
		delete(node, last)
		return root, nil
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return root, nil
		}
		trimmed := append(node[:idx:idx], node[idx+1:]...)
		return setPath(root, path[:len(path)-1], trimmed)
	default:
		return root, nil
	}
}
