package statestore

import (
	"fmt"
)

func applyMutation(root any, u *StateUpdate) (any, error) {
	value, err := normalizeValue(u.Data.Value)
	if err != nil {
		return nil, err
	}
	path := u.Data.Path

	switch u.Type {
	case UpdateSet:
		return setPath(root, path, value)
	case UpdateMerge:
		existing, _ := getPath(root, path)
		target, targetIsObject := existing.(map[string]any)
		patch, patchIsObject := value.(map[string]any)
		if !targetIsObject || !patchIsObject {
			return setPath(root, path, value)
		}
		for k, v := range patch {
			target[k] = v
		}
		return root, nil
	case UpdateDelete:
		return deletePath(root, path)
	case UpdateIncrement:
		existing, _ := getPath(root, path)
		current, ok := existing.(float64)
		if !ok {
			return root, nil
		}
		delta := 1.0
		if value != nil {
			n, isNumber := value.(float64)
			if !isNumber {
				return nil, fmt.Errorf("%w: increment value must be numeric", ErrInvalidInput)
			}
			delta = n
		}
		return setPath(root, path, current+delta)
	case UpdateAppend:
		existing, _ := getPath(root, path)
		list, ok := existing.([]any)
		if !ok {
			return root, nil
		}
		next := make([]any, 0, len(list)+1)
		next = append(next, list...)
		next = append(next, value)
		return setPath(root, path, next)
	case UpdateRemove:
		existing, _ := getPath(root, path)
		list, ok := existing.([]any)
		if !ok {
			return root, nil
		}
		next := make([]any, 0, len(list))
		for _, item := range list {
			if !valuesEqual(item, value) {
				next = append(next, item)
			}
		}
		return setPath(root, path, next)
	default:
		return nil, fmt.Errorf("%w: unknown update type %q", ErrInvalidInput, u.Type)
	}
}
