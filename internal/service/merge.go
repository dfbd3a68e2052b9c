package service

import "sort"

// protectedKeys may never be written through an attribute merge.
var protectedKeys = map[string]struct{}{
	"id":         {},
	"client_id":  {},
	"created_at": {},
}

// MergeAttributes returns old with patch applied. Neither argument is modified.
//
// A patch key overwrites the stored key, except when both values are objects:
// then the inner keys are merged one level deep. A null value deletes the key
// at either level.
func MergeAttributes(old, patch map[string]any) (map[string]any, error) {
	for _, key := range sortedKeys(patch) {
		if _, ok := protectedKeys[key]; ok {
			return nil, &ValidationError{Field: key, Message: "attribute is read-only"}
		}
	}

	merged := make(map[string]any, len(old)+len(patch))
	for k, v := range old {
		merged[k] = v
	}

	for key, incoming := range patch {
		if incoming == nil {
			delete(merged, key)
			continue
		}

		current, currentIsMap := merged[key].(map[string]any)
		incomingMap, incomingIsMap := incoming.(map[string]any)
		if currentIsMap && incomingIsMap {
			merged[key] = mergeLevel(current, incomingMap)
			continue
		}
		merged[key] = incoming
	}
	return merged, nil
}

func mergeLevel(current, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range incoming {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
