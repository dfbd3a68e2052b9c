package models

import (
	"encoding/json"
	"reflect"
	"strings"
)

// jsonKeys returns the json field names declared on a struct type, skipping "-".
func jsonKeys(t reflect.Type) map[string]struct{} {
	keys := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		keys[name] = struct{}{}
	}
	return keys
}

// decodeWithExtra decodes the known fields of data into dst and returns every
// key that dst does not declare.
func decodeWithExtra(data []byte, dst any, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, err
	}

	var extra map[string]json.RawMessage
	for key, value := range raw {
		if _, ok := known[key]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = value
	}
	return extra, nil
}

// encodeWithExtra encodes src and adds extra keys that src does not already set.
func encodeWithExtra(src any, extra map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	base, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, taken := out[key]; !taken {
			out[key] = value
		}
	}
	return out, nil
}
