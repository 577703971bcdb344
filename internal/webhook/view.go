package webhook

import (
	"strings"

	"github.com/spf13/cast"
)

// view looks keys up across the layers a bridge may nest its data in:
// the top level, a "payload" object and "message" objects of either.
type view []map[string]interface{}

func newView(raw map[string]interface{}) view {
	v := view{raw}
	if payload := asMap(raw["payload"]); payload != nil {
		v = append(v, payload)
	}
	for _, layer := range append(view(nil), v...) {
		if msg := asMap(layer["message"]); msg != nil {
			v = append(v, msg)
		}
	}
	return v
}

func asMap(value interface{}) map[string]interface{} {
	switch m := value.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[cast.ToString(k)] = val
		}
		return out
	}
	return nil
}

// innermostFirst reverses the lookup order so nested message fields win
func (v view) innermostFirst() view {
	out := make(view, len(v))
	for i, layer := range v {
		out[len(v)-1-i] = layer
	}
	return out
}

// get returns the first present, non-empty value of key
func (v view) get(key string) (interface{}, bool) {
	for _, layer := range v {
		value, ok := layer[key]
		if ok && !empty(value) {
			return value, true
		}
	}
	return nil, false
}

func (v view) has(keys ...string) bool {
	for _, key := range keys {
		if _, ok := v.get(key); ok {
			return true
		}
	}
	return false
}

// str returns the first key that holds a scalar convertible to a non-empty string
func (v view) str(keys ...string) string {
	for _, key := range keys {
		value, ok := v.get(key)
		if !ok {
			continue
		}
		if asMap(value) != nil {
			continue
		}
		if s := strings.TrimSpace(cast.ToString(value)); s != "" {
			return s
		}
	}
	return ""
}

// path resolves a dotted path against the top layer only
func path(raw map[string]interface{}, dotted string) (interface{}, bool) {
	current := raw
	parts := strings.Split(dotted, ".")
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return value, !empty(value)
		}
		current = asMap(value)
		if current == nil {
			return nil, false
		}
	}
	return nil, false
}

func empty(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case map[string]interface{}:
		return len(v) == 0
	case []interface{}:
		return len(v) == 0
	}
	return false
}
