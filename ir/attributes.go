package ir

import (
	"github.com/gomlx/exceptions"
)

// Attributes may come from Go code (int, bool, string, []int) or from JSON decoding
// (float64, []any), so the accessors below accept both representations.

// IntAttrOr returns the integer attribute, or defaultValue if it is not set.
// It panics if the attribute is set with a non-integer value.
func (op *Op) IntAttrOr(name string, defaultValue int) int {
	value, found := op.Attrs[name]
	if !found {
		return defaultValue
	}
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	exceptions.Panicf("attribute %q of op %q is %T(%v), not an integer", name, op.Name, value, value)
	return 0
}

// FloatAttrOr returns the floating point attribute, or defaultValue if it is not set.
func (op *Op) FloatAttrOr(name string, defaultValue float64) float64 {
	value, found := op.Attrs[name]
	if !found {
		return defaultValue
	}
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	exceptions.Panicf("attribute %q of op %q is %T(%v), not a number", name, op.Name, value, value)
	return 0
}

// BoolAttrOr returns the boolean attribute, or defaultValue if it is not set.
func (op *Op) BoolAttrOr(name string, defaultValue bool) bool {
	value, found := op.Attrs[name]
	if !found {
		return defaultValue
	}
	v, ok := value.(bool)
	if !ok {
		exceptions.Panicf("attribute %q of op %q is %T(%v), not a bool", name, op.Name, value, value)
	}
	return v
}

// StringAttrOr returns the string attribute, or defaultValue if it is not set.
func (op *Op) StringAttrOr(name string, defaultValue string) string {
	value, found := op.Attrs[name]
	if !found {
		return defaultValue
	}
	v, ok := value.(string)
	if !ok {
		exceptions.Panicf("attribute %q of op %q is %T(%v), not a string", name, op.Name, value, value)
	}
	return v
}

// StringsAttr returns a list of strings attribute, or nil if it is not set.
func (op *Op) StringsAttr(name string) []string {
	value, found := op.Attrs[name]
	if !found {
		return nil
	}
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, len(v))
		for ii, e := range v {
			s, ok := e.(string)
			if !ok {
				exceptions.Panicf("attribute %q of op %q has non-string element %T(%v)", name, op.Name, e, e)
			}
			out[ii] = s
		}
		return out
	}
	exceptions.Panicf("attribute %q of op %q is %T(%v), not a list of strings", name, op.Name, value, value)
	return nil
}
