package entitymanager

import (
	"reflect"

	"github.com/huandu/go-clone"
)

// DeepCopier is implemented by embedded values that need a custom copy, e.g. because they hold
// resources that must stay shared.
type DeepCopier interface {
	DeepCopy() any
}

// deepCopyValue copies a field value so that later mutations of the live entity cannot reach it.
// Entities are never copied, they are shared between all levels of the stack. Nil maps, slices and
// pointers stay nil.
func deepCopyValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case Entity:
		return v
	case DeepCopier:
		return v.DeepCopy()
	case map[string]any:
		if v == nil {
			return v
		}

		copied := make(map[string]any, len(v))
		for key, item := range v {
			copied[key] = deepCopyValue(item)
		}
		return copied
	case []any:
		if v == nil {
			return v
		}

		copied := make([]any, len(v))
		for i, item := range v {
			copied[i] = deepCopyValue(item)
		}
		return copied
	}

	if isNilReference(value) {
		return value
	}

	return clone.Clone(value)
}

func isNilReference(value any) bool {
	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

func deepCopyFieldValues(values FieldValues) FieldValues {
	if values == nil {
		return FieldValues{}
	}

	copied := make(FieldValues, len(values))
	for name, value := range values {
		copied[name] = deepCopyValue(value)
	}

	return copied
}
