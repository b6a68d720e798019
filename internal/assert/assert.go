// Package assert checks constructor dependencies. A failed check is a wiring
// bug, so it panics instead of returning an error.
package assert

import (
	"fmt"
	"reflect"
)

// NotNil panics when value is nil, including a nil pointer, map, func or
// channel stored in an interface.
func NotNil(value any) {
	if isNil(value) {
		panic(fmt.Sprintf("expected non-nil value, got %T(nil)", value))
	}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}
	return false
}
