// Package reflect_util provides small reflection helpers for struct handling.
package reflect_util

import "reflect"

// GetFields returns the struct fields of the given reflect.Type in
// declaration order.
func GetFields(t reflect.Type) []reflect.StructField {
	num := t.NumField()
	fields := make([]reflect.StructField, 0, num)
	for i := 0; i < num; i++ {
		fields = append(fields, t.Field(i))
	}
	return fields
}
