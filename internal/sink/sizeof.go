package sink

import (
	"reflect"
	"time"
)

// Rough in-memory header costs used by estimateSize.
const (
	stringHeaderBytes = 16
	sliceHeaderBytes  = 24
	mapHeaderBytes    = 48
	wordBytes         = 8
)

// estimateSize returns a shallow, in-memory size estimate of a value in
// bytes. It is an approximation used only to decide large-object
// routing against the configured threshold, not a precise count of the
// wire representation: containers are costed by element count, not by
// recursively measuring their contents.
func estimateSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return stringHeaderBytes + len(x)
	case []byte:
		return sliceHeaderBytes + len(x)
	case bool:
		return 1
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return wordBytes
	case time.Time:
		return 3 * wordBytes
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return sliceHeaderBytes + rv.Len()*wordBytes
	case reflect.Map:
		return mapHeaderBytes + rv.Len()*2*wordBytes
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return 0
		}
		return wordBytes + estimateSize(rv.Elem().Interface())
	case reflect.Struct:
		return int(rv.Type().Size())
	default:
		return wordBytes
	}
}
