package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"
)

// Value is a sealed interface over the JSON values that can be fingerprinted.
// Only Null, String, Int, Decimal, Bool, Array, and Object implement it.
type Value interface {
	value() // Sealed
}

// Null is JSON null.
type Null struct{}

func (Null) value() {}

// String is a JSON string.
type String string

func (String) value() {}

// Int is an integral JSON number that fits in int64.
type Int int64

func (Int) value() {}

// Decimal is a non-integral JSON number. It is held as float64 and always
// serialized in shortest round-trip form so equal numbers fingerprint equally.
type Decimal float64

func (Decimal) value() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) value() {}

// Array is a JSON array.
type Array []Value

func (Array) value() {}

// Object is a JSON object. Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings orders by UTF-8 bytes, which differs for astral characters.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// FromJSON decodes raw JSON into a Value. Numbers are decoded without loss:
// integers stay Int, everything else becomes Decimal.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode value: trailing data after JSON value")
	}
	return fromDecoded(raw)
}

// FromGo converts any JSON-marshalable Go value into a Value by round-tripping
// it through encoding/json. json.RawMessage input is decoded directly.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case Value:
		return val, nil
	case json.RawMessage:
		if len(val) == 0 {
			return Null{}, nil
		}
		return FromJSON(val)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return FromJSON(data)
}

func fromDecoded(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		if n, err := strconv.ParseInt(string(val), 10, 64); err == nil {
			return Int(n), nil
		}
		f, err := strconv.ParseFloat(string(val), 64)
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", val, err)
		}
		return Decimal(f), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			converted, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = converted
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			converted, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = converted
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported decoded type %T", v)
	}
}
