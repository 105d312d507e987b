// Package option provides an explicit set/unset wrapper for tunables and a single
// merge rule for combining per-call options with node defaults.
package option

import (
	"bytes"
	"encoding/json"
	"reflect"

	"gopkg.in/yaml.v3"
)

// Value holds an optional T. The zero Value is unset.
type Value[T any] struct {
	v   T
	set bool
}

// Some returns a set Value holding v.
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, set: true}
}

// None returns an unset Value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// FromPtr returns Some(*p), or None when p is nil.
func FromPtr[T any](p *T) Value[T] {
	if p == nil {
		return None[T]()
	}
	return Some(*p)
}

// IsSet reports whether a value is present.
func (o Value[T]) IsSet() bool {
	return o.set
}

// Get returns the value and whether it is set.
func (o Value[T]) Get() (T, bool) {
	return o.v, o.set
}

// OrElse returns the value when set, else d.
func (o Value[T]) OrElse(d T) T {
	if o.set {
		return o.v
	}
	return d
}

// Or returns o when set, else fallback.
func (o Value[T]) Or(fallback Value[T]) Value[T] {
	if o.set {
		return o
	}
	return fallback
}

// Ptr returns a pointer to a copy of the value, or nil when unset.
func (o Value[T]) Ptr() *T {
	if !o.set {
		return nil
	}
	v := o.v
	return &v
}

// IsZero lets encoders with omitempty semantics skip unset values.
func (o Value[T]) IsZero() bool {
	return !o.set
}

// MarshalJSON encodes an unset value as null.
func (o Value[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.v)
}

// UnmarshalJSON treats null and the empty string as unset.
func (o *Value[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		*o = None[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// MarshalYAML encodes an unset value as null.
func (o Value[T]) MarshalYAML() (any, error) {
	if !o.set {
		return nil, nil
	}
	return o.v, nil
}

// UnmarshalYAML treats null, ~ and the empty string as unset.
func (o *Value[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || (node.Tag == "!!str" && node.Value == "")) {
		*o = None[T]()
		return nil
	}
	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

type settable interface {
	IsSet() bool
}

// Merge combines per-call options with defaults. Every Value field of the struct T
// (including those of nested structs) takes the call value when set and the
// default otherwise. Fields that are not Values keep the call value.
func Merge[T any](call, defaults T) T {
	out := call
	dst := reflect.ValueOf(&out).Elem()
	mergeStruct(dst, reflect.ValueOf(defaults))
	return out
}

func mergeStruct(dst, def reflect.Value) {
	if dst.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < dst.NumField(); i++ {
		field := dst.Field(i)
		if !field.CanSet() {
			continue
		}
		if s, ok := field.Interface().(settable); ok {
			if !s.IsSet() {
				field.Set(def.Field(i))
			}
			continue
		}
		if field.Kind() == reflect.Struct {
			mergeStruct(field, def.Field(i))
		}
	}
}
