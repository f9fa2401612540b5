package shared

// Optional distinguishes "field not supplied" from "field explicitly cleared"
// in sparse update payloads. The zero value means not supplied.
type Optional[T any] struct {
	set   bool
	null  bool
	value T
}

// Some returns an Optional carrying a value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{set: true, value: v}
}

// Null returns an Optional that explicitly clears the field.
func Null[T any]() Optional[T] {
	return Optional[T]{set: true, null: true}
}

// IsSet reports whether the field was supplied at all.
func (o Optional[T]) IsSet() bool { return o.set }

// IsNull reports whether the field was supplied as an explicit clear.
func (o Optional[T]) IsNull() bool { return o.set && o.null }

// Value returns the carried value and whether one is present.
func (o Optional[T]) Value() (T, bool) {
	if !o.set || o.null {
		var zero T
		return zero, false
	}
	return o.value, true
}

// Ptr returns the value as a pointer, or nil when unset or cleared. Useful
// when binding into nullable SQL parameters.
func (o Optional[T]) Ptr() *T {
	if v, ok := o.Value(); ok {
		return &v
	}
	return nil
}
