package graph

import (
	"maps"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphpass/shapes"
)

// Attributes is the kind-specific, data-only bag of values of a node (e.g. "axis", "perm").
//
// Values are of type int, []int, float64, bool, string, dtypes.DType, shapes.Shape or *tensors.Tensor.
// The typed getters panic (with exceptions.Panicf) if a value is present with an unexpected type, and return the
// given default if it is missing.
type Attributes map[string]any

// Has returns whether the attribute is set.
func (a Attributes) Has(name string) bool {
	_, found := a[name]
	return found
}

// Clone returns a shallow copy: tensor payloads are shared.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

func attrAs[T any](a Attributes, name string, defaultValue T) T {
	v, found := a[name]
	if !found {
		return defaultValue
	}
	typed, ok := v.(T)
	if !ok {
		exceptions.Panicf("attribute %q has type %T, expected %T", name, v, defaultValue)
	}
	return typed
}

// Int returns an integer attribute.
func (a Attributes) Int(name string, defaultValue int) int {
	return attrAs(a, name, defaultValue)
}

// Ints returns an integer list attribute.
func (a Attributes) Ints(name string, defaultValue []int) []int {
	return attrAs(a, name, defaultValue)
}

// Float returns a float attribute.
func (a Attributes) Float(name string, defaultValue float64) float64 {
	return attrAs(a, name, defaultValue)
}

// Bool returns a boolean attribute.
func (a Attributes) Bool(name string, defaultValue bool) bool {
	return attrAs(a, name, defaultValue)
}

// Str returns a string attribute.
func (a Attributes) Str(name string, defaultValue string) string {
	return attrAs(a, name, defaultValue)
}

// DType returns a dtype attribute.
func (a Attributes) DType(name string, defaultValue dtypes.DType) dtypes.DType {
	return attrAs(a, name, defaultValue)
}

// Shape returns a shape attribute.
func (a Attributes) Shape(name string, defaultValue shapes.Shape) shapes.Shape {
	return attrAs(a, name, defaultValue)
}

// Tensor returns a tensor attribute, or nil if it is not set.
func (a Attributes) Tensor(name string) *tensors.Tensor {
	return attrAs[*tensors.Tensor](a, name, nil)
}
