/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements a `Tensor`, a representation of a multi-dimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large
// dimensions), defined by their shape (a data type and its axes' dimensions) and their actual
// content, stored as a flat (1D) slice of the underlying dtype.
//
// Tensors here are host-side values: they are what crosses the communicator between devices,
// what sharding slices out of, and what validation compares. Device-resident buffers are owned
// by the external compute engine and are out of scope.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor
//     with the given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a
//     Tensor with the given dimensions, and set the flattened values with the given data.
//     Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion, works with the scalar
//     supported `DType`s as well as with any arbitrary multidimensional slice of them.
//     Slices of rank > 1 must be regular, that is all the sub-slices must have the same shape.
//     Example:
//
//     t := FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic, it takes an anonymous type
//     `any`. The exception is if `value` is already a tensor, then it is a no-op and it returns
//     the tensor itself.
package tensors

import (
	"reflect"
	"strconv"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/xslices"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily
// large dimensions), defined by its shape -- a data type (dtypes.DType) and its axes'
// dimensions -- and its content, stored as a flat (1D) slice of values.
//
// The zero value is invalid; use one of the From* constructors.
type Tensor struct {
	// shape of the tensor, considered immutable after construction.
	shape shapes.Shape

	// mu protects flat.
	mu sync.Mutex

	// flat holds the actual data: a slice of the Go type for the dtype of the shape.
	flat any
}

// newTensor returns a Tensor object initialized only with the shape, but no actual storage.
func newTensor(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) (t *Tensor) {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	t = newTensor(shape)
	flatV := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), t.Size(), t.Size())
	t.flat = flatV.Interface()
	return
}

// Shape of the Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the Tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the Tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// AssertValid panics if the tensor is nil or if its data was already finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if t.flat == nil {
		panic(errors.New("Tensor data is already finalized (freed)"))
	}
}

// IsFinalized returns true if the tensor has already been "finalized", and its data freed.
func (t *Tensor) IsFinalized() bool {
	return t == nil || t.flat == nil
}

// Finalize releases the memory associated with the tensor, and the tensor becomes invalid.
// Not required -- the garbage collector will do the same eventually -- but helps tight
// memory control when handling many shards.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
}

// FromScalar creates a tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) (t *Tensor) {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
// The `DType` is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) (t *Tensor) {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	t = FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		xslices.FillSlice(flat, value)
	})
	return
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the
// flattened values given in `data`. The data is copied into the Tensor.
// The `DType` is inferred from the `data` type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) (t *Tensor) {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t = FromShape(shape)
	var dummy T
	switch any(dummy).(type) {
	case int:
		// The underlying tensor data could be int32 or int64 depending on the platform's int,
		// so we copy the raw bytes.
		t.MutableBytes(func(tensorData []byte) {
			dataAsBytes := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
			if len(dataAsBytes) != len(tensorData) {
				exceptions.Panicf("FromFlatDataAndDimensions for type int: data has %d bytes (%d elements), but corresponding tensor has %d bytes",
					len(dataAsBytes), len(data), len(tensorData))
			}
			copy(tensorData, dataAsBytes)
		})
	default:
		MutableFlatData(t, func(flat []T) {
			copy(flat, data)
		})
	}
	return
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no
// recursions in generics' constraint definitions, so we enumerate up to 4 levels of slices.
type MultiDimensionSlice interface {
	bool | float32 | float64 | int | int32 | int64 | uint8 | uint32 | uint64 |
		[]bool | []float32 | []float64 | []int | []int32 | []int64 | []uint8 | []uint32 | []uint64 |
		[][]bool | [][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 | [][]uint8 | [][]uint32 | [][]uint64 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 | [][][]uint32 | [][][]uint64 |
		[][][][]bool | [][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64 | [][][][]uint8 | [][][][]uint32 | [][][][]uint64
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
//
// Notice that FromFlatDataAndDimensions is much faster if speed here is a concern.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// The input is expected to be either a scalar or a slice of slices with homogeneous dimensions.
// If the input is a tensor already, it is simply returned.
//
// It panics with an error if `value` type is unsupported or the shape is not regular.
func FromAnyValue(value any) (t *Tensor) {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t = FromShape(shape)
	t.MutableFlatData(func(flatAny any) {
		if baseType(reflect.TypeOf(value)) == reflect.TypeOf(int(0)) {
			// Go `int` type can be either an int32 or int64 depending on the architecture.
			// For the copy operation to work, we have to cast flatAny (either a []int64 or
			// []int32) as an []int -- using unsafe avoids individually converting values.
			if strconv.IntSize == 64 {
				flatRef := flatAny.([]int64)
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flatRef))), len(flatRef))
			} else if strconv.IntSize == 32 {
				flatRef := flatAny.([]int32)
				flatAny = unsafe.Slice((*int)(unsafe.Pointer(unsafe.SliceData(flatRef))), len(flatRef))
			} else {
				exceptions.Panicf("cannot use `int` of %d bits -- try using int32 or int64", strconv.IntSize)
			}
		}
		flatV := reflect.ValueOf(flatAny)
		if shape.IsScalar() {
			elem := flatV.Index(0)
			elem.Set(reflect.ValueOf(value))
			return
		}
		copySlicesRecursively(flatV, reflect.ValueOf(value), t.LayoutStrides())
	})
	return
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		// Last level of slice, just copy over the slice.
		reflect.Copy(data, mdSlice)
		return
	}

	numElements := mdSlice.Len()
	subStrides := strides[1:]
	for ii := 0; ii < numElements; ii++ {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		subData := data.Slice(start, end)
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

// convertDataToSlices takes data as a flat slice, and creates a multidimensional slice with the
// given dimensions that points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := make([]int, len(dimensions))
	currentStride := 1
	for dim := len(dimensions) - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= dimensions[dim]
	}
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

// createSlicesRecursively recursively creates slices pointing to the corresponding sections of
// a flat data slice, assuming the strides for each dimension.
func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		// Last level of slice, just take the data (the slice, not a copy).
		return data
	}

	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)

	subStrides := strides[1:]
	subDimensions := dimensions[1:]
	subResultT := resultT.Elem()
	for ii := 0; ii < numElements; ii++ {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		subData := data.Slice(start, end)
		subSlice := createSlicesRecursively(subResultT, subData, subDimensions, subStrides)
		slice.Index(ii).Set(subSlice)
	}
	return slice
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() == reflect.Slice {
		// Recurse into inner slices.
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()

		// The first element is the reference.
		if v.Len() == 0 {
			exceptions.Panicf("value with empty slice not valid for Tensor conversion: %T: %v", v.Interface(), v)
		}
		v0 := v.Index(0)
		err := shapeForValueRecursive(shape, v0, t)
		if err != nil {
			return err
		}

		// Test that other elements have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			err = shapeForValueRecursive(&shapeTest, v.Index(ii), t)
			if err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	} else if t.Kind() == reflect.Pointer {
		return errors.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)
	} else {
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a concrete tensor type", t)
		}
	}
	return nil
}

// baseType will return the underlying type of a multi-dimension array/slice.
// So `baseType([][]int{})` would return the type `int`.
func baseType(valueType reflect.Type) reflect.Type {
	for valueType.Kind() == reflect.Slice || valueType.Kind() == reflect.Array {
		valueType = valueType.Elem()
	}
	return valueType
}
