package tensors

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multidevice/types/xslices"
)

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding
// to the DType type. Even scalar values have a flattened data representation of one element.
// It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), owned by the Tensor; it must
// not be changed -- see Tensor.MutableFlatData for that.
//
// See Tensor.Size for the number of elements, and Tensor.LayoutStrides to calculate the offset
// of individual positions, given the indices at each axis.
//
// It panics if the tensor is in an invalid state (if it was finalized).
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData. It panics if T doesn't match
// the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The contents of
// the slice can be changed until accessFn returns. During this time the Tensor is locked.
//
// It panics if the tensor is in an invalid state (if it was finalized).
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData is the generics version of Tensor.MutableFlatData. It panics if T doesn't
// match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// ConstBytes calls accessFn with the data as a bytes slice.
// It locks the Tensor until accessFn returns, and the data must not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.ConstFlatData(func(flat any) {
		accessFn(flatToBytes(flat))
	})
}

// MutableBytes calls accessFn with the data as a bytes slice, whose contents can be changed
// until accessFn returns.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.MutableFlatData(func(flat any) {
		accessFn(flatToBytes(flat))
	})
}

func flatToBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	flatValuesPtr := element0.Addr().UnsafePointer()
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(flatValuesPtr), sizeBytes)
}

// AssignFlatData will copy over the values in fromFlat to the storage used by toTensor.
// If the dtypes are not compatible or if the size is wrong, it will panic.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) {
	MutableFlatData(toTensor, func(toFlat []T) {
		if len(toFlat) != len(fromFlat) {
			var v T
			exceptions.Panicf("AssignFlatData[%T] is trying to store %d values into shape %s, which requires %d values",
				v, len(fromFlat), toTensor.Shape(), toTensor.Shape().Size())
		}
		copy(toFlat, fromFlat)
	})
}

// ToScalar returns the scalar value of the Tensor.
// It will panic if the given generic type doesn't match the DType of the tensor, or if the
// tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	var value T
	if !t.shape.IsScalar() {
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", value, t.shape)
	}
	ConstFlatData(t, func(flat []T) {
		value = flat[0]
	})
	return value
}

// CopyFlatData returns a copy of the flat data of the Tensor.
// It will panic if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = xslices.Copy(flat)
	})
	return flatCopy
}

// LayoutStrides return the strides for each axis. This can be handy when manipulating the
// flat data.
func (t *Tensor) LayoutStrides() []int {
	return t.shape.Strides()
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		clone = newTensor(t.shape.Clone())
		flatV := reflect.ValueOf(flat)
		size := flatV.Len()
		cloneFlatV := reflect.MakeSlice(flatV.Type(), size, size)
		reflect.Copy(cloneFlatV, flatV)
		clone.flat = cloneFlatV.Interface()
	})
	return clone
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the
// values stored in the tensor. This is expensive, and usually only used for smaller tensors in
// tests and to print results.
func (t *Tensor) Value() any {
	var mdSlice any
	t.ConstFlatData(func(flat any) {
		if t.shape.IsScalar() {
			srcV := reflect.ValueOf(flat)
			mdSlice = srcV.Index(0).Interface()
			return
		}

		// Create a copy of the flat slice with all data.
		flatCopyV := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), t.Size(), t.Size())
		reflect.Copy(flatCopyV, reflect.ValueOf(flat))
		if t.shape.Rank() == 1 {
			mdSlice = flatCopyV.Interface()
			return
		}

		// If multi-dimensional slice, returns slice pointing to the flat copy.
		mdSlice = convertDataToSlices(flatCopyV, t.shape.Dimensions...).Interface()
	})
	return mdSlice
}

// Equal checks whether t == otherTensor: same shape and exactly the same values.
// If they are the same pointer they are considered equal.
// If the shapes are different it returns false.
// If either is invalid (nil or finalized) it panics.
//
// Slow implementation: fine for small tensors.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()

	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := true
	t.ConstFlatData(func(flat0 any) {
		otherTensor.ConstFlatData(func(flat1 any) {
			t0V := reflect.ValueOf(flat0)
			t1V := reflect.ValueOf(flat1)
			if t0V.Len() != t1V.Len() {
				equal = false
				return
			}
			for ii := range t0V.Len() {
				if !t0V.Index(ii).Equal(t1V.Index(ii)) {
					equal = false
					return
				}
			}
		})
	})
	return equal
}

// InDelta checks whether Abs(t - otherTensor) < delta for every element.
// If they are the same pointer they are considered equal.
// If the shapes are different it returns false.
// If either is invalid (nil or finalized) it panics.
//
// Slow implementation: fine for small tensors.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()

	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	inDelta := true
	t.ConstFlatData(func(flat0 any) {
		otherTensor.ConstFlatData(func(flat1 any) {
			inDelta = xslices.SlicesInDelta(flat0, flat1, delta)
		})
	})
	return inDelta
}

// MaxSizeForString is the largest tensor that is actually returned by String() if requested.
var MaxSizeForString = 500

// String converts to string, if not too large.
func (t *Tensor) String() string {
	if t == nil || t.IsFinalized() {
		return "Tensor<invalid>"
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("Tensor(%s): too large to print", t.shape)
	}
	return fmt.Sprintf("Tensor(%s): %v", t.shape, t.Value())
}
