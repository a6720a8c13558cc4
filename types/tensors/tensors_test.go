package tensors

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, [][]float32{{0, 0, 0}, {0, 0, 0}}, tensor.Value())
}

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]int32{{1, 2, 3, 4}, {5, 6, 7, 8}})
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Int32, 2, 4)))
	require.Equal(t, [][]int32{{1, 2, 3, 4}, {5, 6, 7, 8}}, tensor.Value())

	scalar := FromValue(float64(13))
	require.True(t, scalar.Shape().IsScalar())
	require.Equal(t, float64(13), ToScalar[float64](scalar))

	// Irregular sub-slices should panic.
	require.Panics(t, func() {
		_ = FromAnyValue([][]float32{{1, 2}, {3}})
	})
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	require.Equal(t, [][]float32{{1, 2}, {3, 4}}, tensor.Value())
	require.Equal(t, []float32{1, 2, 3, 4}, CopyFlatData[float32](tensor))
	require.Panics(t, func() {
		_ = FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2)
	})
}

func TestMutableAndConstFlatData(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float64, 3))
	MutableFlatData(tensor, func(flat []float64) {
		for ii := range flat {
			flat[ii] = float64(ii) * 1.5
		}
	})
	ConstFlatData(tensor, func(flat []float64) {
		require.Equal(t, []float64{0, 1.5, 3}, flat)
	})
	// Wrong generics type panics.
	require.Panics(t, func() {
		ConstFlatData(tensor, func(flat []float32) {})
	})
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromValue([][]float32{{1, 2}, {3, 4}})
	b := FromValue([][]float32{{1, 2}, {3, 4}})
	c := FromValue([][]float32{{1, 2}, {3, 4.01}})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.InDelta(c, 0.1))
	assert.False(t, a.InDelta(c, 0.001))

	// Different shapes are never equal.
	d := FromValue([]float32{1, 2, 3, 4})
	assert.False(t, a.Equal(d))
}

func TestClone(t *testing.T) {
	a := FromValue([]int64{1, 2, 3})
	b := a.Clone()
	MutableFlatData(b, func(flat []int64) { flat[0] = 100 })
	require.Equal(t, []int64{1, 2, 3}, CopyFlatData[int64](a))
	require.Equal(t, []int64{100, 2, 3}, CopyFlatData[int64](b))
}

func TestGobRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	tensor := FromValue([][]float64{{1.5, 2.5}, {3.5, 4.5}})
	enc := gob.NewEncoder(&buf)
	require.NoError(t, tensor.GobSerialize(enc))

	dec := gob.NewDecoder(&buf)
	recovered, err := GobDeserialize(dec)
	require.NoError(t, err)
	require.True(t, tensor.Equal(recovered))
}

func TestGobRoundTripFloat16(t *testing.T) {
	var buf bytes.Buffer
	tensor := FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(2),
		float16.Fromfloat32(3), float16.Fromfloat32(4),
	}, 2, 2)
	require.Equal(t, dtypes.Float16, tensor.DType())
	enc := gob.NewEncoder(&buf)
	require.NoError(t, tensor.GobSerialize(enc))

	dec := gob.NewDecoder(&buf)
	recovered, err := GobDeserialize(dec)
	require.NoError(t, err)
	require.True(t, tensor.Equal(recovered))
}

func TestGobDeserializeRejectsTruncatedData(t *testing.T) {
	// A payload whose flat data doesn't match its declared shape must fail to decode,
	// instead of yielding a tensor with less storage than its Size().
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	require.NoError(t, shapes.Make(dtypes.Float64, 2, 2).GobSerialize(enc))
	require.NoError(t, enc.Encode([]float64{1, 2, 3}))

	dec := gob.NewDecoder(&buf)
	_, err := GobDeserialize(dec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 elements")
}

func TestFinalize(t *testing.T) {
	tensor := FromValue([]float32{1, 2})
	tensor.Finalize()
	require.True(t, tensor.IsFinalized())
	require.Panics(t, func() { tensor.AssertValid() })
}
