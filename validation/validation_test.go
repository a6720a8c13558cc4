package validation

import (
	"context"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multidevice/comms"
	"github.com/gomlx/multidevice/distributed"
	"github.com/gomlx/multidevice/engines"
	_ "github.com/gomlx/multidevice/engines/goeval"
	"github.com/gomlx/multidevice/pipeline"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestCompare(t *testing.T) {
	v := &Validator{}
	a := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	b := tensors.FromValue([][]float32{{1, 2}, {3, 4.5}})

	report, err := v.Compare(
		map[string]*tensors.Tensor{"out": a},
		map[string]*tensors.Tensor{"out": a.Clone()})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.NoError(t, report.Err())
	assert.Equal(t, 4, report.ElementsChecked)

	report, err = v.Compare(
		map[string]*tensors.Tensor{"out": b},
		map[string]*tensors.Tensor{"out": a})
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	m := report.Mismatches[0]
	assert.Equal(t, "out", m.Output)
	assert.Equal(t, []int{1, 1}, m.Indices)
	assert.InDelta(t, 4.5, m.Got, 1e-6)
	assert.InDelta(t, 4.0, m.Want, 1e-6)
	assert.True(t, errors.Is(report.Err(), ErrMismatch))
}

func TestCompareConfigurationErrors(t *testing.T) {
	v := &Validator{}
	a := tensors.FromValue([]float32{1, 2})

	// Missing reference.
	_, err := v.Compare(map[string]*tensors.Tensor{"out": a}, nil)
	assert.Error(t, err)

	// Shape disagreement.
	_, err = v.Compare(
		map[string]*tensors.Tensor{"out": a},
		map[string]*tensors.Tensor{"out": tensors.FromValue([]float32{1, 2, 3})})
	assert.Error(t, err)
}

func TestCompareTolerances(t *testing.T) {
	// Float16 gets a wide default margin: storing through it loses precision.
	assert.Greater(t, DefaultTolerance(dtypes.Float16), DefaultTolerance(dtypes.Float32))
	assert.Equal(t, 0.0, DefaultTolerance(dtypes.Int32))

	half := func(values ...float32) *tensors.Tensor {
		flat := make([]float16.Float16, len(values))
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(flat, len(values))
	}
	v := &Validator{}
	report, err := v.Compare(
		map[string]*tensors.Tensor{"h": half(1.0, 2.0)},
		map[string]*tensors.Tensor{"h": half(1.004, 2.0)})
	require.NoError(t, err)
	assert.True(t, report.OK())

	// A per-dtype override tightens the comparison.
	strict := &Validator{Tolerances: map[dtypes.DType]float64{dtypes.Float16: 1e-5}}
	report, err = strict.Compare(
		map[string]*tensors.Tensor{"h": half(1.0, 2.0)},
		map[string]*tensors.Tensor{"h": half(1.004, 2.0)})
	require.NoError(t, err)
	assert.False(t, report.OK())
}

func TestCompareMismatchCap(t *testing.T) {
	v := &Validator{MaxMismatchesPerOutput: 3}
	zeros := tensors.FromShape(shapes.Make(dtypes.Float64, 10))
	ones := tensors.FromShape(shapes.Make(dtypes.Float64, 10))
	tensors.MutableFlatData(ones, func(flat []float64) {
		for i := range flat {
			flat[i] = 1
		}
	})
	report, err := v.Compare(
		map[string]*tensors.Tensor{"out": zeros},
		map[string]*tensors.Tensor{"out": ones})
	require.NoError(t, err)
	assert.Equal(t, 10, report.TotalMismatches)
	assert.Len(t, report.Mismatches, 3)
	assert.Contains(t, report.String(), "and 7 more")
}

// doubler builds a one-stage pipeline computing y = 2*x over a [4, 4] input, row-sharded
// across numDevices devices.
func doubler(t *testing.T, numDevices int) *pipeline.Pipeline {
	t.Helper()
	mesh, err := distributed.NewDeviceMesh([]int{numDevices}, []string{"d"})
	require.NoError(t, err)

	comp := engines.NewComputation("double")
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 4/numDevices, 4))
	comp.Return(comp.Add(x, x))

	global := shapes.Make(dtypes.Float32, 4, 4)
	p, err := pipeline.New("doubler",
		[]pipeline.TensorSpec{{Name: "x", Shape: global}},
		&pipeline.Stage{
			Name:        "double",
			Mesh:        mesh,
			Inputs:      []pipeline.TensorSpec{{Name: "x", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Outputs:     []pipeline.TensorSpec{{Name: "y", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Computation: comp,
		})
	require.NoError(t, err)
	return p
}

func testInput() *tensors.Tensor {
	flat := make([]float32, 16)
	for i := range flat {
		flat[i] = float32(i)
	}
	return tensors.FromFlatDataAndDimensions(flat, 4, 4)
}

func TestExecuteAndValidatePrescribed(t *testing.T) {
	p := doubler(t, 2)
	inputs := map[string]*tensors.Tensor{"x": testInput()}
	doubled := make([]float32, 16)
	for i := range doubled {
		doubled[i] = 2 * float32(i)
	}

	v := &Validator{}
	report, err := v.ExecuteAndValidate(context.Background(), p, inputs,
		map[string]*tensors.Tensor{"y": tensors.FromFlatDataAndDimensions(doubled, 4, 4)})
	require.NoError(t, err)
	assert.True(t, report.OK(), "%s", report)
	assert.NotEmpty(t, report.RunID)

	// A deliberately wrong prescribed element is reported with its position.
	doubled[6] = -1 // Element [1, 2].
	report, err = v.ExecuteAndValidate(context.Background(), p, inputs,
		map[string]*tensors.Tensor{"y": tensors.FromFlatDataAndDimensions(doubled, 4, 4)})
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "y", report.Mismatches[0].Output)
	assert.Equal(t, []int{1, 2}, report.Mismatches[0].Indices)
	assert.True(t, errors.Is(report.Err(), ErrMismatch))
}

func TestExecuteAndValidateAgainstReference(t *testing.T) {
	// Sharded execution against a single-device reference of the same logic.
	v := &Validator{}
	report, err := v.ExecuteAndValidateAgainst(context.Background(),
		doubler(t, 2), doubler(t, 1),
		map[string]*tensors.Tensor{"x": testInput()})
	require.NoError(t, err)
	assert.True(t, report.OK(), "%s", report)

	// Fresh worlds per call: validating twice in a row keeps working.
	report, err = v.ExecuteAndValidateAgainst(context.Background(),
		doubler(t, 4), doubler(t, 1),
		map[string]*tensors.Tensor{"x": testInput()})
	require.NoError(t, err)
	assert.True(t, report.OK(), "%s", report)
}

// identity builds a pipeline whose single stage returns its sharded input unchanged.
func identity(t *testing.T, numDevices int) *pipeline.Pipeline {
	t.Helper()
	mesh, err := distributed.NewDeviceMesh([]int{numDevices}, []string{"d"})
	require.NoError(t, err)
	comp := engines.NewComputation("identity")
	comp.Return(comp.Parameter("x", shapes.Make(dtypes.Float32, 8/numDevices, 3)))
	global := shapes.Make(dtypes.Float32, 8, 3)
	p, err := pipeline.New("identity",
		[]pipeline.TensorSpec{{Name: "x", Shape: global}},
		&pipeline.Stage{
			Name:        "identity",
			Mesh:        mesh,
			Inputs:      []pipeline.TensorSpec{{Name: "x", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Outputs:     []pipeline.TensorSpec{{Name: "y", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Computation: comp,
		})
	require.NoError(t, err)
	return p
}

func TestValidationRoundTripIdentity(t *testing.T) {
	// A logically-identity pipeline must validate cleanly against its single-device
	// reference, for arbitrary inputs.
	rng := rand.New(rand.NewSource(42))
	v := &Validator{}
	for trial := 0; trial < 3; trial++ {
		flat := make([]float32, 24)
		for i := range flat {
			flat[i] = rng.Float32()*20 - 10
		}
		inputs := map[string]*tensors.Tensor{"x": tensors.FromFlatDataAndDimensions(flat, 8, 3)}
		report, err := v.ExecuteAndValidateAgainst(context.Background(),
			identity(t, 2), identity(t, 1), inputs)
		require.NoError(t, err)
		assert.True(t, report.OK(), "trial #%d: %s", trial, report)
	}
}

func TestWorldSizeFor(t *testing.T) {
	assert.Equal(t, 2, WorldSizeFor(doubler(t, 2)))
	assert.Equal(t, 1, WorldSizeFor(doubler(t, 1)))
}

func TestSkipIfFewerDevices(t *testing.T) {
	t.Setenv(comms.NumDevicesEnvVar, "4")
	SkipIfFewerDevices(t, 4) // Enough devices, must not skip.

	t.Run("skips", func(t *testing.T) {
		t.Setenv(comms.NumDevicesEnvVar, "1")
		SkipIfFewerDevices(t, 8)
		t.Error("test should have been skipped")
	})
}
