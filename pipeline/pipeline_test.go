package pipeline

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multidevice/comms"
	"github.com/gomlx/multidevice/distributed"
	"github.com/gomlx/multidevice/engines"
	_ "github.com/gomlx/multidevice/engines/goeval"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mesh1D(t *testing.T, numDevices int) *distributed.DeviceMesh {
	t.Helper()
	mesh, err := distributed.NewDeviceMesh([]int{numDevices}, []string{"d"})
	require.NoError(t, err)
	return mesh
}

// scaleThenBias builds a two-stage pipeline computing z = 2*x + 1 over a [4, 4] input,
// with the first stage sharding x by rows and the second re-sharding the intermediate by
// columns, so the boundary between them exercises merge-then-reslice.
func scaleThenBias(t *testing.T, numDevices int) *Pipeline {
	t.Helper()
	mesh := mesh1D(t, numDevices)

	scaleComp := engines.NewComputation("scale")
	x := scaleComp.Parameter("x", shapes.Make(dtypes.Float32, 4/numDevices, 4))
	scaleComp.Return(scaleComp.Mul(x, scaleComp.Constant(tensors.FromScalar(float32(2)))))

	biasComp := engines.NewComputation("bias")
	y := biasComp.Parameter("y", shapes.Make(dtypes.Float32, 4, 4/numDevices))
	biasComp.Return(biasComp.Add(y, biasComp.Constant(tensors.FromScalar(float32(1)))))

	global := shapes.Make(dtypes.Float32, 4, 4)
	p, err := New("scale-then-bias",
		[]TensorSpec{{Name: "x", Shape: global}},
		&Stage{
			Name:        "scale",
			Mesh:        mesh,
			Inputs:      []TensorSpec{{Name: "x", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Outputs:     []TensorSpec{{Name: "y", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Computation: scaleComp,
		},
		&Stage{
			Name:        "bias",
			Mesh:        mesh,
			Inputs:      []TensorSpec{{Name: "y", Shape: global, Sharding: distributed.ShardSpec{"", "d"}}},
			Outputs:     []TensorSpec{{Name: "z", Shape: global, Sharding: distributed.ShardSpec{"", "d"}}},
			Computation: biasComp,
		},
	)
	require.NoError(t, err)
	return p
}

func inputX() *tensors.Tensor {
	flat := make([]float32, 16)
	for i := range flat {
		flat[i] = float32(i)
	}
	return tensors.FromFlatDataAndDimensions(flat, 4, 4)
}

func expectedZ() *tensors.Tensor {
	flat := make([]float32, 16)
	for i := range flat {
		flat[i] = 2*float32(i) + 1
	}
	return tensors.FromFlatDataAndDimensions(flat, 4, 4)
}

func runPipeline(t *testing.T, p *Pipeline, numDevices int) *Run {
	t.Helper()
	world, err := comms.NewWorld(numDevices)
	require.NoError(t, err)
	executor, err := NewExecutor(p, world, engines.MustNew())
	require.NoError(t, err)
	run, err := executor.Execute(context.Background(), map[string]*tensors.Tensor{"x": inputX()})
	require.NoError(t, err)
	return run
}

func TestExecuteTwoStages(t *testing.T) {
	run := runPipeline(t, scaleThenBias(t, 2), 2)
	require.NotEmpty(t, run.ID())
	for stageIdx := range 2 {
		assert.Equal(t, Completed, run.StageState(stageIdx))
	}
	z := run.Outputs()["z"]
	require.NotNil(t, z)
	assert.True(t, expectedZ().Equal(z), "got %s", z)
}

func TestSingleDeviceEquivalence(t *testing.T) {
	// The same logical computation over a 1-device mesh must produce the same result.
	single := runPipeline(t, scaleThenBias(t, 1), 1)
	multi := runPipeline(t, scaleThenBias(t, 2), 2)
	assert.True(t, single.Outputs()["z"].Equal(multi.Outputs()["z"]))
}

func TestExecuteIsRepeatable(t *testing.T) {
	world, err := comms.NewWorld(2)
	require.NoError(t, err)
	executor, err := NewExecutor(scaleThenBias(t, 2), world, engines.MustNew())
	require.NoError(t, err)

	inputs := map[string]*tensors.Tensor{"x": inputX()}
	first, err := executor.Execute(context.Background(), inputs)
	require.NoError(t, err)
	second, err := executor.Execute(context.Background(), inputs)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, first.Outputs()["z"].Equal(second.Outputs()["z"]))
}

func TestPipelineValidation(t *testing.T) {
	mesh := mesh1D(t, 2)
	global := shapes.Make(dtypes.Float32, 4, 4)

	comp := engines.NewComputation("double")
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2, 4))
	comp.Return(comp.Add(x, x))

	makeStage := func() *Stage {
		return &Stage{
			Name:        "double",
			Mesh:        mesh,
			Inputs:      []TensorSpec{{Name: "x", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Outputs:     []TensorSpec{{Name: "y", Shape: global, Sharding: distributed.ShardSpec{"d", ""}}},
			Computation: comp,
		}
	}

	// Valid baseline.
	_, err := New("ok", []TensorSpec{{Name: "x", Shape: global}}, makeStage())
	require.NoError(t, err)

	// No stages.
	_, err = New("empty", []TensorSpec{{Name: "x", Shape: global}})
	assert.Error(t, err)

	// Unknown input tensor.
	_, err = New("unknown-input", []TensorSpec{{Name: "other", Shape: global}}, makeStage())
	assert.ErrorContains(t, err, "not a pipeline input")

	// Output name collides with an existing tensor.
	collision := makeStage()
	collision.Outputs[0].Name = "x"
	_, err = New("collision", []TensorSpec{{Name: "x", Shape: global}}, collision)
	assert.ErrorContains(t, err, "collides")

	// Sharding annotation doesn't divide the tensor.
	uneven := makeStage()
	uneven.Inputs[0].Sharding = distributed.ShardSpec{"", "d"}
	_, err = New("uneven", []TensorSpec{{Name: "x", Shape: global}}, uneven)
	assert.Error(t, err) // Local shape [4, 2] doesn't match the computation's [2, 4].

	// Computation signature mismatch.
	badComp := engines.NewComputation("bad")
	badComp.Return(badComp.Parameter("x", shapes.Make(dtypes.Float32, 4, 4)))
	bad := makeStage()
	bad.Computation = badComp
	_, err = New("bad-signature", []TensorSpec{{Name: "x", Shape: global}}, bad)
	assert.ErrorContains(t, err, "shards to")
}

func TestExecutorConfiguration(t *testing.T) {
	p := scaleThenBias(t, 2)

	// The stage meshes need 2 devices; a world of 1 cannot host them.
	world, err := comms.NewWorld(1)
	require.NoError(t, err)
	_, err = NewExecutor(p, world, engines.MustNew())
	assert.True(t, errors.Is(err, comms.ErrConfiguration))

	// Missing and misshaped inputs are rejected before any rank starts.
	world, err = comms.NewWorld(2)
	require.NoError(t, err)
	executor, err := NewExecutor(p, world, engines.MustNew())
	require.NoError(t, err)
	_, err = executor.Execute(context.Background(), nil)
	assert.ErrorContains(t, err, "missing input")
	_, err = executor.Execute(context.Background(),
		map[string]*tensors.Tensor{"x": tensors.FromValue([]float32{1})})
	assert.ErrorContains(t, err, "shape")
}

// brokenEngine compiles programs that always fail, to exercise the failure path.
type brokenEngine struct{ engines.Engine }

type brokenProgram struct{ engines.Program }

func (brokenEngine) Compile(comp *engines.Computation) (engines.Program, error) {
	inner, err := engines.MustNew().Compile(comp)
	if err != nil {
		return nil, err
	}
	return brokenProgram{inner}, nil
}

func (p brokenProgram) Execute(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return nil, errors.New("device melted")
}

func TestStageFailureIsFatal(t *testing.T) {
	world, err := comms.NewWorld(2)
	require.NoError(t, err)
	executor, err := NewExecutor(scaleThenBias(t, 2), world, brokenEngine{engines.MustNew()})
	require.NoError(t, err)

	run, err := executor.Execute(context.Background(), map[string]*tensors.Tensor{"x": inputX()})
	require.Error(t, err)

	// The error names the failing stage.
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "scale", stageErr.Stage)
	assert.ErrorContains(t, err, "device melted")
	assert.Equal(t, Failed, run.StageState(0))

	// The failure is fatal to the whole group: the world is aborted and further runs fail.
	require.Error(t, world.Aborted())
	_, err = executor.Execute(context.Background(), map[string]*tensors.Tensor{"x": inputX()})
	assert.Error(t, err)
}
