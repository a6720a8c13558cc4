// Package pipeline defines multi-stage computations spanning multiple devices and
// executes them over a comms.World.
//
// A Pipeline is an ordered list of stages. Each Stage runs one compiled computation on
// the devices of its DeviceMesh, with its inputs and outputs annotated with how they are
// sharded across that mesh. Between stages, tensors are re-sharded: the producer's
// shards are merged back into the logical tensor and re-sliced according to the
// consumer's annotation, so a consumer never observes a layout other than the one its
// own annotation prescribes.
package pipeline

import (
	"fmt"

	"github.com/gomlx/multidevice/distributed"
	"github.com/gomlx/multidevice/engines"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/pkg/errors"
)

// TensorSpec names a logical tensor flowing through the pipeline: its global shape and
// how it is sharded across the mesh of the stage that consumes or produces it.
//
// A nil Sharding means fully replicated.
type TensorSpec struct {
	Name     string
	Shape    shapes.Shape
	Sharding distributed.ShardSpec
}

// String implements the fmt.Stringer interface.
func (s TensorSpec) String() string {
	return fmt.Sprintf("%s: %s by %s", s.Name, s.Shape, s.Sharding)
}

// Stage is one step of a Pipeline: a computation executed by the devices of Mesh.
//
// The computation operates on local shards: its parameters must have the shard shapes
// the input annotations prescribe, in the order of Inputs, and its outputs must have the
// shard shapes of the Outputs annotations. This is checked when the pipeline is built.
type Stage struct {
	Name string

	// Mesh holds the devices that execute this stage.
	Mesh *distributed.DeviceMesh

	// Inputs name the tensors the stage consumes: pipeline inputs or outputs of earlier
	// stages.
	Inputs []TensorSpec

	// Outputs name the tensors the stage produces. Output names must be unique across
	// the pipeline.
	Outputs []TensorSpec

	// Computation the stage devices run, on their local shards.
	Computation *engines.Computation
}

// State of one stage within a run.
type State int

const (
	// Pending: the stage was not reached yet.
	Pending State = iota
	// Running: at least one device started executing the stage.
	Running
	// Completed: every device finished the stage and its outputs were exchanged.
	Completed
	// Failed: the stage aborted. Failure is terminal, for the stage and the run.
	Failed
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pipeline is an immutable, validated sequence of stages.
type Pipeline struct {
	name   string
	inputs []TensorSpec
	stages []*Stage
}

// New builds and validates a pipeline: inputs are the tensors the caller provides to
// every run; stages execute in order.
//
// Validation checks that every stage input refers to a known tensor (a pipeline input or
// an earlier stage's output) with matching shape, that sharding annotations are legal
// for their meshes, and that each stage's computation signature matches the local shard
// shapes of its annotations.
func New(name string, inputs []TensorSpec, stages ...*Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.Errorf("pipeline %q has no stages", name)
	}
	known := make(map[string]shapes.Shape) // Global shapes by tensor name.
	for _, input := range inputs {
		if _, found := known[input.Name]; found {
			return nil, errors.Errorf("pipeline %q: input %q declared twice", name, input.Name)
		}
		if !input.Shape.Ok() {
			return nil, errors.Errorf("pipeline %q: input %q has invalid shape", name, input.Name)
		}
		known[input.Name] = input.Shape
	}
	for _, stage := range stages {
		if err := validateStage(stage, known); err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q, stage %q", name, stage.Name)
		}
		for _, output := range stage.Outputs {
			known[output.Name] = output.Shape
		}
	}
	return &Pipeline{name: name, inputs: inputs, stages: stages}, nil
}

func validateStage(stage *Stage, known map[string]shapes.Shape) (err error) {
	if stage.Mesh == nil {
		return errors.New("stage has no device mesh")
	}
	if stage.Computation == nil || !stage.Computation.IsSealed() {
		return errors.New("stage computation must be built and sealed (Return called)")
	}
	params := stage.Computation.Parameters()
	if len(params) != len(stage.Inputs) {
		return errors.Errorf("computation takes %d parameters but the stage declares %d inputs",
			len(params), len(stage.Inputs))
	}
	for i, input := range stage.Inputs {
		globalShape, found := known[input.Name]
		if !found {
			return errors.Errorf("input %q is not a pipeline input nor an output of an earlier stage",
				input.Name)
		}
		if !globalShape.Equal(input.Shape) {
			return errors.Errorf("input %q is declared with shape %s, but the tensor has shape %s",
				input.Name, input.Shape, globalShape)
		}
		localShape, err := input.Sharding.ShardShape(stage.Mesh, input.Shape)
		if err != nil {
			return err
		}
		if !params[i].Shape().Equal(localShape) {
			return errors.Errorf("computation parameter #%d (%q) has shape %s, but input %q shards to %s",
				i, params[i].ParamName(), params[i].Shape(), input.Name, localShape)
		}
	}
	outputs := stage.Computation.Outputs()
	if len(outputs) != len(stage.Outputs) {
		return errors.Errorf("computation returns %d outputs but the stage declares %d",
			len(outputs), len(stage.Outputs))
	}
	for i, output := range stage.Outputs {
		if _, found := known[output.Name]; found {
			return errors.Errorf("output %q collides with an existing tensor name", output.Name)
		}
		localShape, err := output.Sharding.ShardShape(stage.Mesh, output.Shape)
		if err != nil {
			return err
		}
		if !outputs[i].Shape().Equal(localShape) {
			return errors.Errorf("computation output #%d has shape %s, but output %q shards to %s",
				i, outputs[i].Shape(), output.Name, localShape)
		}
	}
	return nil
}

// Name of the pipeline.
func (p *Pipeline) Name() string { return p.name }

// Inputs returns the pipeline-level input specs.
func (p *Pipeline) Inputs() []TensorSpec { return p.inputs }

// Stages returns the stages, in execution order.
func (p *Pipeline) Stages() []*Stage { return p.stages }

// OutputNames returns the names of the tensors produced by the last stage: the tensors a
// run returns.
func (p *Pipeline) OutputNames() []string {
	last := p.stages[len(p.stages)-1]
	names := make([]string, len(last.Outputs))
	for i, output := range last.Outputs {
		names[i] = output.Name
	}
	return names
}

// StageError is the error returned when a stage fails: it carries the identity of the
// failing stage and rank along with the cause.
type StageError struct {
	Pipeline string
	Stage    string
	Rank     distributed.DeviceNum
	Err      error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %q: stage %q failed on rank #%d: %v",
		e.Pipeline, e.Stage, e.Rank, e.Err)
}

// Unwrap returns the cause.
func (e *StageError) Unwrap() error { return e.Err }
