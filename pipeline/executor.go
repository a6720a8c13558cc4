package pipeline

import (
	"context"
	"sync"

	"github.com/gomlx/multidevice/comms"
	"github.com/gomlx/multidevice/distributed"
	"github.com/gomlx/multidevice/engines"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executor runs a Pipeline over the devices of a comms.World: one goroutine per rank,
// all data movement through the rank's Communicator.
//
// The stage computations are compiled once, at construction. An Executor can run the
// same pipeline many times, as long as its World stays healthy: a failed run aborts the
// World and with it the Executor.
type Executor struct {
	pipeline *Pipeline
	world    *comms.World
	engine   engines.Engine
	programs []engines.Program
}

// NewExecutor compiles the pipeline's stages with the given engine and binds them to the
// world. Every device of every stage mesh must be a valid rank of the world.
func NewExecutor(p *Pipeline, world *comms.World, engine engines.Engine) (*Executor, error) {
	programs := make([]engines.Program, len(p.stages))
	for i, stage := range p.stages {
		for _, device := range stage.Mesh.Devices() {
			if device < 0 || int(device) >= world.Size() {
				return nil, errors.Wrapf(comms.ErrConfiguration,
					"pipeline %q: stage %q places device #%d outside a world of size %d",
					p.name, stage.Name, device, world.Size())
			}
		}
		program, err := engine.Compile(stage.Computation)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline %q: compiling stage %q", p.name, stage.Name)
		}
		programs[i] = program
	}
	return &Executor{pipeline: p, world: world, engine: engine, programs: programs}, nil
}

// Run is the record of one pipeline execution: its id, the per-stage states and, once
// finished, the outputs of the final stage.
type Run struct {
	id       string
	pipeline *Pipeline

	mu       sync.Mutex
	states   []State
	finished []int // Number of ranks past each stage.
	outputs  map[string]*tensors.Tensor
}

// ID returns the unique id of the run.
func (r *Run) ID() string { return r.id }

// StageState returns the state of the stage with the given index.
func (r *Run) StageState(stageIdx int) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[stageIdx]
}

// Outputs returns the tensors produced by the final stage, by name. Nil until the run
// completed successfully.
func (r *Run) Outputs() map[string]*tensors.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs
}

func (r *Run) markRunning(stageIdx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[stageIdx] == Pending {
		r.states[stageIdx] = Running
	}
}

func (r *Run) markRankDone(stageIdx, worldSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[stageIdx]++
	if r.finished[stageIdx] == worldSize && r.states[stageIdx] == Running {
		r.states[stageIdx] = Completed
	}
}

func (r *Run) markFailed(stageIdx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[stageIdx] = Failed
}

// Execute runs the pipeline once with the given inputs, blocking until every rank
// finished. Inputs are keyed by the pipeline input names and hold global (unsharded)
// tensors; the returned Run holds the global outputs of the final stage.
//
// On failure the returned error is a *StageError identifying the failing stage when a
// stage computation was at fault; the World is aborted either way, and the Executor
// cannot run again.
func (e *Executor) Execute(ctx context.Context, inputs map[string]*tensors.Tensor) (*Run, error) {
	for _, spec := range e.pipeline.inputs {
		input, found := inputs[spec.Name]
		if !found {
			return nil, errors.Errorf("pipeline %q: missing input %q", e.pipeline.name, spec.Name)
		}
		if !input.Shape().Equal(spec.Shape) {
			return nil, errors.Errorf("pipeline %q: input %q has shape %s, want %s",
				e.pipeline.name, spec.Name, input.Shape(), spec.Shape)
		}
	}
	if len(inputs) != len(e.pipeline.inputs) {
		return nil, errors.Errorf("pipeline %q: got %d inputs, want %d",
			e.pipeline.name, len(inputs), len(e.pipeline.inputs))
	}

	run := &Run{
		id:       uuid.NewString(),
		pipeline: e.pipeline,
		states:   make([]State, len(e.pipeline.stages)),
		finished: make([]int, len(e.pipeline.stages)),
	}
	klog.V(1).Infof("pipeline %q: run %s starting on %d devices", e.pipeline.name, run.id, e.world.Size())

	rankErrs := make([]error, e.world.Size())
	rankOutputs := make([]map[string]*tensors.Tensor, e.world.Size())
	var wg sync.WaitGroup
	for rank := 0; rank < e.world.Size(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comm := e.world.Rank(distributed.DeviceNum(rank))
			rankOutputs[rank], rankErrs[rank] = e.runRank(ctx, run, comm, inputs)
		}(rank)
	}
	wg.Wait()

	// Prefer the error that identifies the failing stage: the other ranks usually just
	// report the aborted world.
	var firstErr error
	for _, err := range rankErrs {
		if err == nil {
			continue
		}
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			firstErr = err
			break
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		klog.V(1).Infof("pipeline %q: run %s failed: %v", e.pipeline.name, run.id, firstErr)
		return run, firstErr
	}

	run.mu.Lock()
	run.outputs = rankOutputs[0]
	run.mu.Unlock()
	klog.V(1).Infof("pipeline %q: run %s completed (%s)", e.pipeline.name, run.id, e.world.Stats())
	return run, nil
}

// runRank executes the whole pipeline from the point of view of one rank. Only rank 0
// reads the caller's inputs: every other rank receives them through broadcasts, so no
// state crosses rank boundaries outside the Communicator.
func (e *Executor) runRank(ctx context.Context, run *Run, comm *comms.Communicator,
	inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	rank := comm.Rank()
	env := make(map[string]*tensors.Tensor, len(e.pipeline.inputs))
	for _, spec := range e.pipeline.inputs {
		var contribution *tensors.Tensor
		if rank == 0 {
			contribution = inputs[spec.Name]
		}
		received, err := comm.Broadcast(ctx, 0, contribution)
		if err != nil {
			return nil, err
		}
		env[spec.Name] = received
	}

	for stageIdx, stage := range e.pipeline.stages {
		if err := e.runStage(ctx, run, stageIdx, stage, comm, env); err != nil {
			run.markFailed(stageIdx)
			return nil, err
		}
		run.markRankDone(stageIdx, e.world.Size())
	}

	outputs := make(map[string]*tensors.Tensor)
	for _, name := range e.pipeline.OutputNames() {
		outputs[name] = env[name]
	}
	return outputs, nil
}

// placeholder is what ranks outside a stage's mesh contribute to that stage's output
// exchange; the receivers never read those slots.
var placeholder = tensors.FromScalar(int32(0))

func (e *Executor) runStage(ctx context.Context, run *Run, stageIdx int, stage *Stage,
	comm *comms.Communicator, env map[string]*tensors.Tensor) error {
	rank := comm.Rank()
	run.markRunning(stageIdx)

	// Devices in the stage's mesh resolve their shards and run the computation.
	var localOutputs []*tensors.Tensor
	if stage.Mesh.DevicePosition(rank) >= 0 {
		localInputs := make([]*tensors.Tensor, len(stage.Inputs))
		for i, input := range stage.Inputs {
			shard, err := distributed.ShardTensor(env[input.Name], stage.Mesh, input.Sharding, rank)
			if err != nil {
				return e.failStage(run, stage, rank, err)
			}
			localInputs[i] = shard
		}
		var err error
		localOutputs, err = e.programs[stageIdx].Execute(localInputs)
		if err != nil {
			return e.failStage(run, stage, rank, err)
		}
	}

	// Stage boundary: merge the producers' shards back into the logical tensor, then
	// every rank holds it and later stages re-slice it per their own annotations.
	for j, output := range stage.Outputs {
		contribution := placeholder
		if localOutputs != nil {
			contribution = localOutputs[j]
		}
		gathered, err := comm.AllGather(ctx, contribution)
		if err != nil {
			return err
		}
		shards := make([]*tensors.Tensor, stage.Mesh.NumDevices())
		for position := range shards {
			shards[position] = gathered[stage.Mesh.DeviceAt(position)]
		}
		dt, err := distributed.FromShards(stage.Mesh, output.Sharding, output.Shape, shards)
		if err != nil {
			return e.failStage(run, stage, rank, err)
		}
		env[output.Name] = dt.Merge()
	}
	return nil
}

// failStage aborts the World so the other ranks don't stay blocked in collectives, and
// returns the error dressed with the stage identity.
func (e *Executor) failStage(run *Run, stage *Stage, rank distributed.DeviceNum, cause error) error {
	err := &StageError{Pipeline: e.pipeline.name, Stage: stage.Name, Rank: rank, Err: cause}
	e.world.Abort(err)
	return err
}
