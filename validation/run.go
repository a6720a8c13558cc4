package validation

import (
	"context"

	"github.com/gomlx/multidevice/comms"
	"github.com/gomlx/multidevice/engines"
	"github.com/gomlx/multidevice/pipeline"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/gomlx/multidevice/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WorldSizeFor returns the number of devices a pipeline needs: one rank per device
// number its stage meshes mention.
func WorldSizeFor(p *pipeline.Pipeline) int {
	size := 1
	for _, stage := range p.Stages() {
		if devices := stage.Mesh.Devices(); len(devices) > 0 {
			if needed := int(xslices.Max(devices)) + 1; needed > size {
				size = needed
			}
		}
	}
	return size
}

// execute runs p once on a fresh World sized for it, with a fresh engine. Both are torn
// down before returning, so repeated calls are independent of each other.
func execute(ctx context.Context, p *pipeline.Pipeline,
	inputs map[string]*tensors.Tensor) (*pipeline.Run, error) {
	world, err := comms.NewWorld(WorldSizeFor(p))
	if err != nil {
		return nil, err
	}
	defer world.Abort(errors.New("validation run finished"))
	engine, err := engines.New()
	if err != nil {
		return nil, err
	}
	defer engine.Finalize()

	executor, err := pipeline.NewExecutor(p, world, engine)
	if err != nil {
		return nil, err
	}
	run, err := executor.Execute(ctx, inputs)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("validation: run %s done, %s", run.ID(), world.Stats())
	return run, nil
}

// ExecuteAndValidate runs p on a world of its own and validates its outputs against the
// prescribed expected values, by name. Every pipeline output must have a prescribed
// value.
//
// The returned Report is non-fatal: inspect Report.OK or Report.Err to react to
// mismatches. The returned error covers execution and configuration failures only.
func (v *Validator) ExecuteAndValidate(ctx context.Context, p *pipeline.Pipeline,
	inputs, prescribed map[string]*tensors.Tensor) (*Report, error) {
	run, err := execute(ctx, p, inputs)
	if err != nil {
		return nil, err
	}
	report, err := v.Compare(run.Outputs(), prescribed)
	if err != nil {
		return nil, err
	}
	report.RunID = run.ID()
	return report, nil
}

// ExecuteAndValidateAgainst runs p and a reference pipeline, each on a fresh world of
// its own, feeding both the same inputs, and validates p's outputs against the
// reference's. The reference is usually a single-device rendition of the same logic:
// matching output names and global shapes are all that is required.
func (v *Validator) ExecuteAndValidateAgainst(ctx context.Context, p, reference *pipeline.Pipeline,
	inputs map[string]*tensors.Tensor) (*Report, error) {
	run, err := execute(ctx, p, inputs)
	if err != nil {
		return nil, err
	}
	referenceRun, err := execute(ctx, reference, inputs)
	if err != nil {
		return nil, errors.WithMessage(err, "reference execution")
	}
	report, err := v.Compare(run.Outputs(), referenceRun.Outputs())
	if err != nil {
		return nil, err
	}
	report.RunID = run.ID()
	return report, nil
}
