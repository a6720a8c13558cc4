// meshrun runs a small sharded pipeline across a configurable number of in-process
// devices and validates the result against a single-device reference execution.
//
// The pipeline computes z = 2*x + 1 over a square input: the first stage shards x by
// rows, the second re-shards the intermediate by columns, so the stage boundary
// exercises the full merge-then-reslice exchange.
//
// Example:
//
//	meshrun --devices=4 --dim=16 -v=1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/multidevice/distributed"
	"github.com/gomlx/multidevice/engines"
	_ "github.com/gomlx/multidevice/engines/goeval"
	"github.com/gomlx/multidevice/pipeline"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/gomlx/multidevice/types/xslices"
	"github.com/gomlx/multidevice/validation"
	"k8s.io/klog/v2"
)

var (
	flagDevices = flag.Int("devices", 2, "Number of devices to shard the pipeline over.")
	flagDim     = flag.Int("dim", 8, "Size of the square input tensor; must be divisible by --devices.")
)

func buildPipeline(numDevices, dim int) (*pipeline.Pipeline, error) {
	mesh, err := distributed.NewDeviceMesh([]int{numDevices}, []string{"d"})
	if err != nil {
		return nil, err
	}

	scale := engines.NewComputation("scale")
	x := scale.Parameter("x", shapes.Make(dtypes.Float32, dim/numDevices, dim))
	scale.Return(scale.Mul(x, scale.Constant(tensors.FromScalar(float32(2)))))

	bias := engines.NewComputation("bias")
	y := bias.Parameter("y", shapes.Make(dtypes.Float32, dim, dim/numDevices))
	bias.Return(bias.Add(y, bias.Constant(tensors.FromScalar(float32(1)))))

	global := shapes.Make(dtypes.Float32, dim, dim)
	byRows := distributed.ShardSpec{"d", ""}
	byCols := distributed.ShardSpec{"", "d"}
	return pipeline.New("meshrun",
		[]pipeline.TensorSpec{{Name: "x", Shape: global}},
		&pipeline.Stage{
			Name:        "scale",
			Mesh:        mesh,
			Inputs:      []pipeline.TensorSpec{{Name: "x", Shape: global, Sharding: byRows}},
			Outputs:     []pipeline.TensorSpec{{Name: "y", Shape: global, Sharding: byRows}},
			Computation: scale,
		},
		&pipeline.Stage{
			Name:        "bias",
			Mesh:        mesh,
			Inputs:      []pipeline.TensorSpec{{Name: "y", Shape: global, Sharding: byCols}},
			Outputs:     []pipeline.TensorSpec{{Name: "z", Shape: global, Sharding: byCols}},
			Computation: bias,
		},
	)
}

func run() error {
	numDevices := *flagDevices
	dim := *flagDim
	if numDevices < 1 || dim%numDevices != 0 {
		return fmt.Errorf("--dim=%d must be divisible by --devices=%d", dim, numDevices)
	}

	sharded, err := buildPipeline(numDevices, dim)
	if err != nil {
		return err
	}
	reference, err := buildPipeline(1, dim)
	if err != nil {
		return err
	}
	inputs := map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions(xslices.Iota(float32(0), dim*dim), dim, dim),
	}

	validator := &validation.Validator{}
	report, err := validator.ExecuteAndValidateAgainst(context.Background(), sharded, reference, inputs)
	if err != nil {
		return err
	}
	fmt.Printf("run %s on %d devices: %s\n", report.RunID, numDevices, report)
	return report.Err()
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meshrun: %+v\n", err)
		os.Exit(1)
	}
}
