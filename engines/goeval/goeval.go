// Package goeval implements a pure Go compute engine: an interpreter for the engines
// computation graph, with no external accelerator dependencies.
//
// It supports the Float32, Float64, Int32, Int64, Float16 and BFloat16 dtypes. The
// 16-bit float types are computed in float32 and rounded back on store, matching the
// usual accelerator behavior.
//
// Element-wise kernels and matrix multiplication rows are parallelized over a worker
// pool. The configuration string accepts the number of workers, e.g. "goeval:4";
// "goeval:0" disables parallelism. Import it for the side effect of registration:
//
//	import _ "github.com/gomlx/multidevice/engines/goeval"
package goeval

import (
	"strconv"

	"github.com/gomlx/multidevice/engines"
	"github.com/gomlx/multidevice/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the engine in the registry.
const Name = "goeval"

func init() {
	engines.Register(Name, New)
}

// Engine is the pure Go engine. It holds the worker pool shared by the programs it
// compiles.
type Engine struct {
	pool      *workerspool.Pool
	finalized bool
}

// Compile-time check.
var _ engines.Engine = (*Engine)(nil)

// New creates a goeval engine. The config string, if not empty, is the maximum
// parallelism of its worker pool: 0 disables parallelism, -1 makes it unlimited.
func New(config string) (engines.Engine, error) {
	e := &Engine{pool: workerspool.New()}
	if config != "" {
		parallelism, err := strconv.Atoi(config)
		if err != nil {
			return nil, errors.Wrapf(err, "goeval: configuration %q must be an integer (max parallelism)", config)
		}
		e.pool.SetMaxParallelism(parallelism)
	}
	klog.V(1).Infof("goeval: engine created, max parallelism %d", e.pool.MaxParallelism())
	return e, nil
}

// Name implements engines.Engine.
func (e *Engine) Name() string { return Name }

// Description implements engines.Engine.
func (e *Engine) Description() string {
	return "pure Go interpreter engine"
}

// Finalize implements engines.Engine. The engine holds no external resources; it only
// marks itself unusable.
func (e *Engine) Finalize() {
	e.finalized = true
}

// Compile implements engines.Engine. The computation must be sealed (Return called).
func (e *Engine) Compile(comp *engines.Computation) (engines.Program, error) {
	if e.finalized {
		return nil, errors.New("goeval: engine was finalized")
	}
	if !comp.IsSealed() {
		return nil, errors.Errorf("goeval: computation %q is not sealed, call Return before compiling", comp.Name())
	}
	for _, node := range comp.Nodes() {
		if !supportedDType(node.Shape().DType) {
			return nil, errors.Errorf("goeval: computation %q uses dtype %s, not supported by this engine",
				comp.Name(), node.Shape().DType)
		}
	}
	return &program{comp: comp, pool: e.pool}, nil
}
