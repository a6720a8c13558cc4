// Package engines defines the interface to the compute engines that execute stage
// computations on a device, and a registry of the available implementations.
//
// An Engine compiles a Computation to a Program, which can then be executed repeatedly
// with different inputs. Engines only ever see local (per-device) tensors: sharding and
// the movement of data between devices happen outside, before and after Execute.
//
// The engine used by default is selected with the GOMLX_ENGINE environment variable, in
// the form "engine_name" or "engine_name:configuration". See New.
package engines

import (
	"os"
	"strings"

	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine compiles computations for execution on one device.
type Engine interface {
	// Name returns the registered name of the engine.
	Name() string

	// Description is a longer description of the engine, for error messages and logs.
	Description() string

	// Compile the computation into an executable Program.
	Compile(comp *Computation) (Program, error)

	// Finalize releases the engine's resources. The engine is unusable afterward.
	Finalize()
}

// Program is a compiled computation, ready to execute. Programs are immutable and safe
// for concurrent Execute calls.
type Program interface {
	// Name of the computation the program was compiled from.
	Name() string

	// NumInputs returns the number of parameters the program takes.
	NumInputs() int

	// NumOutputs returns the number of tensors Execute returns.
	NumOutputs() int

	// Execute runs the program with the given inputs, in parameter order. The inputs are
	// not modified; the outputs are newly allocated.
	Execute(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// Constructor builds an engine from a configuration string, whose syntax is engine
// specific. An empty configuration selects the engine's defaults.
type Constructor func(config string) (Engine, error)

// ConfigEnvVar is the environment variable read by New to select the default engine and
// its configuration: "engine_name" or "engine_name:configuration".
const ConfigEnvVar = "GOMLX_ENGINE"

var (
	registered = map[string]Constructor{}

	// defaultEngineName is used when GOMLX_ENGINE is unset: the first engine registered.
	defaultEngineName string
)

// Register an engine constructor under the given name. The first engine registered
// becomes the default. Usually called from the init() of the engine's package.
func Register(name string, constructor Constructor) {
	if _, found := registered[name]; found {
		klog.Warningf("engines: re-registering engine %q", name)
	}
	registered[name] = constructor
	if defaultEngineName == "" {
		defaultEngineName = name
	}
}

// Registered returns the names of all registered engines.
func Registered() []string {
	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	return names
}

// New creates an engine from the GOMLX_ENGINE environment variable, or the default
// engine (the first registered) if it is unset.
func New() (Engine, error) {
	return NewWithConfig(os.Getenv(ConfigEnvVar))
}

// NewWithConfig creates an engine from a "engine_name" or "engine_name:configuration"
// string. An empty string selects the default engine with its default configuration.
func NewWithConfig(config string) (Engine, error) {
	if len(registered) == 0 {
		return nil, errors.New("engines: no engine registered, import an engine package " +
			`(e.g. _ "github.com/gomlx/multidevice/engines/goeval")`)
	}
	name := config
	engineConfig := ""
	if idx := strings.Index(config, ":"); idx >= 0 {
		name = config[:idx]
		engineConfig = config[idx+1:]
	}
	if name == "" {
		name = defaultEngineName
	}
	constructor, found := registered[name]
	if !found {
		return nil, errors.Errorf("engines: engine %q unknown, registered engines: %v",
			name, Registered())
	}
	return constructor(engineConfig)
}

// MustNew is like New, but panics on error. Meant for tests and examples.
func MustNew() Engine {
	engine, err := New()
	if err != nil {
		panic(err)
	}
	return engine
}
