package goeval

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/multidevice/engines"
	"github.com/gomlx/multidevice/internal/workerspool"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func supportedDType(dt dtypes.DType) bool {
	switch dt {
	case dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64, dtypes.Float16, dtypes.BFloat16:
		return true
	default:
		return false
	}
}

// numeric are the Go types the kernels operate on natively. Float16 and BFloat16 are
// converted to float32 around the kernels. An exact union, so that numeric stays a
// subset of dtypes.Supported and T can instantiate the tensors accessors.
type numeric interface {
	int32 | int64 | float32 | float64
}

type program struct {
	comp *engines.Computation
	pool *workerspool.Pool
}

var _ engines.Program = (*program)(nil)

func (p *program) Name() string    { return p.comp.Name() }
func (p *program) NumInputs() int  { return len(p.comp.Parameters()) }
func (p *program) NumOutputs() int { return len(p.comp.Outputs()) }

// Execute interprets the computation node by node, in creation order, which is already
// a topological order.
func (p *program) Execute(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	params := p.comp.Parameters()
	if len(inputs) != len(params) {
		return nil, errors.Errorf("program %q takes %d inputs, got %d",
			p.comp.Name(), len(params), len(inputs))
	}
	paramToInput := make(map[*engines.Node]*tensors.Tensor, len(params))
	for i, param := range params {
		input := inputs[i]
		if input == nil {
			return nil, errors.Errorf("program %q: input #%d (%q) is nil",
				p.comp.Name(), i, param.ParamName())
		}
		if !input.Shape().Equal(param.Shape()) {
			return nil, errors.Errorf("program %q: input #%d (%q) has shape %s, want %s",
				p.comp.Name(), i, param.ParamName(), input.Shape(), param.Shape())
		}
		paramToInput[param] = input
	}

	values := make(map[*engines.Node]*tensors.Tensor, len(p.comp.Nodes()))
	for _, node := range p.comp.Nodes() {
		switch node.Op() {
		case engines.OpParameter:
			values[node] = paramToInput[node]
		case engines.OpConstant:
			values[node] = node.Literal()
		default:
			ins := make([]*tensors.Tensor, len(node.Inputs()))
			for i, input := range node.Inputs() {
				ins[i] = values[input]
			}
			out, err := p.execNode(node, ins)
			if err != nil {
				return nil, errors.WithMessagef(err, "program %q, node %s", p.comp.Name(), node)
			}
			values[node] = out
		}
	}

	outputs := make([]*tensors.Tensor, len(p.comp.Outputs()))
	for i, node := range p.comp.Outputs() {
		out := values[node]
		// Parameters and constants are not owned by the execution: return a copy.
		if node.Op() == engines.OpParameter || node.Op() == engines.OpConstant {
			out = out.Clone()
		}
		outputs[i] = out
	}
	return outputs, nil
}

// execNode evaluates one non-leaf node. The 16-bit float dtypes are evaluated in
// float32 and rounded back on store.
func (p *program) execNode(node *engines.Node, ins []*tensors.Tensor) (*tensors.Tensor, error) {
	dt := node.Shape().DType
	switch dt {
	case dtypes.Float32:
		return execTyped[float32](p.pool, node, ins)
	case dtypes.Float64:
		return execTyped[float64](p.pool, node, ins)
	case dtypes.Int32:
		return execTyped[int32](p.pool, node, ins)
	case dtypes.Int64:
		return execTyped[int64](p.pool, node, ins)
	case dtypes.Float16, dtypes.BFloat16:
		ins32 := make([]*tensors.Tensor, len(ins))
		for i, in := range ins {
			ins32[i] = toFloat32(in)
		}
		out32, err := execTyped[float32](p.pool, node, ins32)
		if err != nil {
			return nil, err
		}
		out := tensors.FromShape(node.Shape())
		fromFloat32(out32, out)
		return out, nil
	default:
		return nil, errors.Errorf("dtype %s not supported", dt)
	}
}

// flatOf returns the tensor's flat data. The executor is the only accessor of the
// intermediate tensors during Execute, and it never writes through slices obtained here.
func flatOf[T dtypes.Supported](t *tensors.Tensor) []T {
	var flat []T
	tensors.ConstFlatData(t, func(f []T) { flat = f })
	return flat
}

func execTyped[T numeric](pool *workerspool.Pool, node *engines.Node, ins []*tensors.Tensor) (*tensors.Tensor, error) {
	out := tensors.FromShape(shapes.Make(dtypes.FromGenericsType[T](), node.Shape().Dimensions...))
	var outFlat []T
	tensors.MutableFlatData(out, func(f []T) { outFlat = f })

	switch node.Op() {
	case engines.OpAdd, engines.OpSub, engines.OpMul, engines.OpDiv:
		binaryKernel(pool, node.Op(), flatOf[T](ins[0]), flatOf[T](ins[1]), outFlat)
	case engines.OpNeg, engines.OpAbs, engines.OpRelu:
		unaryKernel(pool, node.Op(), flatOf[T](ins[0]), outFlat)
	case engines.OpMatMul:
		m := node.Shape().Dim(0)
		k := ins[0].Shape().Dim(1)
		n := node.Shape().Dim(1)
		matMulKernel(pool, flatOf[T](ins[0]), flatOf[T](ins[1]), outFlat, m, k, n)
	case engines.OpReduceSum:
		reduceSumKernel(pool, flatOf[T](ins[0]), outFlat, ins[0].Shape().Dimensions, node.ReduceAxis())
	default:
		return nil, errors.Errorf("operation %s not implemented", node.Op())
	}
	return out, nil
}

// binaryKernel computes out[i] = lhs[i] op rhs[i]. An operand of length 1 (a scalar)
// broadcasts over the other.
func binaryKernel[T numeric](pool *workerspool.Pool, op engines.OpType, lhs, rhs, out []T) {
	lhsStep, rhsStep := 1, 1
	if len(lhs) == 1 {
		lhsStep = 0
	}
	if len(rhs) == 1 {
		rhsStep = 0
	}
	pool.Range(len(out), func(start, end int) {
		switch op {
		case engines.OpAdd:
			for i := start; i < end; i++ {
				out[i] = lhs[i*lhsStep] + rhs[i*rhsStep]
			}
		case engines.OpSub:
			for i := start; i < end; i++ {
				out[i] = lhs[i*lhsStep] - rhs[i*rhsStep]
			}
		case engines.OpMul:
			for i := start; i < end; i++ {
				out[i] = lhs[i*lhsStep] * rhs[i*rhsStep]
			}
		case engines.OpDiv:
			for i := start; i < end; i++ {
				out[i] = lhs[i*lhsStep] / rhs[i*rhsStep]
			}
		}
	})
}

func unaryKernel[T numeric](pool *workerspool.Pool, op engines.OpType, in, out []T) {
	pool.Range(len(out), func(start, end int) {
		switch op {
		case engines.OpNeg:
			for i := start; i < end; i++ {
				out[i] = -in[i]
			}
		case engines.OpAbs:
			for i := start; i < end; i++ {
				if in[i] < 0 {
					out[i] = -in[i]
				} else {
					out[i] = in[i]
				}
			}
		case engines.OpRelu:
			for i := start; i < end; i++ {
				if in[i] < 0 {
					out[i] = 0
				} else {
					out[i] = in[i]
				}
			}
		}
	})
}

// matMulKernel computes out = lhs x rhs for row-major [m, k] x [k, n] operands,
// parallelized over the rows of the result.
func matMulKernel[T numeric](pool *workerspool.Pool, lhs, rhs, out []T, m, k, n int) {
	pool.Range(m, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			outRow := out[row*n : (row+1)*n]
			for col := range outRow {
				outRow[col] = 0
			}
			for ki := 0; ki < k; ki++ {
				lhsValue := lhs[row*k+ki]
				if lhsValue == 0 {
					continue
				}
				rhsRow := rhs[ki*n : (ki+1)*n]
				for col, rhsValue := range rhsRow {
					outRow[col] += lhsValue * rhsValue
				}
			}
		}
	})
}

// reduceSumKernel sums the input over the given axis. axis == -1 reduces everything to
// a single element.
func reduceSumKernel[T numeric](pool *workerspool.Pool, in, out []T, inDims []int, axis int) {
	if axis < 0 {
		var sum T
		for _, v := range in {
			sum += v
		}
		out[0] = sum
		return
	}
	outer, inner := 1, 1
	for i := 0; i < axis; i++ {
		outer *= inDims[i]
	}
	for i := axis + 1; i < len(inDims); i++ {
		inner *= inDims[i]
	}
	axisDim := inDims[axis]
	pool.Range(outer, func(outerStart, outerEnd int) {
		for o := outerStart; o < outerEnd; o++ {
			outBase := o * inner
			for i := 0; i < inner; i++ {
				out[outBase+i] = 0
			}
			for a := 0; a < axisDim; a++ {
				inBase := (o*axisDim + a) * inner
				for i := 0; i < inner; i++ {
					out[outBase+i] += in[inBase+i]
				}
			}
		}
	})
}

// toFloat32 widens a Float16 or BFloat16 tensor to a Float32 tensor. Other dtypes are
// returned unchanged.
func toFloat32(t *tensors.Tensor) *tensors.Tensor {
	switch t.DType() {
	case dtypes.Float16:
		out := tensors.FromShape(shapes.Make(dtypes.Float32, t.Shape().Dimensions...))
		src := flatOf[float16.Float16](t)
		tensors.MutableFlatData(out, func(dst []float32) {
			for i, v := range src {
				dst[i] = v.Float32()
			}
		})
		return out
	case dtypes.BFloat16:
		out := tensors.FromShape(shapes.Make(dtypes.Float32, t.Shape().Dimensions...))
		src := flatOf[bfloat16.BFloat16](t)
		tensors.MutableFlatData(out, func(dst []float32) {
			for i, v := range src {
				dst[i] = v.Float32()
			}
		})
		return out
	default:
		return t
	}
}

// fromFloat32 rounds a Float32 tensor into dst, which must be Float16 or BFloat16 with
// the same dimensions.
func fromFloat32(src, dst *tensors.Tensor) {
	srcFlat := flatOf[float32](src)
	switch dst.DType() {
	case dtypes.Float16:
		tensors.MutableFlatData(dst, func(out []float16.Float16) {
			for i, v := range srcFlat {
				out[i] = float16.Fromfloat32(v)
			}
		})
	case dtypes.BFloat16:
		tensors.MutableFlatData(dst, func(out []bfloat16.BFloat16) {
			for i, v := range srcFlat {
				out[i] = bfloat16.FromFloat32(v)
			}
		})
	}
}
