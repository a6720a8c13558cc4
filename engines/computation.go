package engines

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/tensors"
)

// OpType identifies the operation a Node performs.
type OpType int

const (
	OpInvalid OpType = iota
	OpParameter
	OpConstant
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpAbs
	OpRelu
	OpMatMul
	OpReduceSum
)

// Computation is a small dataflow graph of tensor operations: the unit an Engine
// compiles. It is built with the methods below and sealed with Return; after that it is
// immutable.
//
// Shape and dtype checking happens at build time: the builder methods panic on invalid
// combinations, since these are programming errors, not runtime conditions.
type Computation struct {
	name    string
	nodes   []*Node
	params  []*Node
	outputs []*Node
	sealed  bool
}

// Node is one operation in a Computation. Nodes are created through the Computation
// builder methods and are owned by it.
type Node struct {
	comp   *Computation
	id     int
	opType OpType
	inputs []*Node
	shape  shapes.Shape

	// paramName is set for OpParameter nodes.
	paramName string

	// literal is set for OpConstant nodes.
	literal *tensors.Tensor

	// axis is set for OpReduceSum: the axis reduced, or -1 for a full reduction.
	axis int
}

// NewComputation creates an empty computation with the given name.
func NewComputation(name string) *Computation {
	return &Computation{name: name}
}

// Name of the computation.
func (c *Computation) Name() string { return c.name }

// Parameters returns the parameter nodes, in declaration order. Program inputs are given
// in this order.
func (c *Computation) Parameters() []*Node { return c.params }

// Outputs returns the output nodes set with Return.
func (c *Computation) Outputs() []*Node { return c.outputs }

// Nodes returns all nodes in creation order. Every node appears after its inputs, so the
// slice is a valid evaluation order.
func (c *Computation) Nodes() []*Node { return c.nodes }

// IsSealed reports whether Return was already called.
func (c *Computation) IsSealed() bool { return c.sealed }

func (c *Computation) newNode(opType OpType, shape shapes.Shape, inputs ...*Node) *Node {
	if c.sealed {
		exceptions.Panicf("computation %q is sealed (Return was called), cannot add more operations", c.name)
	}
	for _, input := range inputs {
		if input == nil {
			exceptions.Panicf("computation %q: nil input to %s", c.name, opType)
		}
		if input.comp != c {
			exceptions.Panicf("computation %q: input node belongs to computation %q",
				c.name, input.comp.name)
		}
	}
	node := &Node{comp: c, id: len(c.nodes), opType: opType, inputs: inputs, shape: shape}
	c.nodes = append(c.nodes, node)
	return node
}

// Parameter declares a named input of the computation with the given shape.
func (c *Computation) Parameter(name string, shape shapes.Shape) *Node {
	if !shape.Ok() {
		exceptions.Panicf("computation %q: parameter %q has invalid shape", c.name, name)
	}
	for _, p := range c.params {
		if p.paramName == name {
			exceptions.Panicf("computation %q: parameter %q declared twice", c.name, name)
		}
	}
	node := c.newNode(OpParameter, shape)
	node.paramName = name
	c.params = append(c.params, node)
	return node
}

// Constant embeds the tensor value in the computation.
func (c *Computation) Constant(value *tensors.Tensor) *Node {
	node := c.newNode(OpConstant, value.Shape())
	node.literal = value
	return node
}

// binaryShape checks dtypes match and returns the result shape of an element-wise binary
// operation. A scalar operand broadcasts against the other operand's shape.
func (c *Computation) binaryShape(opType OpType, lhs, rhs *Node) shapes.Shape {
	if lhs.shape.DType != rhs.shape.DType {
		exceptions.Panicf("computation %q: %s operands have different dtypes: %s vs %s",
			c.name, opType, lhs.shape, rhs.shape)
	}
	if lhs.shape.IsScalar() {
		return rhs.shape
	}
	if rhs.shape.IsScalar() {
		return lhs.shape
	}
	if !lhs.shape.EqualDimensions(rhs.shape) {
		exceptions.Panicf("computation %q: %s operands have incompatible shapes: %s vs %s",
			c.name, opType, lhs.shape, rhs.shape)
	}
	return lhs.shape
}

// Add returns lhs + rhs, element-wise. A scalar operand broadcasts.
func (c *Computation) Add(lhs, rhs *Node) *Node {
	return c.newNode(OpAdd, c.binaryShape(OpAdd, lhs, rhs), lhs, rhs)
}

// Sub returns lhs - rhs, element-wise. A scalar operand broadcasts.
func (c *Computation) Sub(lhs, rhs *Node) *Node {
	return c.newNode(OpSub, c.binaryShape(OpSub, lhs, rhs), lhs, rhs)
}

// Mul returns lhs * rhs, element-wise. A scalar operand broadcasts.
func (c *Computation) Mul(lhs, rhs *Node) *Node {
	return c.newNode(OpMul, c.binaryShape(OpMul, lhs, rhs), lhs, rhs)
}

// Div returns lhs / rhs, element-wise. A scalar operand broadcasts.
func (c *Computation) Div(lhs, rhs *Node) *Node {
	return c.newNode(OpDiv, c.binaryShape(OpDiv, lhs, rhs), lhs, rhs)
}

// Neg returns -x, element-wise.
func (c *Computation) Neg(x *Node) *Node {
	return c.newNode(OpNeg, x.shape, x)
}

// Abs returns |x|, element-wise.
func (c *Computation) Abs(x *Node) *Node {
	return c.newNode(OpAbs, x.shape, x)
}

// Relu returns max(x, 0), element-wise.
func (c *Computation) Relu(x *Node) *Node {
	return c.newNode(OpRelu, x.shape, x)
}

// MatMul returns the matrix product of two rank-2 operands: [m, k] x [k, n] -> [m, n].
func (c *Computation) MatMul(lhs, rhs *Node) *Node {
	if lhs.shape.DType != rhs.shape.DType {
		exceptions.Panicf("computation %q: MatMul operands have different dtypes: %s vs %s",
			c.name, lhs.shape, rhs.shape)
	}
	if lhs.shape.Rank() != 2 || rhs.shape.Rank() != 2 {
		exceptions.Panicf("computation %q: MatMul requires rank-2 operands, got %s and %s",
			c.name, lhs.shape, rhs.shape)
	}
	if lhs.shape.Dim(1) != rhs.shape.Dim(0) {
		exceptions.Panicf("computation %q: MatMul contracting dimensions mismatch: %s x %s",
			c.name, lhs.shape, rhs.shape)
	}
	result := shapes.Make(lhs.shape.DType, lhs.shape.Dim(0), rhs.shape.Dim(1))
	return c.newNode(OpMatMul, result, lhs, rhs)
}

// ReduceSum sums x over the given axis, removing it. A negative axis counts from the
// end; ReduceAllSum reduces to a scalar.
func (c *Computation) ReduceSum(x *Node, axis int) *Node {
	rank := x.shape.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		exceptions.Panicf("computation %q: ReduceSum axis %d out of range for shape %s",
			c.name, axis, x.shape)
	}
	dims := make([]int, 0, rank-1)
	for i, dim := range x.shape.Dimensions {
		if i != axis {
			dims = append(dims, dim)
		}
	}
	node := c.newNode(OpReduceSum, shapes.Make(x.shape.DType, dims...), x)
	node.axis = axis
	return node
}

// ReduceAllSum sums all elements of x into a scalar.
func (c *Computation) ReduceAllSum(x *Node) *Node {
	node := c.newNode(OpReduceSum, shapes.Make(x.shape.DType), x)
	node.axis = -1
	return node
}

// Return seals the computation with the given outputs. No operations can be added
// afterward. At least one output is required.
func (c *Computation) Return(outputs ...*Node) {
	if c.sealed {
		exceptions.Panicf("computation %q: Return called twice", c.name)
	}
	if len(outputs) == 0 {
		exceptions.Panicf("computation %q: Return requires at least one output", c.name)
	}
	for _, output := range outputs {
		if output == nil || output.comp != c {
			exceptions.Panicf("computation %q: Return output doesn't belong to this computation", c.name)
		}
	}
	c.outputs = outputs
	c.sealed = true
}

// Op returns the node's operation type.
func (n *Node) Op() OpType { return n.opType }

// Shape returns the node's result shape.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Inputs returns the node's input nodes.
func (n *Node) Inputs() []*Node { return n.inputs }

// ParamName returns the name of an OpParameter node, empty otherwise.
func (n *Node) ParamName() string { return n.paramName }

// Literal returns the tensor of an OpConstant node, nil otherwise.
func (n *Node) Literal() *tensors.Tensor { return n.literal }

// ReduceAxis returns the axis of an OpReduceSum node: -1 means a full reduction.
func (n *Node) ReduceAxis() int { return n.axis }

// String implements the fmt.Stringer interface.
func (n *Node) String() string {
	switch n.opType {
	case OpParameter:
		return fmt.Sprintf("%%%s: %s", n.paramName, n.shape)
	case OpConstant:
		return fmt.Sprintf("const %s", n.shape)
	default:
		return fmt.Sprintf("%s: %s", n.opType, n.shape)
	}
}

// String implements the fmt.Stringer interface.
func (op OpType) String() string {
	switch op {
	case OpParameter:
		return "Parameter"
	case OpConstant:
		return "Constant"
	case OpAdd:
		return "Add"
	case OpSub:
		return "Sub"
	case OpMul:
		return "Mul"
	case OpDiv:
		return "Div"
	case OpNeg:
		return "Neg"
	case OpAbs:
		return "Abs"
	case OpRelu:
		return "Relu"
	case OpMatMul:
		return "MatMul"
	case OpReduceSum:
		return "ReduceSum"
	default:
		return fmt.Sprintf("OpType(%d)", int(op))
	}
}
