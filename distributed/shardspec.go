package distributed

import (
	"slices"
	"strings"

	"github.com/gomlx/multidevice/types/sets"
	"github.com/gomlx/multidevice/types/shapes"
	"github.com/pkg/errors"
)

// Replicated is the value in a ShardSpec indicating a tensor axis is not sharded: every
// device holds the full extent of that axis.
const Replicated = ""

// ShardSpec specifies how a logical tensor is sharded across a DeviceMesh.
//
// It holds one value per tensor axis: either the name of the mesh axis the tensor axis
// is split over, or Replicated ("") if the axis is not split.
// A nil or empty ShardSpec means the tensor is fully replicated.
//
// Each tensor axis may be sharded over at most one mesh axis, and each mesh axis may be
// used by at most one tensor axis of the same tensor.
type ShardSpec []string

// ReplicatedSpec returns a ShardSpec that replicates all axes of a tensor of the given rank.
func ReplicatedSpec(rank int) ShardSpec {
	return make(ShardSpec, rank)
}

// IsReplicated returns whether the spec shards no axis at all.
func (s ShardSpec) IsReplicated() bool {
	for _, axis := range s {
		if axis != Replicated {
			return false
		}
	}
	return true
}

// MeshAxes returns the mesh axes used by the spec, in tensor-axis order, skipping
// replicated axes.
func (s ShardSpec) MeshAxes() []string {
	axes := make([]string, 0, len(s))
	for _, axis := range s {
		if axis != Replicated {
			axes = append(axes, axis)
		}
	}
	return axes
}

// Clone returns a copy of the spec.
func (s ShardSpec) Clone() ShardSpec {
	return slices.Clone(s)
}

// Equal returns whether both specs map the same tensor axes to the same mesh axes.
func (s ShardSpec) Equal(other ShardSpec) bool {
	return slices.Equal(s, other)
}

// String implements the fmt.Stringer interface.
func (s ShardSpec) String() string {
	parts := make([]string, len(s))
	for i, axis := range s {
		if axis == Replicated {
			parts[i] = "*"
		} else {
			parts[i] = axis
		}
	}
	return "ShardSpec(" + strings.Join(parts, ", ") + ")"
}

// Validate checks the spec against the mesh and the shape of the tensor it annotates:
//
//   - The spec must have one entry per tensor axis (or be nil, meaning fully replicated).
//   - Every named mesh axis must exist in the mesh, and be used at most once.
//   - Every sharded tensor dimension must be evenly divisible by the size of its mesh axis.
func (s ShardSpec) Validate(mesh *DeviceMesh, shape shapes.Shape) error {
	if s == nil {
		return nil
	}
	if len(s) != shape.Rank() {
		return errors.Wrapf(ErrShardingPolicy,
			"%s has %d entries, tensor shape %s has rank %d: one entry per tensor axis required",
			s, len(s), shape, shape.Rank())
	}
	used := sets.Make[string](len(s))
	for tensorAxis, meshAxis := range s {
		if meshAxis == Replicated {
			continue
		}
		meshAxisSize, err := mesh.AxisSize(meshAxis)
		if err != nil {
			return errors.Wrapf(ErrShardingPolicy, "%s refers to mesh axis %q not present in %s",
				s, meshAxis, mesh)
		}
		if used.Has(meshAxis) {
			return errors.Wrapf(ErrShardingPolicy, "%s uses mesh axis %q for more than one tensor axis",
				s, meshAxis)
		}
		used.Insert(meshAxis)
		dim := shape.Dim(tensorAxis)
		if dim%meshAxisSize != 0 {
			return errors.Wrapf(ErrShardingPolicy,
				"tensor axis %d of shape %s has extent %d, not divisible by mesh axis %q of size %d",
				tensorAxis, shape, dim, meshAxis, meshAxisSize)
		}
	}
	return nil
}

// ShardShape returns the shape of the per-device shard of a tensor with the given global
// shape. Replicated axes keep their full extent; sharded axes are divided by the size of
// their mesh axis.
//
// It returns an error if the spec doesn't validate against the mesh and shape.
func (s ShardSpec) ShardShape(mesh *DeviceMesh, global shapes.Shape) (shapes.Shape, error) {
	if err := s.Validate(mesh, global); err != nil {
		return shapes.Invalid(), err
	}
	local := global.Clone()
	for tensorAxis, meshAxis := range s {
		if meshAxis == Replicated {
			continue
		}
		size, _ := mesh.AxisSize(meshAxis)
		local.Dimensions[tensorAxis] /= size
	}
	return local, nil
}
