package distributed

import (
	"reflect"

	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
)

// ErrShardingPolicy is the sentinel error wrapped by every sharding policy violation:
// a ShardSpec inconsistent with its mesh or tensor shape, a sharded extent not divisible
// by its mesh axis, or a device that is not part of the mesh.
//
// Check for it with errors.Is.
var ErrShardingPolicy = errors.New("sharding policy violation")

// ShardTensor resolves the local shard of the global tensor t that the given device owns,
// according to the ShardSpec over the mesh.
//
// For a fully replicated spec (or nil spec) it returns t itself, no copy: the caller must
// not mutate the result in that case. Otherwise it returns a newly allocated tensor whose
// extent along each sharded axis is the global extent divided by the mesh axis size, filled
// with the contiguous slice this device's mesh coordinates select.
//
// It returns an error wrapping ErrShardingPolicy if the spec doesn't validate against the
// mesh and shape, or if device is not part of the mesh.
func ShardTensor(t *tensors.Tensor, mesh *DeviceMesh, spec ShardSpec, device DeviceNum) (*tensors.Tensor, error) {
	if err := spec.Validate(mesh, t.Shape()); err != nil {
		return nil, err
	}
	position := mesh.DevicePosition(device)
	if position < 0 {
		return nil, errors.Wrapf(ErrShardingPolicy, "device #%d is not part of %s", device, mesh)
	}
	if spec.IsReplicated() {
		return t, nil
	}

	localShape, err := spec.ShardShape(mesh, t.Shape())
	if err != nil {
		return nil, err
	}
	local := tensors.FromShape(localShape)
	offsets := shardOffsets(mesh, spec, localShape, position)
	t.ConstFlatData(func(globalFlat any) {
		local.MutableFlatData(func(localFlat any) {
			copyRegion(reflect.ValueOf(localFlat), localShape.Dimensions,
				reflect.ValueOf(globalFlat), t.Shape().Dimensions, offsets, false)
		})
	})
	return local, nil
}

// shardOffsets returns, for each tensor axis, the start index of the shard owned by the
// device at the given mesh position. Replicated axes start at 0.
//
// The spec is assumed already validated.
func shardOffsets(mesh *DeviceMesh, spec ShardSpec, localShape shapes.Shape, position int) []int {
	offsets := make([]int, localShape.Rank())
	if spec == nil {
		return offsets
	}
	coords := mesh.PositionCoordinates(position)
	for tensorAxis, meshAxis := range spec {
		if meshAxis == Replicated {
			continue
		}
		offsets[tensorAxis] = coords[mesh.AxisIndex(meshAxis)] * localShape.Dimensions[tensorAxis]
	}
	return offsets
}

// copyRegion copies between the flat data of a global tensor and the flat data of one of
// its shards. The shard covers the region of the global tensor starting at offsets, with
// the shard's dimensions. If toGlobal is true the shard is scattered into the global data,
// otherwise the region is gathered from it.
//
// Both flat values must be slices of the same element type. Rows along the last axis are
// contiguous in both layouts and copied with reflect.Copy.
func copyRegion(localFlat reflect.Value, localDims []int, globalFlat reflect.Value, globalDims []int,
	offsets []int, toGlobal bool) {
	rank := len(localDims)
	if rank == 0 {
		if toGlobal {
			globalFlat.Index(0).Set(localFlat.Index(0))
		} else {
			localFlat.Index(0).Set(globalFlat.Index(0))
		}
		return
	}

	globalStrides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		globalStrides[axis] = stride
		stride *= globalDims[axis]
	}
	rowLen := localDims[rank-1]

	// Iterate over all row starts of the local (shard) layout.
	coords := make([]int, rank) // Last coordinate stays 0, rows are copied whole.
	localOffset := 0
	for {
		globalOffset := offsets[rank-1] * globalStrides[rank-1]
		for axis := 0; axis < rank-1; axis++ {
			globalOffset += (offsets[axis] + coords[axis]) * globalStrides[axis]
		}
		localRow := localFlat.Slice(localOffset, localOffset+rowLen)
		globalRow := globalFlat.Slice(globalOffset, globalOffset+rowLen)
		if toGlobal {
			reflect.Copy(globalRow, localRow)
		} else {
			reflect.Copy(localRow, globalRow)
		}
		localOffset += rowLen

		// Advance to the next row, odometer-style over the outer axes.
		axis := rank - 2
		for ; axis >= 0; axis-- {
			coords[axis]++
			if coords[axis] < localDims[axis] {
				break
			}
			coords[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}
