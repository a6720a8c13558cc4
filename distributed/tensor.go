package distributed

import (
	"fmt"
	"reflect"

	"github.com/gomlx/multidevice/types/shapes"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
)

// Tensor is a logical tensor distributed across the devices of a DeviceMesh: the global
// shape plus one local shard per mesh position, laid out according to a ShardSpec.
//
// It is a host-side bookkeeping structure: the shards are ordinary tensors.
type Tensor struct {
	mesh   *DeviceMesh
	spec   ShardSpec
	global shapes.Shape

	// shards holds one local tensor per mesh position, in mesh order.
	shards []*tensors.Tensor
}

// Shard splits the global tensor t across all devices of the mesh according to spec, and
// returns the resulting distributed Tensor.
//
// For a fully replicated spec every position shares t itself (no copies).
func Shard(t *tensors.Tensor, mesh *DeviceMesh, spec ShardSpec) (*Tensor, error) {
	shards := make([]*tensors.Tensor, mesh.NumDevices())
	for position := range shards {
		shard, err := ShardTensor(t, mesh, spec, mesh.DeviceAt(position))
		if err != nil {
			return nil, err
		}
		shards[position] = shard
	}
	return &Tensor{
		mesh:   mesh,
		spec:   spec.Clone(),
		global: t.Shape().Clone(),
		shards: shards,
	}, nil
}

// FromShards builds a distributed Tensor from already-resolved local shards, one per mesh
// position, in mesh order. Each shard's shape must match what spec prescribes for the
// global shape.
func FromShards(mesh *DeviceMesh, spec ShardSpec, global shapes.Shape, shards []*tensors.Tensor) (*Tensor, error) {
	if len(shards) != mesh.NumDevices() {
		return nil, errors.Errorf("FromShards requires one shard per device, got %d shards for %s",
			len(shards), mesh)
	}
	localShape, err := spec.ShardShape(mesh, global)
	if err != nil {
		return nil, err
	}
	for position, shard := range shards {
		if shard == nil {
			return nil, errors.Errorf("FromShards: shard at mesh position %d is nil", position)
		}
		if !shard.Shape().Equal(localShape) {
			return nil, errors.Errorf(
				"FromShards: shard at mesh position %d has shape %s, want %s (global %s sharded by %s)",
				position, shard.Shape(), localShape, global, spec)
		}
	}
	return &Tensor{
		mesh:   mesh,
		spec:   spec.Clone(),
		global: global.Clone(),
		shards: shards,
	}, nil
}

// Mesh returns the mesh the tensor is distributed over.
func (dt *Tensor) Mesh() *DeviceMesh { return dt.mesh }

// Spec returns the sharding spec of the tensor.
func (dt *Tensor) Spec() ShardSpec { return dt.spec }

// GlobalShape returns the shape of the logical (unsharded) tensor.
func (dt *Tensor) GlobalShape() shapes.Shape { return dt.global }

// LocalShard returns the shard at the given mesh position.
func (dt *Tensor) LocalShard(position int) *tensors.Tensor { return dt.shards[position] }

// ShardOn returns the shard owned by the given device, or an error wrapping
// ErrShardingPolicy if the device is not part of the mesh.
func (dt *Tensor) ShardOn(device DeviceNum) (*tensors.Tensor, error) {
	position := dt.mesh.DevicePosition(device)
	if position < 0 {
		return nil, errors.Wrapf(ErrShardingPolicy, "device #%d is not part of %s", device, dt.mesh)
	}
	return dt.shards[position], nil
}

// Merge reconstructs the global tensor from the shards: the inverse of Shard. Each shard
// is scattered back into the region its mesh position owns. Replicated axes are written by
// every position that holds them, with identical values if the shards are consistent.
func (dt *Tensor) Merge() *tensors.Tensor {
	if dt.spec.IsReplicated() {
		return dt.shards[0].Clone()
	}
	global := tensors.FromShape(dt.global)
	localShape := dt.shards[0].Shape()
	global.MutableFlatData(func(globalFlat any) {
		globalFlatV := reflect.ValueOf(globalFlat)
		for position, shard := range dt.shards {
			offsets := shardOffsets(dt.mesh, dt.spec, localShape, position)
			shard.ConstFlatData(func(localFlat any) {
				copyRegion(reflect.ValueOf(localFlat), localShape.Dimensions,
					globalFlatV, dt.global.Dimensions, offsets, true)
			})
		}
	})
	return global
}

// String implements the fmt.Stringer interface.
func (dt *Tensor) String() string {
	return fmt.Sprintf("distributed.Tensor(%s over %s by %s)", dt.global, dt.mesh, dt.spec)
}
