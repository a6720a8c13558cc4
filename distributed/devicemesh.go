// Package distributed defines how logical tensors and computation are laid out across a set
// of devices:
//
//   - DeviceMesh: expresses the topology of a set of devices, in terms of axes and their sizes.
//   - ShardSpec: defines how a logical tensor is sharded across a DeviceMesh.
//   - ShardTensor: the resolver that computes the local shard a given device owns.
//   - Tensor: a logical tensor distributed across multiple devices organized as a DeviceMesh.
package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/multidevice/types/sets"
	"github.com/pkg/errors"
)

// DeviceNum identifies a compute device/process: a non-negative integer, unique within a run.
type DeviceNum int

// DeviceMesh defines the logical topology of a set of devices.
//
// It is immutable after construction (except for the optional logical device assignment, which
// should be set before the mesh is used).
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// logicalDeviceAssignment maps mesh positions to device numbers.
	// If nil, position i is device i.
	logicalDeviceAssignment []DeviceNum
}

const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis.
//
// Used by ShardSpec to describe how tensors are split across devices. For simple pipeline
// parallelism the mesh is 1D, e.g., NewDeviceMesh([]int{8}, []string{"replica"}).
//
// A DeviceMesh can also be assigned a name, but because there is usually only one mesh, it's
// set to the default name "mesh" (DefaultMeshName).
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with an ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have size > 0, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}

	m := &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}
	return m, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axes sizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// AxisIndex returns the index of the given mesh axis name, or -1 if not found.
func (m *DeviceMesh) AxisIndex(axisName string) int {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return -1
	}
	return idx
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// SetLogicalDeviceAssignment sets the assignment of device numbers to mesh positions.
//
// The length of devices must be equal to NumDevices(), with no duplicates.
// Passing no devices resets to the default sequential assignment starting from 0.
func (m *DeviceMesh) SetLogicalDeviceAssignment(devices ...DeviceNum) error {
	if len(devices) == 0 {
		m.logicalDeviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[DeviceNum](m.numDevices)
	for _, device := range devices {
		if seen.Has(device) {
			return errors.Errorf("device #%d is duplicated in mapping", device)
		}
		seen.Insert(device)
		if device < 0 {
			return errors.Errorf("device numbers must be non-negative, got %d", device)
		}
	}
	m.logicalDeviceAssignment = slices.Clone(devices)
	return nil
}

// Devices returns the device numbers in the mesh, in mesh (position) order.
func (m *DeviceMesh) Devices() []DeviceNum {
	devices := make([]DeviceNum, m.numDevices)
	for pos := range devices {
		devices[pos] = m.DeviceAt(pos)
	}
	return devices
}

// DeviceAt returns the device number at the given mesh position (flat index, row-major over
// the mesh axes). It panics if position is out of range.
func (m *DeviceMesh) DeviceAt(position int) DeviceNum {
	if m.logicalDeviceAssignment == nil {
		return DeviceNum(position)
	}
	return m.logicalDeviceAssignment[position]
}

// DevicePosition returns the mesh position (flat index) of the given device number, or -1 if
// the device is not part of the mesh.
func (m *DeviceMesh) DevicePosition(device DeviceNum) int {
	if m.logicalDeviceAssignment == nil {
		if device < 0 || int(device) >= m.numDevices {
			return -1
		}
		return int(device)
	}
	return slices.Index(m.logicalDeviceAssignment, device)
}

// PositionCoordinates converts a flat mesh position to its per-axis coordinates.
func (m *DeviceMesh) PositionCoordinates(position int) []int {
	coords := make([]int, len(m.axesSizes))
	remaining := position
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return coords
}

// ComputeReplicaGroups returns the replica groups participating in some collective
// (distributed) operation given the axes along which the operation is performed.
//
// Each replica group (a []int of mesh positions) includes the positions for the axes
// specified. The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	// Find indices of the specified axes
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	// Calculate the size of each group and number of groups
	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize

	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		indices := m.PositionCoordinates(flatIdx)

		// Calculate group index from non-axis indices
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Calculate position within group from axis indices
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = flatIdx
	}

	return groups, nil
}
