// Package comms provides the communication layer between the devices of a run: a World
// groups one Communicator per device (rank), with blocking point-to-point Send/Recv and
// the collective operations (Broadcast, AllGather, Barrier) built on top of them.
//
// Collective operations must be issued in the same order by every participating rank.
// Point-to-point messages between a fixed (sender, receiver) pair are delivered in the
// order they were sent.
//
// Devices are modeled as goroutines within the process, one per rank, exchanging
// serialized tensors over buffered channels. The only way state crosses a rank boundary
// is through a Communicator: each message carries an encoded copy of the tensor, never a
// reference to the sender's buffers.
//
// Communication failures are fatal to the whole group: the first failure aborts the
// World, and every pending or subsequent operation on any rank fails with an error
// wrapping ErrCommunication.
package comms

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/multidevice/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrConfiguration is the sentinel error wrapped when a World cannot be constructed:
// invalid device counts, conflicting ambient configuration, or ranks out of range.
var ErrConfiguration = errors.New("communicator configuration error")

// ErrCommunication is the sentinel error wrapped by every failed communication
// operation. Once one operation fails the whole World is aborted and every operation on
// any of its ranks fails with it.
var ErrCommunication = errors.New("communication failure")

// NumDevicesEnvVar is the environment variable holding the number of devices in the
// default World. If unset, the default World has a single device.
const NumDevicesEnvVar = "GOMLX_MESH_DEVICES"

// World is a group of communicating devices. It owns one Communicator per rank and the
// channel fabric connecting them.
type World struct {
	size int

	// channels[from][to] carries messages from rank "from" to rank "to".
	// Buffered so that the send side of a collective never blocks.
	channels [][]chan message

	comms []*Communicator

	bytesSent     atomic.Uint64
	messagesSent  atomic.Uint64
	abortOnce     sync.Once
	abortedSignal chan struct{}
	abortErr      error
}

type message struct {
	from    distributed.DeviceNum
	payload []byte
}

// NewWorld creates a World with the given number of devices, numbered 0 to size-1.
func NewWorld(size int) (*World, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "world size must be > 0, got %d", size)
	}
	w := &World{
		size:          size,
		channels:      make([][]chan message, size),
		comms:         make([]*Communicator, size),
		abortedSignal: make(chan struct{}),
	}
	for from := range w.channels {
		w.channels[from] = make([]chan message, size)
		for to := range w.channels[from] {
			w.channels[from][to] = make(chan message, size)
		}
	}
	for rank := range w.comms {
		w.comms[rank] = &Communicator{world: w, rank: distributed.DeviceNum(rank)}
	}
	klog.V(1).Infof("comms: created World with %d devices", size)
	return w, nil
}

var (
	defaultWorld   *World
	defaultWorldMu sync.Mutex
)

// Default returns the process-wide World, creating it on first use from the ambient
// configuration: the NumDevicesEnvVar ("GOMLX_MESH_DEVICES") environment variable gives
// the number of devices, defaulting to 1 if unset.
//
// Repeated calls return the same World. If the ambient configuration changed since the
// World was created and now requests a different size, Default returns an error wrapping
// ErrConfiguration instead of silently serving a World of the wrong size.
func Default() (*World, error) {
	defaultWorldMu.Lock()
	defer defaultWorldMu.Unlock()
	size, err := numDevicesFromEnv()
	if err != nil {
		return nil, err
	}
	if defaultWorld != nil {
		if defaultWorld.size != size {
			return nil, errors.Wrapf(ErrConfiguration,
				"default World was created with %d devices, but %s now requests %d",
				defaultWorld.size, NumDevicesEnvVar, size)
		}
		return defaultWorld, nil
	}
	defaultWorld, err = NewWorld(size)
	return defaultWorld, err
}

// ResetDefault discards the process-wide World, if any. The next call to Default creates
// a fresh one. Meant for teardown between independent runs.
func ResetDefault() {
	defaultWorldMu.Lock()
	defer defaultWorldMu.Unlock()
	if defaultWorld != nil {
		defaultWorld.Abort(errors.New("world reset"))
		defaultWorld = nil
	}
}

func numDevicesFromEnv() (int, error) {
	value := os.Getenv(NumDevicesEnvVar)
	if value == "" {
		return 1, nil
	}
	size, err := strconv.Atoi(value)
	if err != nil || size <= 0 {
		return 0, errors.Wrapf(ErrConfiguration, "%s=%q must be a positive integer",
			NumDevicesEnvVar, value)
	}
	return size, nil
}

// Size returns the number of devices in the World.
func (w *World) Size() int { return w.size }

// Rank returns the Communicator for the given rank. It panics if rank is out of range:
// ranks are fixed at World construction, asking for another one is a programming error.
func (w *World) Rank(rank distributed.DeviceNum) *Communicator {
	return w.comms[rank]
}

// Abort marks the World as failed. Every pending and subsequent communication operation
// on any rank returns an error wrapping ErrCommunication. The first cause wins; later
// calls are no-ops.
func (w *World) Abort(cause error) {
	w.abortOnce.Do(func() {
		w.abortErr = cause
		close(w.abortedSignal)
		klog.V(1).Infof("comms: World aborted: %v", cause)
	})
}

// Aborted returns the error the World was aborted with, or nil if it is still healthy.
func (w *World) Aborted() error {
	select {
	case <-w.abortedSignal:
		return w.abortErr
	default:
		return nil
	}
}

// Stats returns a human-readable one-line summary of the traffic through the World.
func (w *World) Stats() string {
	return "comms: " + humanize.Comma(int64(w.messagesSent.Load())) + " messages, " +
		humanize.Bytes(w.bytesSent.Load()) + " sent"
}

// BytesSent returns the total payload bytes sent through the World so far.
func (w *World) BytesSent() uint64 { return w.bytesSent.Load() }
