package comms

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/multidevice/distributed"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Communicator is the communication endpoint of one rank in a World. All inter-device
// data movement goes through it; tensors are serialized on send and rebuilt on receive,
// so sender and receiver never share buffers.
//
// A Communicator is used by a single rank (goroutine) at a time.
type Communicator struct {
	world *World
	rank  distributed.DeviceNum
}

// Rank returns the rank this Communicator belongs to.
func (c *Communicator) Rank() distributed.DeviceNum { return c.rank }

// World returns the World this Communicator belongs to.
func (c *Communicator) World() *World { return c.world }

func (c *Communicator) assertPeer(peer distributed.DeviceNum) {
	if peer < 0 || int(peer) >= c.world.size {
		exceptions.Panicf("rank #%d is not part of a World of size %d", peer, c.world.size)
	}
	if peer == c.rank {
		exceptions.Panicf("rank #%d cannot send to or receive from itself", c.rank)
	}
}

// failf aborts the World and returns an error wrapping ErrCommunication. Any
// communication failure is fatal to the whole group.
func (c *Communicator) failf(cause error, format string, args ...any) error {
	err := errors.Wrapf(ErrCommunication, format+": %v", append(args, cause)...)
	c.world.Abort(err)
	return err
}

// Send transmits a copy of tensor t to rank "to". It blocks until the message is handed
// to the fabric or until ctx is canceled or the World is aborted.
func (c *Communicator) Send(ctx context.Context, to distributed.DeviceNum, t *tensors.Tensor) error {
	c.assertPeer(to)
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := t.GobSerialize(enc); err != nil {
		return c.failf(err, "rank #%d: failed to encode tensor for rank #%d", c.rank, to)
	}
	return c.sendBytes(ctx, to, buf.Bytes())
}

// Recv blocks until a message from rank "from" arrives, and returns the tensor it
// carries. Messages from the same sender arrive in the order they were sent.
func (c *Communicator) Recv(ctx context.Context, from distributed.DeviceNum) (*tensors.Tensor, error) {
	c.assertPeer(from)
	payload, err := c.recvBytes(ctx, from)
	if err != nil {
		return nil, err
	}
	dec := gob.NewDecoder(bytes.NewReader(payload))
	t, err := tensors.GobDeserialize(dec)
	if err != nil {
		return nil, c.failf(err, "rank #%d: failed to decode tensor from rank #%d", c.rank, from)
	}
	return t, nil
}

func (c *Communicator) sendBytes(ctx context.Context, to distributed.DeviceNum, payload []byte) error {
	if err := c.world.Aborted(); err != nil {
		return c.failf(err, "rank #%d: send to rank #%d on aborted world", c.rank, to)
	}
	msg := message{from: c.rank, payload: payload}
	select {
	case c.world.channels[c.rank][to] <- msg:
		c.world.messagesSent.Add(1)
		c.world.bytesSent.Add(uint64(len(payload)))
		if klog.V(2).Enabled() {
			klog.Infof("comms: rank #%d -> rank #%d: %d bytes", c.rank, to, len(payload))
		}
		return nil
	case <-ctx.Done():
		return c.failf(ctx.Err(), "rank #%d: send to rank #%d canceled", c.rank, to)
	case <-c.world.abortedSignal:
		return c.failf(c.world.abortErr, "rank #%d: send to rank #%d on aborted world", c.rank, to)
	}
}

func (c *Communicator) recvBytes(ctx context.Context, from distributed.DeviceNum) ([]byte, error) {
	select {
	case msg := <-c.world.channels[from][c.rank]:
		return msg.payload, nil
	case <-ctx.Done():
		return nil, c.failf(ctx.Err(), "rank #%d: recv from rank #%d canceled", c.rank, from)
	case <-c.world.abortedSignal:
		return nil, c.failf(c.world.abortErr, "rank #%d: recv from rank #%d on aborted world", c.rank, from)
	}
}

// Broadcast distributes the root's tensor to every rank. The root passes the tensor to
// send (and gets it back); every other rank passes nil and receives the root's tensor.
//
// It is a collective: all ranks of the World must call it, in the same order relative to
// other collectives.
func (c *Communicator) Broadcast(ctx context.Context, root distributed.DeviceNum, t *tensors.Tensor) (*tensors.Tensor, error) {
	if root < 0 || int(root) >= c.world.size {
		exceptions.Panicf("broadcast root #%d is not part of a World of size %d", root, c.world.size)
	}
	if c.rank != root {
		return c.Recv(ctx, root)
	}
	for to := distributed.DeviceNum(0); int(to) < c.world.size; to++ {
		if to == root {
			continue
		}
		if err := c.Send(ctx, to, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AllGather exchanges tensors between all ranks: every rank contributes one tensor and
// receives the tensors of all ranks, indexed by rank. The caller's own slot holds the
// tensor it passed in.
//
// It is a collective: all ranks of the World must call it, in the same order relative to
// other collectives. The channel fabric buffers one message per (sender, receiver) pair,
// so the send phase never blocks and ranks cannot deadlock on each other.
func (c *Communicator) AllGather(ctx context.Context, t *tensors.Tensor) ([]*tensors.Tensor, error) {
	if c.world.size == 1 {
		return []*tensors.Tensor{t}, nil
	}
	for to := distributed.DeviceNum(0); int(to) < c.world.size; to++ {
		if to == c.rank {
			continue
		}
		if err := c.Send(ctx, to, t); err != nil {
			return nil, err
		}
	}
	gathered := make([]*tensors.Tensor, c.world.size)
	gathered[c.rank] = t
	for from := distributed.DeviceNum(0); int(from) < c.world.size; from++ {
		if from == c.rank {
			continue
		}
		received, err := c.Recv(ctx, from)
		if err != nil {
			return nil, err
		}
		gathered[from] = received
	}
	return gathered, nil
}

// Barrier blocks until every rank of the World has entered it. It is a collective and
// must be issued in the same order by all ranks.
func (c *Communicator) Barrier(ctx context.Context) error {
	if c.world.size == 1 {
		return nil
	}
	for to := distributed.DeviceNum(0); int(to) < c.world.size; to++ {
		if to == c.rank {
			continue
		}
		if err := c.sendBytes(ctx, to, nil); err != nil {
			return err
		}
	}
	for from := distributed.DeviceNum(0); int(from) < c.world.size; from++ {
		if from == c.rank {
			continue
		}
		if _, err := c.recvBytes(ctx, from); err != nil {
			return err
		}
	}
	return nil
}
