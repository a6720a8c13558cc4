package comms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/multidevice/distributed"
	"github.com/gomlx/multidevice/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks executes fn concurrently for every rank of the World, one goroutine per rank,
// and returns the per-rank errors.
func runRanks(w *World, fn func(c *Communicator) error) []error {
	errs := make([]error, w.Size())
	var wg sync.WaitGroup
	for rank := 0; rank < w.Size(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(w.Rank(distributed.DeviceNum(rank)))
		}(rank)
	}
	wg.Wait()
	return errs
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank #%d", rank)
	}
}

func TestSendRecv(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx := context.Background()
	sent := tensors.FromValue([][]float32{{1, 2}, {3, 4}})

	var received *tensors.Tensor
	errs := runRanks(w, func(c *Communicator) error {
		if c.Rank() == 0 {
			return c.Send(ctx, 1, sent)
		}
		var err error
		received, err = c.Recv(ctx, 0)
		return err
	})
	requireNoErrors(t, errs)
	require.True(t, sent.Equal(received))

	// The receiver got a copy, not a reference to the sender's buffers.
	assert.NotSame(t, sent, received)
	tensors.MutableFlatData(received, func(flat []float32) { flat[0] = 100 })
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.CopyFlatData[float32](sent))
}

func TestSendRecvOrdering(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx := context.Background()
	const numMessages = 5

	errs := runRanks(w, func(c *Communicator) error {
		if c.Rank() == 0 {
			for i := 0; i < numMessages; i++ {
				if err := c.Send(ctx, 1, tensors.FromScalar(int32(i))); err != nil {
					return err
				}
			}
			return nil
		}
		for i := 0; i < numMessages; i++ {
			got, err := c.Recv(ctx, 0)
			if err != nil {
				return err
			}
			if value := tensors.ToScalar[int32](got); value != int32(i) {
				return errors.Errorf("message #%d carried %d, messages out of order", i, value)
			}
		}
		return nil
	})
	requireNoErrors(t, errs)
}

func TestBroadcast(t *testing.T) {
	w, err := NewWorld(4)
	require.NoError(t, err)
	ctx := context.Background()
	const root = distributed.DeviceNum(1)
	payload := tensors.FromValue([]float64{3.5, 4.5})

	results := make([]*tensors.Tensor, w.Size())
	errs := runRanks(w, func(c *Communicator) error {
		var input *tensors.Tensor
		if c.Rank() == root {
			input = payload
		}
		got, err := c.Broadcast(ctx, root, input)
		if err != nil {
			return err
		}
		results[c.Rank()] = got
		return nil
	})
	requireNoErrors(t, errs)
	for rank, got := range results {
		assert.Truef(t, payload.Equal(got), "rank #%d received a different tensor", rank)
	}
}

func TestAllGather(t *testing.T) {
	w, err := NewWorld(3)
	require.NoError(t, err)
	ctx := context.Background()

	gathered := make([][]*tensors.Tensor, w.Size())
	errs := runRanks(w, func(c *Communicator) error {
		contribution := tensors.FromScalar(float32(c.Rank()))
		got, err := c.AllGather(ctx, contribution)
		if err != nil {
			return err
		}
		gathered[c.Rank()] = got
		return nil
	})
	requireNoErrors(t, errs)
	for rank, got := range gathered {
		require.Lenf(t, got, 3, "rank #%d", rank)
		for from, tensor := range got {
			assert.Equalf(t, float32(from), tensors.ToScalar[float32](tensor),
				"rank #%d, slot #%d", rank, from)
		}
	}
	assert.Greater(t, w.BytesSent(), uint64(0))
	assert.NotEmpty(t, w.Stats())
}

func TestBarrier(t *testing.T) {
	w, err := NewWorld(3)
	require.NoError(t, err)
	ctx := context.Background()

	var beforeBarrier sync.WaitGroup
	beforeBarrier.Add(w.Size())
	errs := runRanks(w, func(c *Communicator) error {
		beforeBarrier.Done()
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		// If the barrier released us, every rank must have entered it already.
		done := make(chan struct{})
		go func() { beforeBarrier.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("barrier released before all ranks entered it")
		}
	})
	requireNoErrors(t, errs)
}

func TestAbortIsFatalToTheGroup(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx := context.Background()

	recvErr := make(chan error, 1)
	go func() {
		_, err := w.Rank(1).Recv(ctx, 0)
		recvErr <- err
	}()

	cause := errors.New("device lost")
	w.Abort(cause)

	// The pending receive fails.
	select {
	case err := <-recvErr:
		assert.True(t, errors.Is(err, ErrCommunication))
	case <-time.After(5 * time.Second):
		t.Fatal("pending Recv did not fail after abort")
	}

	// So does every subsequent operation, on any rank.
	err = w.Rank(0).Send(ctx, 1, tensors.FromScalar(float32(1)))
	assert.True(t, errors.Is(err, ErrCommunication))
	assert.Equal(t, cause, w.Aborted())
}

func TestCanceledContext(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Rank(0).Recv(ctx, 1)
	assert.True(t, errors.Is(err, ErrCommunication))
}

func TestInvalidPeersPanic(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)
	ctx := context.Background()
	assert.Panics(t, func() { _ = w.Rank(0).Send(ctx, 2, tensors.FromScalar(float32(1))) })
	assert.Panics(t, func() { _, _ = w.Rank(0).Recv(ctx, 0) })
	assert.Panics(t, func() { _, _ = w.Rank(0).Broadcast(ctx, -1, nil) })
}

func TestDefaultWorldFromEnv(t *testing.T) {
	t.Setenv(NumDevicesEnvVar, "3")
	ResetDefault()
	defer ResetDefault()

	w, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 3, w.Size())

	// Lazy singleton: repeated calls return the same instance.
	again, err := Default()
	require.NoError(t, err)
	assert.Same(t, w, again)

	// A conflicting ambient size is a configuration error, not a silent resize.
	t.Setenv(NumDevicesEnvVar, "4")
	_, err = Default()
	assert.True(t, errors.Is(err, ErrConfiguration))

	t.Setenv(NumDevicesEnvVar, "not-a-number")
	ResetDefault()
	_, err = Default()
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = NewWorld(0)
	assert.True(t, errors.Is(err, ErrConfiguration))
}
