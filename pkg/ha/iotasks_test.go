package ha

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunWithIO(t *testing.T) {
	gens := []IOGenerator{newFakeGenerator("client-1"), newFakeGenerator("client-2")}

	called := false
	outputs, err := RunWithIO(context.Background(), gens, time.Millisecond, time.Second, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
	require.Len(t, outputs, 2)

	failure := fmt.Errorf("failover timed out")
	_, err = RunWithIO(context.Background(), gens, 0, time.Second, func() error {
		return failure
	})
	require.Equal(t, failure, err)

	for _, g := range gens {
		runs, stops := g.(*fakeGenerator).counts()
		require.Equal(t, 2, runs)
		require.Equal(t, 2, stops)
	}
}

// stuckGenerator ignores stop requests and only ends when cancelled
type stuckGenerator struct{}

func (stuckGenerator) String() string { return "stuck" }

func (stuckGenerator) RunIO(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (stuckGenerator) StopIO(ctx context.Context) error {
	return fmt.Errorf("pkill failed")
}

func TestRunWithIOCancelsStuckWorkloads(t *testing.T) {
	start := time.Now()
	outputs, err := RunWithIO(context.Background(), []IOGenerator{stuckGenerator{}}, 0, 20*time.Millisecond, func() error {
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, outputs)
	require.Less(t, time.Since(start), time.Second)

	tasks := startIO(context.Background(), []IOGenerator{stuckGenerator{}})
	_, ioErr := tasks.shutdown(20 * time.Millisecond)
	require.ErrorContains(t, ioErr, "[ stuck ] failed to stop IO: pkill failed")
}

// refusingGenerator cannot attach to the gateways
type refusingGenerator struct{ stuckGenerator }

func (refusingGenerator) Connect(ctx context.Context) error {
	return fmt.Errorf("nvme connect failed")
}

func TestConnectAll(t *testing.T) {
	a, b := newFakeGenerator("client-1"), newFakeGenerator("client-2")
	require.NoError(t, ConnectAll(context.Background(), []IOGenerator{a, stuckGenerator{}, b}))
	require.True(t, a.connected)
	require.True(t, b.connected)

	err := ConnectAll(context.Background(), []IOGenerator{a, refusingGenerator{}})
	require.ErrorContains(t, err, "nvme connect failed")
}
