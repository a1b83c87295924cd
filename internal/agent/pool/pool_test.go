package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/agent"
	"github.com/parley/parley/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// testOpts launches a throwaway binary; the pool tests only exercise permit
// accounting and lifecycle, never the stream.
func testOpts() agent.Options {
	return agent.Options{Command: "cat"}
}

func TestPoolWithClientLifecycle(t *testing.T) {
	p := New(Config{Name: "turns", Size: 2, MaxWait: time.Second}, newTestLogger())

	err := p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
		require.NotNil(t, c)
		st := p.Stats()
		assert.Equal(t, 1, st.Active)
		assert.Equal(t, 1, st.Available)
		return nil
	})
	require.NoError(t, err)

	st := p.Stats()
	assert.Equal(t, "turns", st.Name)
	assert.Equal(t, 2, st.MaxConcurrency)
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 2, st.Available)
	assert.Equal(t, int64(1), st.TotalRequests)
}

func TestPoolExhaustedAfterMaxWait(t *testing.T) {
	p := New(Config{Name: "turns", Size: 1, MaxWait: 50 * time.Millisecond}, newTestLogger())

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPoolExhausted), "got %v", err)

	close(release)
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, int64(2), st.TotalRequests)
}

func TestPoolCancelledWaiterLeavesPermitsBalanced(t *testing.T) {
	p := New(Config{Name: "turns", Size: 1, MaxWait: 5 * time.Second}, newTestLogger())

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.WithClient(ctx, testOpts(), func(ctx context.Context, c *agent.Client) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	close(release)
	wg.Wait()

	// The cancelled waiter must not have consumed or leaked a permit.
	err = p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Available)
}

func TestPoolReleasesPermitOnPanic(t *testing.T) {
	p := New(Config{Name: "turns", Size: 1, MaxWait: time.Second}, newTestLogger())

	func() {
		defer func() {
			require.NotNil(t, recover(), "expected the turn panic to propagate")
		}()
		_ = p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
			panic("turn blew up")
		})
	}()

	err := p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Available)
}

func TestPoolConnectFailureReleasesPermit(t *testing.T) {
	p := New(Config{Name: "turns", Size: 1, MaxWait: time.Second}, newTestLogger())

	err := p.WithClient(context.Background(), agent.Options{Command: "/nonexistent/agent-runtime"}, func(ctx context.Context, c *agent.Client) error {
		t.Fatal("fn must not run when connect fails")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect agent client")
	assert.Equal(t, 1, p.Stats().Available)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	const borrows = 10
	p := New(Config{Name: "turns", Size: size, MaxWait: 5 * time.Second}, newTestLogger())

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < borrows; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithClient(context.Background(), testOpts(), func(ctx context.Context, c *agent.Client) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Equal(t, int64(borrows), p.Stats().TotalRequests)
	assert.Equal(t, size, p.Stats().Available)
}
