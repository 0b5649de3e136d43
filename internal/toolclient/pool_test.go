package toolclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn scripts CallTool behavior per connection.
type fakeConn struct {
	mu     sync.Mutex
	calls  int
	closed bool

	// callFn decides the outcome of each call; ctx carries the deadline
	// the pool chose for the tool.
	callFn func(ctx context.Context, name string, calls int) (Result, error)
}

func (f *fakeConn) CallTool(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	fn := f.callFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, n)
	}
	return Result{Kind: KindText, Text: "ok"}, nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newTestPool builds a pool with injected dialing and a controllable clock.
// The janitor still runs but the injected clock keeps it inert.
func newTestPool(t *testing.T, cfg Config, dial func() (workerConn, error)) (*Pool, *time.Time) {
	t.Helper()
	p := NewPool(cfg)
	t.Cleanup(p.Close)

	now := time.Now()
	p.now = func() time.Time { return now }
	p.dial = func(ctx context.Context, command string, args []string, env []string) (workerConn, error) {
		return dial()
	}
	return p, &now
}

func TestInvokeReusesConnection(t *testing.T) {
	var dials atomic.Int32
	conn := &fakeConn{}
	p, _ := newTestPool(t, Config{Command: "worker"}, func() (workerConn, error) {
		dials.Add(1)
		return conn, nil
	})

	for i := 0; i < 3; i++ {
		res, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Text)
	}

	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 1, p.Stats())
}

func TestInvokeSeparateKeysSeparateConnections(t *testing.T) {
	var dials atomic.Int32
	p, _ := newTestPool(t, Config{Command: "worker"}, func() (workerConn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	})

	_, err := p.Invoke(context.Background(), "get_secure_score", nil, &Credentials{TenantID: "a", ClientID: "x"})
	require.NoError(t, err)
	_, err = p.Invoke(context.Background(), "get_secure_score", nil, &Credentials{TenantID: "b", ClientID: "x"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, 2, p.Stats())
}

func TestSlowToolGetsLongDeadline(t *testing.T) {
	fast := 50 * time.Millisecond
	slow := 5 * time.Second

	conn := &fakeConn{callFn: func(ctx context.Context, name string, calls int) (Result, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		remaining := time.Until(deadline)
		if name == "detect_privileged_user_risks" {
			// Succeeds only because the slow deadline applies.
			if remaining <= fast {
				return Result{}, context.DeadlineExceeded
			}
			return Result{Kind: KindText, Text: "scan complete"}, nil
		}
		if remaining > fast {
			return Result{}, errors.New("fast tool got slow deadline")
		}
		return Result{Kind: KindText, Text: "quick"}, nil
	}}

	p, _ := newTestPool(t, Config{Command: "worker", DefaultTimeout: fast, SlowTimeout: slow},
		func() (workerConn, error) { return conn, nil })

	res, err := p.Invoke(context.Background(), "detect_privileged_user_risks", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "scan complete", res.Text)

	res, err = p.Invoke(context.Background(), "get_secure_score", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "quick", res.Text)
}

func TestTimeoutNotRetriedAndConnectionKept(t *testing.T) {
	conn := &fakeConn{callFn: func(ctx context.Context, name string, calls int) (Result, error) {
		return Result{}, context.DeadlineExceeded
	}}
	var dials atomic.Int32
	p, _ := newTestPool(t, Config{Command: "worker", DefaultTimeout: 10 * time.Millisecond},
		func() (workerConn, error) {
			dials.Add(1)
			return conn, nil
		})

	_, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "get_secure_score", timeoutErr.Tool)

	// One call, one dial, and the connection survives.
	assert.Equal(t, 1, conn.calls)
	assert.Equal(t, int32(1), dials.Load())
	assert.False(t, conn.isClosed())
	assert.Equal(t, 1, p.Stats())
}

func TestTransportFailureRetriesOnceOnFreshConnection(t *testing.T) {
	bad := &fakeConn{callFn: func(ctx context.Context, name string, calls int) (Result, error) {
		return Result{}, errors.New("broken pipe")
	}}
	good := &fakeConn{}

	conns := []workerConn{bad, good}
	var dials atomic.Int32
	p, _ := newTestPool(t, Config{Command: "worker"}, func() (workerConn, error) {
		i := dials.Add(1) - 1
		return conns[i], nil
	})

	res, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)

	// The failed connection was evicted and closed; its replacement served
	// the retry.
	assert.Equal(t, int32(2), dials.Load())
	assert.True(t, bad.isClosed())
	assert.False(t, good.isClosed())
	assert.Equal(t, 1, p.Stats())
}

func TestDoubleFailureLeavesNoPoolEntry(t *testing.T) {
	var dials atomic.Int32
	p, _ := newTestPool(t, Config{Command: "worker"}, func() (workerConn, error) {
		dials.Add(1)
		return &fakeConn{callFn: func(ctx context.Context, name string, calls int) (Result, error) {
			return Result{}, errors.New("broken pipe")
		}}, nil
	})

	_, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, int32(2), dials.Load())
	assert.Equal(t, 0, p.Stats())
}

func TestDialFailureSurfacesConnectionError(t *testing.T) {
	p, _ := newTestPool(t, Config{Command: "worker"}, func() (workerConn, error) {
		return nil, errors.New("spawn failed")
	})

	_, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "default", connErr.Key)
	assert.Equal(t, 0, p.Stats())
}

func TestErrorResultIsNotRetried(t *testing.T) {
	// A tool that ran and reported failure means the connection is healthy.
	conn := &fakeConn{callFn: func(ctx context.Context, name string, calls int) (Result, error) {
		return Result{Kind: KindError, ErrMessage: "unknown tool"}, nil
	}}
	p, _ := newTestPool(t, Config{Command: "worker"}, func() (workerConn, error) { return conn, nil })

	res, err := p.Invoke(context.Background(), "bogus_tool", nil, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.Equal(t, 1, conn.calls)
	assert.False(t, conn.isClosed())
}

func TestIdleConnectionEvictedOnAccess(t *testing.T) {
	var dials atomic.Int32
	first := &fakeConn{}
	second := &fakeConn{}
	conns := []workerConn{first, second}
	p, now := newTestPool(t, Config{Command: "worker", IdleTimeout: time.Minute},
		func() (workerConn, error) {
			i := dials.Add(1) - 1
			return conns[i], nil
		})

	_, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load())

	// Within the idle window the connection is reused.
	*now = now.Add(30 * time.Second)
	_, err = p.Invoke(context.Background(), "get_secure_score", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load())

	// Past the idle window the stale connection is dropped on access.
	*now = now.Add(2 * time.Minute)
	_, err = p.Invoke(context.Background(), "get_secure_score", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), dials.Load())
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
}

func TestSweepClosesIdleConnections(t *testing.T) {
	conn := &fakeConn{}
	p, now := newTestPool(t, Config{Command: "worker", IdleTimeout: time.Minute},
		func() (workerConn, error) { return conn, nil })

	_, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, p.Stats())

	*now = now.Add(2 * time.Minute)
	p.sweep()

	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, p.Stats())
}

func TestConcurrentFirstUseDialsOnce(t *testing.T) {
	var dials atomic.Int32
	p, _ := newTestPool(t, Config{Command: "worker"}, func() (workerConn, error) {
		dials.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &fakeConn{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 1, p.Stats())
}

func TestCloseTearsDownConnections(t *testing.T) {
	conn := &fakeConn{}
	p := NewPool(Config{Command: "worker"})
	p.dial = func(ctx context.Context, command string, args []string, env []string) (workerConn, error) {
		return conn, nil
	}

	_, err := p.Invoke(context.Background(), "get_secure_score", nil, nil)
	require.NoError(t, err)

	p.Close()
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, p.Stats())
}

func TestPoolKey(t *testing.T) {
	assert.Equal(t, "default", (*Credentials)(nil).PoolKey())
	assert.Equal(t, "default", (&Credentials{}).PoolKey())
	assert.Equal(t, "t1/c1", (&Credentials{TenantID: "t1", ClientID: "c1"}).PoolKey())
}
