// Copyright 2024 Stratum Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubConn implements driver.Conn for tests.
// If block is non-nil, every statement waits until it is closed.
type stubConn struct {
	block <-chan struct{}

	mu     sync.Mutex
	stmts  []string
	closed bool
}

func (c *stubConn) wait(ctx context.Context) error {
	if c.block == nil {
		return nil
	}

	select {
	case <-c.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *stubConn) Query(ctx context.Context, sql string, args ...any) (*driver.Result, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stmts = append(c.stmts, sql)

	return &driver.Result{Columns: []string{"ok"}, Rows: [][]any{{true}}}, nil
}

func (c *stubConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stmts = append(c.stmts, sql)

	return 1, nil
}

func (c *stubConn) Ping(context.Context) error { return nil }

func (c *stubConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

// stubConnector implements driver.Connector for tests.
type stubConnector struct {
	dials atomic.Int32
	block chan struct{}
	once  sync.Once
}

func (c *stubConnector) Connect(context.Context) (driver.Conn, error) {
	c.dials.Add(1)
	return &stubConn{block: c.block}, nil
}

func (c *stubConnector) DSN() string      { return "stub://local/test" }
func (c *stubConnector) Username() string { return "tester" }

// release unblocks all statements. Safe to call multiple times.
func (c *stubConnector) release() {
	if c.block == nil {
		return
	}

	c.once.Do(func() { close(c.block) })
}

// newTestPool creates a pool over a stub connector and arranges cleanup:
// statements are unblocked first, then the pool is closed.
func newTestPool(t *testing.T, connector *stubConnector, config *Config) *Pool {
	t.Helper()

	p, err := New(connector, config)
	require.NoError(t, err)

	t.Cleanup(p.Close)
	t.Cleanup(connector.release)

	return p
}

// makeBusy submits a blocked statement and waits until it is in flight.
func makeBusy(t *testing.T, ctx context.Context, c *Conn) {
	t.Helper()

	go func() {
		_, _ = c.Query(ctx, "SELECT pg_sleep(1)")
	}()

	require.Eventually(t, func() bool { return c.Backlog() > 0 }, time.Second, time.Millisecond)
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(&stubConnector{}, &Config{MaxConns: -1})
	assert.Error(t, err)
}

func TestAcquireIdleFirst(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 4, Logger: testutil.Logger(t)})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, Ready, c1.State())

	// an idle connection must be reused, never a new one created
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())
	assert.EqualValues(t, 1, connector.dials.Load())
}

func TestAcquireNewOverBusyBelowCap(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{block: make(chan struct{})}
	p := newTestPool(t, connector, &Config{MaxConns: 4, Logger: testutil.Logger(t)})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	makeBusy(t, ctx, c1)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.EqualValues(t, 2, connector.dials.Load())
}

func TestAcquireLeastBusyAtCap(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{block: make(chan struct{})}
	p := newTestPool(t, connector, &Config{MaxConns: 2, MaxQueue: 100, Logger: testutil.Logger(t)})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	makeBusy(t, ctx, c1)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	makeBusy(t, ctx, c2)

	// second blocked statement makes c1 strictly busier
	makeBusy(t, ctx, c1)
	require.Equal(t, 2, c1.Backlog())
	require.Equal(t, 1, c2.Backlog())

	c3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, c2.ID(), c3.ID())
	assert.EqualValues(t, 2, connector.dials.Load())
}

func TestPoolBound(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{block: make(chan struct{})}
	p := newTestPool(t, connector, &Config{MaxConns: 3, MaxQueue: 1000, Logger: testutil.Logger(t)})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			c, err := p.Acquire(ctx)
			if err != nil {
				return
			}

			go func() {
				_, _ = c.Query(ctx, "SELECT 1")
			}()
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, p.Len(), 3)
	assert.LessOrEqual(t, int(connector.dials.Load()), 3)

	connector.release()
}

func TestAcquireExhausted(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{block: make(chan struct{})}
	p := newTestPool(t, connector, &Config{MaxConns: 1, MaxQueue: 2, Logger: testutil.Logger(t)})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	makeBusy(t, ctx, c1)
	makeBusy(t, ctx, c1)
	require.Equal(t, 2, c1.Backlog())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestConnTTL(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 2, ConnTTL: 10 * time.Millisecond, Logger: testutil.Logger(t)})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// the expired connection is not reused; a new one is created and the old one retires
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())

	require.Eventually(t, func() bool { return p.Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Closed, c1.State())
}

func TestNewConnDedicated(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 2, Logger: testutil.Logger(t)})

	c, err := p.NewConn(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())

	// dedicated connections are not selectable for pooled traffic
	assert.Nil(t, p.AcquireIdle())

	c.Close()
	<-c.Done()
	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, time.Millisecond)
}

func TestNewConnWaitsAtCap(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 1, Logger: testutil.Logger(t)})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Conn)

	go func() {
		c, err := p.NewConn(ctx, false)
		require.NoError(t, err)
		got <- c
	}()

	// the caller must be parked in the waitlist
	require.Eventually(t, func() bool { return p.wl.len() == 1 }, time.Second, time.Millisecond)

	c1.Close()

	c2 := <-got
	assert.Equal(t, 1, p.Len())

	c2.Close()
	<-c2.Done()
}

func TestNewConnWaitCanceled(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 1, Logger: testutil.Logger(t)})

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	_, err = p.NewConn(shortCtx, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.wl.len())
}

func TestConnOrdering(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 1, Logger: testutil.Logger(t)})

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = c.Exec(ctx, "BEGIN")
	require.NoError(t, err)
	_, err = c.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	require.NoError(t, err)

	sc := c.dc.(*stubConn)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	assert.Equal(t, []string{"BEGIN", "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE"}, sc.stmts)
}

func TestConnClosedUse(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 1, Logger: testutil.Logger(t)})

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	c.Close()
	<-c.Done()

	_, err = c.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, driver.ErrConnClosed)
}

func TestConnCloseSubmitRace(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}
	p := newTestPool(t, connector, &Config{MaxConns: 1, Logger: testutil.Logger(t)})

	// Race submissions against Close. Every submission must either be
	// served or rejected with ErrConnClosed; none may land in a queue
	// nobody serves anymore and strand its caller.
	for i := 0; i < 200; i++ {
		c, err := p.NewConn(ctx, false)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 4)

		for j := 0; j < 4; j++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := c.Query(ctx, "SELECT 1")
				errs <- err
			}()
		}

		c.Close()

		returned := make(chan struct{})
		go func() {
			wg.Wait()
			close(returned)
		}()

		select {
		case <-returned:
		case <-time.After(5 * time.Second):
			t.Fatal("submission stranded after close")
		}

		close(errs)
		for err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, driver.ErrConnClosed)
			}
		}

		<-c.Done()
		assert.Equal(t, 0, c.Backlog())
	}
}

func TestPoolClosed(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	connector := &stubConnector{}

	p, err := New(connector, &Config{MaxConns: 1, Logger: testutil.Logger(t)})
	require.NoError(t, err)

	p.Close()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// closing again is a no-op
	p.Close()
}
