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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/resource"
)

// State represents the lifecycle state of a pooled connection.
type State int32

// Pooled connection states.
const (
	_ State = iota
	Connecting
	Ready
	Busy
	Closing
	Closed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// request is a single unit of work queued on a connection.
type request struct {
	ctx  context.Context
	sql  string
	args []any
	exec bool
	res  chan response
}

// response is the outcome of a request.
type response struct {
	result       *driver.Result
	rowsAffected int64
	err          error
}

// Conn is a single physical connection owned by the pool.
//
// Requests submitted to the same Conn are executed strictly in submission
// order by a single worker goroutine; the backlog is the number of requests
// queued or in flight.
type Conn struct {
	id        uuid.UUID
	createdAt time.Time
	l         *zap.Logger

	// dc is set once the physical connection is established (state Connecting before that).
	dc driver.Conn

	queue   chan *request
	backlog atomic.Int32
	state   atomic.Int32

	// qmu guards enqueueing against the final drain in finish:
	// once drained is set, nothing serves the queue anymore.
	qmu     sync.RWMutex
	drained bool

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	// onClose removes this connection from the owner's live set.
	// It is called exactly once, after the physical connection is closed.
	onClose func(*Conn)

	token *resource.Token
}

// newConn returns a connection in the Connecting state.
//
// The physical connection is attached later with [Conn.attach];
// requests may be enqueued in the meantime and are served once the worker starts.
func newConn(queueCap int, onClose func(*Conn), l *zap.Logger) *Conn {
	id := uuid.New()

	c := &Conn{
		id:        id,
		createdAt: time.Now(),
		l:         l.With(zap.String("conn", id.String())),
		queue:     make(chan *request, queueCap),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		onClose:   onClose,
		token:     resource.NewToken(),
	}

	c.state.Store(int32(Connecting))

	resource.Track(c, c.token)

	return c
}

// attach sets the established physical connection and starts the worker.
func (c *Conn) attach(dc driver.Conn) {
	c.dc = dc
	c.state.CompareAndSwap(int32(Connecting), int32(Ready))

	go c.run()
}

// ID returns the connection identity.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Backlog returns the number of requests queued or in flight.
func (c *Conn) Backlog() int {
	return int(c.backlog.Load())
}

// expired reports whether the connection outlived the given TTL.
// Zero TTL means connections never expire.
func (c *Conn) expired(ttl time.Duration) bool {
	return ttl > 0 && time.Since(c.createdAt) > ttl
}

// idle reports whether the connection is ready with an empty backlog.
func (c *Conn) idle() bool {
	return c.State() == Ready && c.Backlog() == 0
}

// Query submits a statement and waits for its buffered result.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (*driver.Result, error) {
	resp, err := c.do(ctx, &request{ctx: ctx, sql: sql, args: args, res: make(chan response, 1)})
	if err != nil {
		return nil, err
	}

	return resp.result, resp.err
}

// Exec submits a statement that returns no rows and waits for the affected-rows count.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	resp, err := c.do(ctx, &request{ctx: ctx, sql: sql, args: args, exec: true, res: make(chan response, 1)})
	if err != nil {
		return 0, err
	}

	return resp.rowsAffected, resp.err
}

// do enqueues the request and waits for its response.
func (c *Conn) do(ctx context.Context, req *request) (response, error) {
	switch c.State() {
	case Closing, Closed:
		return response{}, driver.ErrConnClosed
	case Connecting, Ready, Busy:
		// continue
	}

	// The read lock makes the enqueue atomic with respect to the final drain:
	// a request either lands in the queue before finish drains it,
	// or observes drained and is rejected. Without it a request could be
	// enqueued after the drain and strand its caller forever.
	c.qmu.RLock()

	if c.drained {
		c.qmu.RUnlock()
		return response{}, driver.ErrConnClosed
	}

	c.backlog.Add(1)

	select {
	case c.queue <- req:
		c.qmu.RUnlock()

	case <-c.closing:
		c.qmu.RUnlock()
		c.backlog.Add(-1)

		return response{}, driver.ErrConnClosed

	case <-ctx.Done():
		c.qmu.RUnlock()
		c.backlog.Add(-1)

		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.res:
		return resp, nil

	case <-ctx.Done():
		// The worker still executes the request with the canceled context
		// and sends the response into the buffered channel; nothing leaks.
		return response{}, ctx.Err()
	}
}

// run is the worker loop. It serves requests strictly in submission order.
func (c *Conn) run() {
	for {
		select {
		case req := <-c.queue:
			c.serve(req)

		case <-c.closing:
			// Drain the backlog before closing the physical connection.
			for {
				select {
				case req := <-c.queue:
					c.serve(req)
				default:
					c.finish()
					return
				}
			}
		}
	}
}

// serve executes a single request.
func (c *Conn) serve(req *request) {
	c.state.CompareAndSwap(int32(Ready), int32(Busy))

	var resp response
	if req.exec {
		resp.rowsAffected, resp.err = c.dc.Exec(req.ctx, req.sql, req.args...)
	} else {
		resp.result, resp.err = c.dc.Query(req.ctx, req.sql, req.args...)
	}

	req.res <- resp

	if c.backlog.Add(-1) == 0 {
		c.state.CompareAndSwap(int32(Busy), int32(Ready))
	}
}

// Close closes the connection once its backlog drains.
//
// It returns immediately; pending requests are still served,
// new requests are rejected with [driver.ErrConnClosed].
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))
		close(c.closing)
	})
}

// abort closes a connection whose physical dial never succeeded.
//
// The worker never started, so the queue is failed here directly.
func (c *Conn) abort() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))
		close(c.closing)
	})

	c.finish()
}

// finish closes the physical connection and signals the owner.
func (c *Conn) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.dc != nil {
		if err := c.dc.Close(ctx); err != nil {
			c.l.Warn("Failed to close physical connection", zap.Error(err))
		}
	}

	c.state.Store(int32(Closed))

	// After this point nothing serves the queue;
	// mark it drained so late submitters are rejected instead of enqueueing.
	c.qmu.Lock()
	c.drained = true
	c.qmu.Unlock()

	// Fail whatever was enqueued before the flag was set.
	for {
		select {
		case req := <-c.queue:
			req.res <- response{err: driver.ErrConnClosed}
			c.backlog.Add(-1)
		default:
			if c.onClose != nil {
				c.onClose(c)
			}

			resource.Untrack(c, c.token)
			close(c.done)

			return
		}
	}
}

// Done returns a channel that is closed once the connection is fully closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
