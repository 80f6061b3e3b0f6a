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

// Package pool provides a bounded pool of physical database connections
// with least-busy selection and TTL-based retirement.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratumdb/stratum/internal/driver"
	"github.com/stratumdb/stratum/internal/util/ctxutil"
	"github.com/stratumdb/stratum/internal/util/lazyerrors"
	"github.com/stratumdb/stratum/internal/util/observability"
	"github.com/stratumdb/stratum/internal/util/resource"
)

var (
	// ErrPoolClosed is returned when the pool is closed.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolExhausted is returned when no connection can be provided
	// and no queueing capacity remains.
	// It indicates a configuration problem, not a transient condition;
	// callers should not blindly retry without backoff.
	ErrPoolExhausted = errors.New("pool is exhausted")
)

// Config represents pool configuration.
type Config struct {
	// MaxConns is the hard cap on simultaneous physical connections,
	// dedicated connections included. Default is 32.
	MaxConns int

	// MaxQueue caps both the total backlog across pooled connections
	// and the number of callers waiting for a connection slot. Default is 256.
	MaxQueue int

	// ConnTTL is the maximum lifetime of a connection before forced replacement.
	// An expired connection is not reused for new checkouts
	// and is closed once its backlog drains. Zero disables expiry.
	ConnTTL time.Duration

	// Logger is used (named) for pool logging. If nil, zap.NewNop() is used.
	Logger *zap.Logger
}

// setDefaults fills zero fields with defaults.
func (c *Config) setDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 32
	}

	if c.MaxQueue == 0 {
		c.MaxQueue = 256
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Pool owns a bounded set of connections, creates them lazily up to MaxConns,
// selects the least busy one for each unit of work,
// and retires connections on close or TTL expiry.
type Pool struct {
	connector driver.Connector
	maxConns  int
	maxQueue  int
	connTTL   time.Duration
	l         *zap.Logger
	wl        *waitlist
	token     *resource.Token

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	mu        sync.Mutex
	conns     []*Conn
	dedicated int
	closed    bool
}

// New validates the configuration and returns a new pool.
// Connections are established lazily.
func New(connector driver.Connector, config *Config) (*Pool, error) {
	if connector == nil {
		return nil, lazyerrors.New("connector is required")
	}

	if config == nil {
		config = new(Config)
	}

	if config.MaxConns < 0 || config.MaxQueue < 0 {
		return nil, lazyerrors.New("MaxConns and MaxQueue must not be negative")
	}

	config.setDefaults()

	p := &Pool{
		connector: connector,
		maxConns:  config.MaxConns,
		maxQueue:  config.MaxQueue,
		connTTL:   config.ConnTTL,
		l:         config.Logger.Named("pool"),
		wl:        newWaitlist(),
		token:     resource.NewToken(),
	}

	resource.Track(p, p.token)

	if p.connTTL > 0 {
		var sweepCtx context.Context
		sweepCtx, p.sweepCancel = context.WithCancel(context.Background())
		p.sweepDone = make(chan struct{})

		go p.sweep(sweepCtx)
	}

	return p, nil
}

// sweep periodically retires expired connections,
// so idle expired connections do not linger between checkouts.
func (p *Pool) sweep(ctx context.Context) {
	defer close(p.sweepDone)

	for {
		ctxutil.SleepWithJitter(ctx, p.connTTL)

		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()

		if p.closed {
			p.mu.Unlock()
			return
		}

		p.retireExpiredLocked()
		p.mu.Unlock()
	}
}

// Acquire returns a connection usable for one unit of work.
//
// Selection order: an idle connection if one exists; a brand-new connection
// while below MaxConns; otherwise the connection with the smallest backlog.
// When nothing can be provided, or the total backlog exceeds MaxQueue,
// ErrPoolExhausted is returned.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	defer observability.FuncCall(ctx)()

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if c := p.idleLocked(); c != nil {
		p.mu.Unlock()
		return c, nil
	}

	p.retireExpiredLocked()

	if p.sizeLocked() < p.maxConns {
		c := p.addConnLocked()
		p.mu.Unlock()

		return p.dial(ctx, c)
	}

	best := p.leastBusyLocked()
	backlog := p.backlogLocked()

	p.mu.Unlock()

	if best == nil || backlog >= p.maxQueue {
		return nil, lazyerrors.Error(ErrPoolExhausted)
	}

	return best, nil
}

// AcquireIdle returns a ready connection with an empty backlog, or nil.
func (p *Pool) AcquireIdle() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	return p.idleLocked()
}

// NewConn creates a new physical connection.
//
// With addToPool the connection joins the shared set.
// Otherwise it is dedicated: owned by the caller, never selected for pooled
// traffic, but still counted against MaxConns.
// At the cap, the caller waits for a free slot;
// waiting callers are bounded by MaxQueue.
func (p *Pool) NewConn(ctx context.Context, addToPool bool) (*Conn, error) {
	defer observability.FuncCall(ctx)()

	for {
		p.mu.Lock()

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		p.retireExpiredLocked()

		if p.sizeLocked() < p.maxConns {
			var c *Conn
			if addToPool {
				c = p.addConnLocked()
			} else {
				p.dedicated++
				c = newConn(p.maxQueue, p.removeDedicated, p.l)
			}
			p.mu.Unlock()

			return p.dial(ctx, c)
		}

		if p.wl.len() >= p.maxQueue {
			p.mu.Unlock()
			return nil, lazyerrors.Error(ErrPoolExhausted)
		}

		ch, e := p.wl.add()
		p.mu.Unlock()

		select {
		case <-ch:
			// slot may be free; retry

		case <-ctx.Done():
			p.wl.remove(e)

			// if we lost the race with a concurrent wake, pass it on
			select {
			case <-ch:
				p.wl.wake()
			default:
			}

			return nil, ctx.Err()
		}
	}
}

// Reached reports whether the connection cap is hit.
func (p *Pool) Reached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sizeLocked() >= p.maxConns
}

// Len returns the number of live connections, dedicated included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sizeLocked()
}

// Backlog returns the total backlog across pooled connections.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.backlogLocked()
}

// Close closes every pooled connection, draining their backlogs,
// and wakes all waiting callers.
//
// Dedicated connections are closed by their owners.
func (p *Pool) Close() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	conns := make([]*Conn, len(p.conns))
	copy(conns, p.conns)
	dedicated := p.dedicated

	p.mu.Unlock()

	if p.sweepCancel != nil {
		p.sweepCancel()
		<-p.sweepDone
	}

	p.wl.wakeAll()

	for _, c := range conns {
		c.Close()
	}

	for _, c := range conns {
		<-c.Done()
	}

	if dedicated > 0 {
		p.l.Warn("Pool closed with dedicated connections still open", zap.Int("dedicated", dedicated))
	}

	resource.Untrack(p, p.token)
}

// sizeLocked returns the live connection count, dedicated included.
func (p *Pool) sizeLocked() int {
	return len(p.conns) + p.dedicated
}

// idleLocked returns a non-expired ready connection with an empty backlog, or nil.
func (p *Pool) idleLocked() *Conn {
	for _, c := range p.conns {
		if c.idle() && !c.expired(p.connTTL) {
			return c
		}
	}

	return nil
}

// leastBusyLocked returns a usable connection with the smallest backlog, or nil.
// Ties are broken by iteration order.
func (p *Pool) leastBusyLocked() *Conn {
	var best *Conn

	for _, c := range p.conns {
		switch c.State() {
		case Closing, Closed:
			continue
		case Connecting, Ready, Busy:
			// usable
		}

		if c.expired(p.connTTL) {
			continue
		}

		if best == nil || c.Backlog() < best.Backlog() {
			best = c
		}
	}

	return best
}

// backlogLocked returns the total backlog across pooled connections.
func (p *Pool) backlogLocked() int {
	var n int
	for _, c := range p.conns {
		n += c.Backlog()
	}

	return n
}

// retireExpiredLocked starts closing expired connections;
// each closes for real once its backlog drains and then removes itself.
func (p *Pool) retireExpiredLocked() {
	for _, c := range p.conns {
		if !c.expired(p.connTTL) {
			continue
		}

		switch c.State() {
		case Closing, Closed:
			continue
		case Connecting, Ready, Busy:
			p.l.Debug("Retiring expired connection", zap.Stringer("conn", c.ID()))
			c.Close()
		}
	}
}

// addConnLocked appends a new connection placeholder in the Connecting state.
func (p *Pool) addConnLocked() *Conn {
	c := newConn(p.maxQueue, p.removePooled, p.l)
	p.conns = append(p.conns, c)

	return c
}

// dial establishes the physical connection for c.
func (p *Pool) dial(ctx context.Context, c *Conn) (*Conn, error) {
	dc, err := p.connector.Connect(ctx)
	if err != nil {
		c.abort()
		return nil, lazyerrors.Error(err)
	}

	c.attach(dc)

	return c, nil
}

// removePooled removes a closed connection from the live set and frees a slot.
func (p *Pool) removePooled(c *Conn) {
	p.mu.Lock()

	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}

	p.mu.Unlock()

	p.wl.wake()
}

// removeDedicated releases a dedicated connection's slot.
func (p *Pool) removeDedicated(*Conn) {
	p.mu.Lock()
	p.dedicated--
	p.mu.Unlock()

	p.wl.wake()
}
