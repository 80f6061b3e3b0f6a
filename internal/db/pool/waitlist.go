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
	"container/list"
	"sync"
)

// waitlist queues callers waiting for a free connection slot.
//
// Waiters are woken in FIFO order, one per freed slot.
// A woken waiter re-checks capacity under the pool lock and may wait again.
type waitlist struct {
	mu   sync.Mutex
	list *list.List // of chan struct{}
}

// newWaitlist returns an empty waitlist.
func newWaitlist() *waitlist {
	return &waitlist{
		list: list.New(),
	}
}

// add registers a new waiter and returns its wake-up channel and list element.
func (wl *waitlist) add() (<-chan struct{}, *list.Element) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	ch := make(chan struct{}, 1)
	return ch, wl.list.PushBack(ch)
}

// remove unregisters a waiter that gave up (context canceled).
func (wl *waitlist) remove(e *list.Element) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	wl.list.Remove(e)
}

// wake wakes the longest-waiting waiter, if any.
func (wl *waitlist) wake() {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	e := wl.list.Front()
	if e == nil {
		return
	}

	wl.list.Remove(e)
	e.Value.(chan struct{}) <- struct{}{}
}

// wakeAll wakes every waiter. Used on pool close.
func (wl *waitlist) wakeAll() {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	for e := wl.list.Front(); e != nil; e = e.Next() {
		e.Value.(chan struct{}) <- struct{}{}
	}

	wl.list.Init()
}

// len returns the number of waiters.
func (wl *waitlist) len() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	return wl.list.Len()
}
