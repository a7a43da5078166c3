// Copyright 2024 The Tektite Authors
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

package evloop

import (
	"sync/atomic"
	"time"
)

// Timer is a handle on a callback scheduled on an EventLoop.
type Timer struct {
	loop     *EventLoop
	deadline time.Time
	interval time.Duration
	seq      uint64
	action   func()
	stopped  atomic.Bool
}

// StartTimer runs cb(arg) once on the loop after delay. The callback owns arg, if the timer is stopped before firing
// arg is dropped.
func StartTimer[T any](loop *EventLoop, delay time.Duration, arg T, cb func(T)) *Timer {
	t := &Timer{
		loop: loop,
		action: func() {
			cb(arg)
		},
	}
	if !loop.addTimer(t, time.Now().Add(delay)) {
		t.stopped.Store(true)
	}
	return t
}

// StartRepeatingTimer runs cb on the loop every interval until stopped.
func StartRepeatingTimer(loop *EventLoop, interval time.Duration, cb func()) *Timer {
	if interval <= 0 {
		panic("repeating timer interval must be > 0")
	}
	t := &Timer{
		loop:     loop,
		interval: interval,
		action:   cb,
	}
	if !loop.addTimer(t, time.Now().Add(interval)) {
		t.stopped.Store(true)
	}
	return t
}

// Stop cancels the timer. Stopping a timer that has already fired, or stopping it twice, does nothing. When called on
// the loop goroutine the callback is guaranteed not to run afterwards. A stopped timer is removed from the loop at once.
func (t *Timer) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	t.loop.removeTimer(t)
}

// Active returns true if the timer has neither fired nor been stopped.
func (t *Timer) Active() bool {
	return !t.stopped.Load()
}
