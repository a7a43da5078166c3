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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spirit-labs/tekrpc/testutils"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *EventLoop {
	loop := New(t.Name())
	loop.Start()
	t.Cleanup(loop.Stop)
	return loop
}

func TestPostRunsInOrder(t *testing.T) {
	loop := startLoop(t)
	var lock sync.Mutex
	var order []int
	numTasks := 1000
	done := make(chan struct{})
	for i := 0; i < numTasks; i++ {
		i := i
		require.True(t, loop.Post(func() {
			lock.Lock()
			order = append(order, i)
			lock.Unlock()
			if i == numTasks-1 {
				close(done)
			}
		}))
	}
	<-done
	lock.Lock()
	defer lock.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestInLoop(t *testing.T) {
	loop := startLoop(t)
	require.False(t, loop.InLoop())
	ch := make(chan bool, 1)
	loop.Post(func() {
		ch <- loop.InLoop()
	})
	require.True(t, <-ch)
	other := startLoop(t)
	other.Post(func() {
		ch <- loop.InLoop()
	})
	require.False(t, <-ch)
}

func TestPostFromTask(t *testing.T) {
	loop := startLoop(t)
	ch := make(chan int, 2)
	loop.Post(func() {
		loop.Post(func() {
			ch <- 2
		})
		ch <- 1
	})
	require.Equal(t, 1, <-ch)
	require.Equal(t, 2, <-ch)
}

func TestPostAfterStop(t *testing.T) {
	loop := New("stopped")
	loop.Start()
	loop.Stop()
	require.True(t, loop.IsStopped())
	require.False(t, loop.Post(func() {}))
	// idempotent
	loop.Stop()
}

func TestStopFromTask(t *testing.T) {
	loop := New("stop-from-task")
	loop.Start()
	var ran atomic.Bool
	loop.Post(func() {
		loop.Stop()
	})
	loop.Post(func() {
		ran.Store(true)
	})
	testutils.WaitUntil(t, func() (bool, error) {
		return loop.IsStopped(), nil
	})
	<-loop.doneChan
	require.False(t, ran.Load())
}

func TestPanicInTaskDoesNotStopLoop(t *testing.T) {
	loop := startLoop(t)
	loop.Post(func() {
		panic("boom")
	})
	ch := make(chan struct{})
	loop.Post(func() {
		close(ch)
	})
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.Fail(t, "loop did not survive panic")
	}
}

func TestTimerFires(t *testing.T) {
	loop := startLoop(t)
	ch := make(chan string, 1)
	var inLoop atomic.Bool
	start := time.Now()
	timer := StartTimer(loop, 50*time.Millisecond, "hello", func(s string) {
		inLoop.Store(loop.InLoop())
		ch <- s
	})
	require.Equal(t, "hello", <-ch)
	require.True(t, inLoop.Load())
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.False(t, timer.Active())
	// stopping after firing is a no-op
	timer.Stop()
	timer.Stop()
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	loop := startLoop(t)
	ch := make(chan int, 3)
	StartTimer(loop, 60*time.Millisecond, 3, func(i int) { ch <- i })
	StartTimer(loop, 20*time.Millisecond, 1, func(i int) { ch <- i })
	StartTimer(loop, 40*time.Millisecond, 2, func(i int) { ch <- i })
	require.Equal(t, 1, <-ch)
	require.Equal(t, 2, <-ch)
	require.Equal(t, 3, <-ch)
}

func TestStoppedTimerDoesNotFire(t *testing.T) {
	loop := startLoop(t)
	var fired atomic.Bool
	timer := StartTimer(loop, 20*time.Millisecond, struct{}{}, func(struct{}) {
		fired.Store(true)
	})
	timer.Stop()
	require.False(t, timer.Active())
	ch := make(chan struct{})
	StartTimer(loop, 60*time.Millisecond, ch, func(c chan struct{}) { close(c) })
	<-ch
	require.False(t, fired.Load())
}

func TestStoppedTimersAreRemoved(t *testing.T) {
	loop := startLoop(t)
	var timers []*Timer
	for i := 0; i < 1000; i++ {
		timers = append(timers, StartTimer(loop, time.Hour, i, func(int) {}))
	}
	repeating := StartRepeatingTimer(loop, time.Hour, func() {})
	require.Equal(t, 1001, loop.numTimers())
	for _, timer := range timers {
		timer.Stop()
	}
	require.Equal(t, 1, loop.numTimers())
	repeating.Stop()
	repeating.Stop()
	require.Equal(t, 0, loop.numTimers())
}

func TestFiredTimerIsRemoved(t *testing.T) {
	loop := startLoop(t)
	ch := make(chan struct{})
	timer := StartTimer(loop, 0, ch, func(c chan struct{}) { close(c) })
	<-ch
	require.False(t, timer.Active())
	require.Equal(t, 0, loop.numTimers())
	timer.Stop()
	require.Equal(t, 0, loop.numTimers())
}

func TestStopTimerFromLoop(t *testing.T) {
	loop := startLoop(t)
	var fired atomic.Bool
	var timer *Timer
	ch := make(chan struct{})
	loop.Post(func() {
		timer = StartTimer(loop, 0, 0, func(int) { fired.Store(true) })
		timer.Stop()
		close(ch)
	})
	<-ch
	done := make(chan struct{})
	StartTimer(loop, 30*time.Millisecond, done, func(c chan struct{}) { close(c) })
	<-done
	require.False(t, fired.Load())
}

func TestRepeatingTimer(t *testing.T) {
	loop := startLoop(t)
	var count atomic.Int64
	timer := StartRepeatingTimer(loop, 10*time.Millisecond, func() {
		count.Add(1)
	})
	testutils.WaitUntil(t, func() (bool, error) {
		return count.Load() >= 3, nil
	})
	stopped := make(chan int64)
	loop.Post(func() {
		timer.Stop()
		stopped <- count.Load()
	})
	c := <-stopped
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, c, count.Load())
}

func TestTimerOnStoppedLoop(t *testing.T) {
	loop := New("stopped-timers")
	loop.Start()
	loop.Stop()
	timer := StartTimer(loop, 0, 1, func(int) {})
	require.False(t, timer.Active())
}

func TestDefault(t *testing.T) {
	l := Default()
	require.Same(t, l, Default())
	ch := make(chan struct{})
	require.True(t, l.Post(func() { close(ch) }))
	<-ch
}
