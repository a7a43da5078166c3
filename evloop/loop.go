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
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/spirit-labs/tekrpc/common"
	"github.com/spirit-labs/tekrpc/logger"
	"github.com/timandy/routine"
)

var log = logger.GetLogger("evloop")

// EventLoop runs posted tasks and due timers serially on a single goroutine. Tasks run in the order they were
// posted. Post and StartTimer are safe to call from any goroutine, including the loop goroutine itself.
type EventLoop struct {
	name     string
	lock     sync.Mutex
	tasks    []func()
	timers   *redblacktree.Tree
	timerSeq uint64
	notify   chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
	started  bool
	stopped  atomic.Bool
	goid     atomic.Int64
}

func New(name string) *EventLoop {
	return &EventLoop{
		name:     name,
		timers:   redblacktree.NewWith(compareTimers),
		notify:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

var (
	defaultLoop     *EventLoop
	defaultLoopOnce sync.Once
)

// Default returns the process wide loop, started on first use.
func Default() *EventLoop {
	defaultLoopOnce.Do(func() {
		defaultLoop = New("default")
		defaultLoop.Start()
	})
	return defaultLoop
}

func (l *EventLoop) Name() string {
	return l.name
}

func (l *EventLoop) Start() {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.started || l.stopped.Load() {
		return
	}
	l.started = true
	common.Go("event-loop", l.run)
	log.Debugf("event loop %s started", l.name)
}

// Stop stops the loop. Tasks and timers not yet run are discarded. When called from a task the loop exits once that
// task returns, otherwise Stop waits for the loop goroutine to exit.
func (l *EventLoop) Stop() {
	l.lock.Lock()
	if l.stopped.Load() {
		l.lock.Unlock()
		return
	}
	l.stopped.Store(true)
	started := l.started
	l.tasks = nil
	l.timers.Clear()
	close(l.stopChan)
	l.lock.Unlock()
	if started && !l.InLoop() {
		<-l.doneChan
	}
	log.Debugf("event loop %s stopped", l.name)
}

// Done is closed once Stop has been called.
func (l *EventLoop) Done() <-chan struct{} {
	return l.stopChan
}

func (l *EventLoop) IsStopped() bool {
	return l.stopped.Load()
}

// Post queues the task. Returns false if the loop has been stopped, in which case the task will never run.
func (l *EventLoop) Post(task func()) bool {
	l.lock.Lock()
	if l.stopped.Load() {
		l.lock.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.lock.Unlock()
	l.wakeup()
	return true
}

// InLoop returns true if the caller is running on the loop goroutine.
func (l *EventLoop) InLoop() bool {
	return l.goid.Load() == routine.Goid()
}

func (l *EventLoop) wakeup() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// addTimer schedules t at deadline. It is a no-op for a stopped timer, returns false if the loop is stopped.
func (l *EventLoop) addTimer(t *Timer, deadline time.Time) bool {
	l.lock.Lock()
	if l.stopped.Load() {
		l.lock.Unlock()
		return false
	}
	if t.stopped.Load() {
		l.lock.Unlock()
		return true
	}
	// the key is ordered by deadline, so it only changes while out of the tree
	t.deadline = deadline
	l.timerSeq++
	t.seq = l.timerSeq
	l.timers.Put(t, nil)
	l.lock.Unlock()
	l.wakeup()
	return true
}

func (l *EventLoop) removeTimer(t *Timer) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.timers.Remove(t)
}

func (l *EventLoop) numTimers() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.timers.Size()
}

func (l *EventLoop) run() {
	l.goid.Store(routine.Goid())
	defer close(l.doneChan)
	wait := time.NewTimer(time.Hour)
	defer wait.Stop()
	for {
		tasks, due, next := l.takeWork()
		if l.stopped.Load() {
			return
		}
		for _, task := range tasks {
			l.runTask(task)
			if l.stopped.Load() {
				return
			}
		}
		for _, t := range due {
			l.fire(t)
			if l.stopped.Load() {
				return
			}
		}
		if len(tasks) > 0 || len(due) > 0 {
			continue
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		if next > 0 {
			wait.Reset(next)
		} else {
			wait.Reset(time.Hour)
		}
		select {
		case <-l.notify:
		case <-wait.C:
		case <-l.stopChan:
			return
		}
	}
}

// takeWork swaps out the task queue and removes every timer whose deadline has passed. next is the time until the
// earliest remaining timer, or zero if there are none.
func (l *EventLoop) takeWork() (tasks []func(), due []*Timer, next time.Duration) {
	l.lock.Lock()
	defer l.lock.Unlock()
	tasks = l.tasks
	l.tasks = nil
	now := time.Now()
	for !l.timers.Empty() {
		t := l.timers.Left().Key.(*Timer)
		if t.deadline.After(now) {
			next = t.deadline.Sub(now)
			break
		}
		l.timers.Remove(t)
		due = append(due, t)
	}
	return
}

func (l *EventLoop) runTask(task func()) {
	defer common.RecoverPanic("event loop "+l.name, nil)
	task()
}

func (l *EventLoop) fire(t *Timer) {
	if t.stopped.Load() {
		return
	}
	if t.interval == 0 {
		t.stopped.Store(true)
	}
	l.runTask(t.action)
	if t.interval > 0 && !t.stopped.Load() {
		deadline := t.deadline.Add(t.interval)
		if now := time.Now(); deadline.Before(now) {
			deadline = now.Add(t.interval)
		}
		l.addTimer(t, deadline)
	}
}

func compareTimers(a, b interface{}) int {
	t1 := a.(*Timer)
	t2 := b.(*Timer)
	if t1.deadline.Before(t2.deadline) {
		return -1
	}
	if t1.deadline.After(t2.deadline) {
		return 1
	}
	switch {
	case t1.seq < t2.seq:
		return -1
	case t1.seq > t2.seq:
		return 1
	}
	return 0
}
