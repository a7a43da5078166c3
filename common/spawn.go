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

package common

import (
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/spirit-labs/tekrpc/logger"
)

var runningGRs atomic.Int64

// running count per goroutine kind, *atomic.Int64 values
var runningByKind sync.Map

// Go spawns a goroutine and keeps track of the number of running GRs of each kind, so tests can make sure sockets
// and loops do not leak goroutines.
func Go(kind string, f func()) {
	counter := kindCounter(kind)
	runningGRs.Add(1)
	counter.Add(1)
	go func() {
		defer func() {
			counter.Add(-1)
			runningGRs.Add(-1)
		}()
		f()
	}()
}

func kindCounter(kind string) *atomic.Int64 {
	c, ok := runningByKind.Load(kind)
	if !ok {
		c, _ = runningByKind.LoadOrStore(kind, &atomic.Int64{})
	}
	return c.(*atomic.Int64)
}

func RunningGRCount() int64 {
	return runningGRs.Load()
}

// RunningGRCounts returns the number of running goroutines of each kind, kinds with none running are omitted.
func RunningGRCounts() map[string]int64 {
	counts := map[string]int64{}
	runningByKind.Range(func(kind, c any) bool {
		if n := c.(*atomic.Int64).Load(); n > 0 {
			counts[kind.(string)] = n
		}
		return true
	})
	return counts
}

func LogRunningGRs() {
	counts := RunningGRCounts()
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	log.Infof("%d goroutines running", RunningGRCount())
	for _, kind := range kinds {
		log.Infof("%s: %d", kind, counts[kind])
	}
}
