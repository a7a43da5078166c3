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
	"fmt"

	log "github.com/spirit-labs/tekrpc/logger"
)

// RecoverPanic is deferred by goroutines running application callbacks. A panic is logged with its stack and
// converted to an internal error which is passed to onPanic, the goroutine then carries on.
func RecoverPanic(where string, onPanic func(error)) {
	if r := recover(); r != nil {
		perr := LogInternalError(fmt.Errorf("panic in %s: %v\n%s", where, r, GetCurrentStack()))
		if onPanic != nil {
			onPanic(perr)
		}
	}
}

// PanicHandler is deferred at the top of main.
func PanicHandler() {
	if r := recover(); r != nil {
		log.Fatalf("panic caught: %v\n%s", r, GetCurrentStack())
	}
}

