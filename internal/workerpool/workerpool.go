/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package workerpool runs the two fixed, long-lived background loops this
// module needs (the drain's poll loop and the controller's warm-up
// maintenance loop) with panic recovery and logging, generalized from
// gopool's "fire task, recover panic" contract from transient
// request-handling tasks to a small number of supervised long-running
// goroutines.
package workerpool

import (
	"log"
	"runtime/debug"
)

// PanicHandler receives a recovered panic value and the name of the loop
// that panicked.
type PanicHandler func(name string, r interface{})

var defaultPanicHandler = func(name string, r interface{}) {
	log.Printf("workerpool: panic in %s: %v: %s", name, r, debug.Stack())
}

// Loop runs f once in a new goroutine named name, with panic recovery
// around the whole call: f is expected to loop internally
// (e.g. on a ticker) and return only when it should stop for good. If f
// panics, the panic is recovered, logged via handler (or the default
// logger if handler is nil), and f is not restarted — a panicking
// background loop is a bug to fix, not a worker to keep resurrecting.
func Loop(name string, f func(), handler PanicHandler) {
	if handler == nil {
		handler = defaultPanicHandler
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				handler(name, r)
			}
		}()
		f()
	}()
}
