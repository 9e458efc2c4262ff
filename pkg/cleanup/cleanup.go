// Copyright 2020 The gVisor Authors.
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

// Package cleanup undoes partially completed work when a multi-step
// operation fails midway.
package cleanup

// Cleanup collects undo functions. The zero value is ready to use:
//
//	var cu cleanup.Cleanup
//	defer cu.Clean()
//	for ... {
//		if err := step(); err != nil {
//			return err // undoes earlier steps
//		}
//		cu.Add(undoStep)
//	}
//	cu.Release() // keep everything
type Cleanup struct {
	undo []func()
}

// Add registers f. Undo functions run newest first.
func (c *Cleanup) Add(f func()) {
	c.undo = append(c.undo, f)
}

// Clean runs and forgets every registered function.
func (c *Cleanup) Clean() {
	undo := c.undo
	c.undo = nil
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// Release forgets every registered function without running it, and returns
// a function that runs them for callers that must defer the undo further.
func (c *Cleanup) Release() func() {
	released := Cleanup{undo: c.undo}
	c.undo = nil
	return released.Clean
}
