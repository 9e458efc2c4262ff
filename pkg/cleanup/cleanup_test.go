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

package cleanup

import (
	"errors"
	"reflect"
	"testing"
)

// applyAll runs steps in order, failing at index failAt, and records undos in
// log.
func applyAll(n, failAt int, log *[]int) error {
	var cu Cleanup
	defer cu.Clean()
	for i := 0; i < n; i++ {
		i := i
		if i == failAt {
			return errors.New("step failed")
		}
		cu.Add(func() { *log = append(*log, i) })
	}
	cu.Release()
	return nil
}

func TestCleanOnFailure(t *testing.T) {
	var undone []int
	if err := applyAll(4, 3, &undone); err == nil {
		t.Fatalf("applyAll succeeded, want error")
	}
	if want := []int{2, 1, 0}; !reflect.DeepEqual(undone, want) {
		t.Errorf("undone = %v, want %v", undone, want)
	}
}

func TestReleaseOnSuccess(t *testing.T) {
	var undone []int
	if err := applyAll(4, -1, &undone); err != nil {
		t.Fatalf("applyAll: %v", err)
	}
	if len(undone) != 0 {
		t.Errorf("undone = %v after success, want nothing", undone)
	}
}

func TestReleasedFunc(t *testing.T) {
	var cu Cleanup
	ran := 0
	cu.Add(func() { ran++ })
	later := cu.Release()
	cu.Clean()
	if ran != 0 {
		t.Fatalf("Clean after Release ran %d functions", ran)
	}
	later()
	later()
	if ran != 1 {
		t.Errorf("released function ran undo %d times, want 1", ran)
	}
}
