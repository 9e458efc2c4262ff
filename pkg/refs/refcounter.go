// Copyright 2018 The gVisor Authors.
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

// Package refs provides reference counting for objects shared by several
// owners, such as files backing more than one memory mapping.
package refs

import (
	"fmt"

	"vproc.dev/vproc/pkg/atomicbitops"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the reference counter on the object.
	//
	// If a type has a destructor, it must implement its own DecRef()
	// method and call DecRefWithDestructor(destructor) from it.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the object,
	// but may fail if all references have already been dropped.
	TryIncRef() bool
}

// AtomicRefCount keeps a reference count using atomic operations and calls
// the destructor when the last reference is dropped.
//
// The zero value holds one reference, owned by whoever created the object.
type AtomicRefCount struct {
	// extra is the number of references beyond the initial one. It is -1
	// once the object is destroyed.
	extra atomicbitops.Int64
}

// ReadRefs returns the current number of references. The result is racy
// unless the caller excludes concurrent reference changes.
func (r *AtomicRefCount) ReadRefs() int64 {
	return r.extra.Load() + 1
}

// IncRef takes an additional reference. The caller must already hold one.
func (r *AtomicRefCount) IncRef() {
	if v := r.extra.Add(1); v <= 0 {
		panic(fmt.Sprintf("IncRef on object with %d references", v))
	}
}

// TryIncRef takes an additional reference unless the object has already
// been destroyed, and reports whether it did.
func (r *AtomicRefCount) TryIncRef() bool {
	for {
		v := r.extra.Load()
		if v < 0 {
			return false
		}
		if r.extra.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRefWithDestructor drops a reference. If it was the last one and destroy
// is not nil, destroy is called.
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	switch v := r.extra.Add(-1); {
	case v < -1:
		panic(fmt.Sprintf("DecRef on object with %d references", v+2))
	case v == -1 && destroy != nil:
		destroy()
	}
}

// DecRef drops a reference.
func (r *AtomicRefCount) DecRef() {
	r.DecRefWithDestructor(nil)
}
