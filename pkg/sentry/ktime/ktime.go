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

// Package ktime provides the monotonic time values used to stamp page
// accesses, and the clocks that produce them.
package ktime

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"
	"vproc.dev/vproc/pkg/sync"
)

// Time is an instant on some Clock, in nanoseconds since that clock's zero.
// Arithmetic on Time saturates at MinTime and MaxTime.
type Time struct {
	ns int64
}

var (
	// MinTime is the earliest representable Time.
	MinTime = Time{ns: math.MinInt64}

	// MaxTime is the latest representable Time.
	MaxTime = Time{ns: math.MaxInt64}

	// ZeroTime is the zero of an unspecified Clock.
	ZeroTime = Time{}
)

// FromNanoseconds returns the Time ns nanoseconds after the clock's zero.
func FromNanoseconds(ns int64) Time {
	return Time{ns}
}

// fromTimespec converts a clock_gettime result.
func fromTimespec(ts unix.Timespec) Time {
	s, ns := ts.Unix()
	if s > (math.MaxInt64-ns)/int64(time.Second) {
		return MaxTime
	}
	return Time{s*int64(time.Second) + ns}
}

// Nanoseconds returns t as nanoseconds since the clock's zero.
func (t Time) Nanoseconds() int64 { return t.ns }

// Microseconds returns t as whole microseconds since the clock's zero.
func (t Time) Microseconds() int64 { return t.ns / int64(time.Microsecond) }

// Add returns t+d.
func (t Time) Add(d time.Duration) Time {
	sum := t.ns + int64(d)
	switch {
	case d > 0 && sum < t.ns:
		return MaxTime
	case d < 0 && sum > t.ns:
		return MinTime
	}
	return Time{sum}
}

// Sub returns t-u, clamped to the range of time.Duration.
func (t Time) Sub(u Time) time.Duration {
	diff := t.ns - u.ns
	switch {
	case u.ns < 0 && diff < t.ns:
		return time.Duration(math.MaxInt64)
	case u.ns > 0 && diff > t.ns:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(diff)
}

// Equal reports whether t and u are the same instant.
func (t Time) Equal(u Time) bool { return t.ns == u.ns }

// Before reports whether t is earlier than u.
func (t Time) Before(u Time) bool { return t.ns < u.ns }

// After reports whether t is later than u.
func (t Time) After(u Time) bool { return t.ns > u.ns }

// IsZero reports whether t is the clock's zero.
func (t Time) IsZero() bool { return t.ns == 0 }

// String implements fmt.Stringer.
func (t Time) String() string {
	return fmt.Sprintf("%dns", t.ns)
}

// Clock is a source of Times.
type Clock interface {
	// Now returns the clock's current time.
	Now() Time
}

// HostClock reads the host's CLOCK_MONOTONIC.
type HostClock struct{}

// Now implements Clock.Now.
func (HostClock) Now() Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(fmt.Sprintf("clock_gettime(CLOCK_MONOTONIC): %v", err))
	}
	return fromTimespec(ts)
}

// ManualClock only moves when told to. It is safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now Time
}

// NewManualClock returns a ManualClock reading t.
func NewManualClock(t Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now implements Clock.Now.
func (c *ManualClock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set sets the clock to t.
func (c *ManualClock) Set(t Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
