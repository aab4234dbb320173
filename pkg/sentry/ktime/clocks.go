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

package ktime

import (
	"time"

	"gvisor.dev/kfutex/pkg/sync"
)

// RealtimeClock reads the host wall clock.
type RealtimeClock struct{}

// Now implements Clock.Now.
func (RealtimeClock) Now() (Time, error) {
	return FromNanoseconds(time.Now().UnixNano()), nil
}

// WallTimeUntil implements Clock.WallTimeUntil.
func (RealtimeClock) WallTimeUntil(t, now Time) time.Duration {
	return t.Sub(now)
}

// MonotonicClock measures time elapsed since the clock was created, using
// the monotonic reading carried by time.Time.
type MonotonicClock struct {
	base time.Time
}

// NewMonotonicClock returns a MonotonicClock whose zero is the current
// instant.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{base: time.Now()}
}

// Now implements Clock.Now.
func (c *MonotonicClock) Now() (Time, error) {
	return FromNanoseconds(time.Since(c.base).Nanoseconds()), nil
}

// WallTimeUntil implements Clock.WallTimeUntil.
func (c *MonotonicClock) WallTimeUntil(t, now Time) time.Duration {
	return t.Sub(now)
}

// ManualClock is a Clock that only advances when told to. Waiters blocked
// against it poll at pollInterval of wall time.
//
// ManualClock is intended for tests.
type ManualClock struct {
	mu  sync.Mutex
	now Time
	err error
}

const manualPollInterval = time.Millisecond

// NewManualClock returns a ManualClock reading now.
func NewManualClock(now Time) *ManualClock {
	return &ManualClock{now: now}
}

// Now implements Clock.Now.
func (c *ManualClock) Now() (Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Time{}, c.err
	}
	return c.now, nil
}

// WallTimeUntil implements Clock.WallTimeUntil.
func (c *ManualClock) WallTimeUntil(t, now Time) time.Duration {
	if !now.Before(t) {
		return 0
	}
	return manualPollInterval
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SetError makes subsequent reads fail with err, or succeed again if err is
// nil.
func (c *ManualClock) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
