// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

// Package sync provides synchronization primitives used throughout kfutex.
// Packages outside this one import it instead of the standard library's sync
// so that lock types can be swapped for instrumented variants in one place.
package sync

import (
	"sync"
)

// Aliases of standard library types.
type (
	// Mutex is an alias of sync.Mutex.
	Mutex = sync.Mutex

	// RWMutex is an alias of sync.RWMutex.
	RWMutex = sync.RWMutex

	// Cond is an alias of sync.Cond.
	Cond = sync.Cond

	// Locker is an alias of sync.Locker.
	Locker = sync.Locker

	// Once is an alias of sync.Once.
	Once = sync.Once

	// WaitGroup is an alias of sync.WaitGroup.
	WaitGroup = sync.WaitGroup
)

// NewCond is a wrapper around sync.NewCond.
func NewCond(l Locker) *Cond {
	return sync.NewCond(l)
}

// OnceFunc is a wrapper around sync.OnceFunc.
func OnceFunc(f func()) func() {
	return sync.OnceFunc(f)
}

// NoCopy may be embedded into structs which must not be copied after the first
// use. go vet's copylocks check reports copies of any type with Lock and
// Unlock methods.
type NoCopy struct{}

// Lock is a no-op used by the copylocks checker.
func (*NoCopy) Lock() {}

// Unlock is a no-op used by the copylocks checker.
func (*NoCopy) Unlock() {}
