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

package futex

import (
	"github.com/google/btree"

	"gvisor.dev/kfutex/pkg/sync"
)

// registryDegree is the btree degree used for both registry trees.
const registryDegree = 8

// registryEntry is the value stored in a registry tree. Only key participates
// in ordering.
type registryEntry struct {
	key   Key
	futex *Futex
}

func registryLess(a, b registryEntry) bool {
	return a.key.less(&b.key)
}

// registry maps keys to live Futex objects. Private futexes and shared futexes
// are kept in separate trees.
//
// Lock order: registry.mu is taken before any Futex.queueMu.
type registry struct {
	// mu protects both trees and Futex.onTree. Lookups hold it for reading
	// while they acquire a reference; a reference count only reaches zero
	// with mu held for writing.
	mu      sync.RWMutex
	private *btree.BTreeG[registryEntry]
	shared  *btree.BTreeG[registryEntry]
}

func (r *registry) init() {
	r.private = btree.NewG(registryDegree, registryLess)
	r.shared = btree.NewG(registryDegree, registryLess)
}

// tree returns the tree holding futexes for k.
//
// Preconditions: r.mu is locked.
func (r *registry) tree(k *Key) *btree.BTreeG[registryEntry] {
	if k.shared() {
		return r.shared
	}
	return r.private
}

// lookup returns the Futex for k with a new reference held, or nil if there is
// none. lookup never creates a Futex. The caller retains ownership of k.
func (r *registry) lookup(k *Key) (*Futex, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tree(k).Get(registryEntry{key: *k})
	if !ok {
		return nil, nil
	}
	if err := e.futex.incRef(); err != nil {
		return nil, err
	}
	return e.futex, nil
}

// insertOrAdopt publishes nf. If another Futex for the same key was published
// first, nf is discarded and the existing Futex is returned with a new
// reference held instead.
func (r *registry) insertOrAdopt(nf *Futex) (*Futex, error) {
	r.mu.Lock()
	t := r.tree(&nf.key)
	if e, ok := t.Get(registryEntry{key: nf.key}); ok {
		err := e.futex.incRef()
		r.mu.Unlock()
		nf.discard()
		if err != nil {
			return nil, err
		}
		return e.futex, nil
	}
	t.ReplaceOrInsert(registryEntry{key: nf.key, futex: nf})
	nf.onTree = true
	r.mu.Unlock()
	nf.m.created.Add(1)
	return nf, nil
}

// lookupOrCreate returns the Futex for k with a new reference held, creating
// it if necessary. Ownership of k is transferred to lookupOrCreate.
func (r *registry) lookupOrCreate(m *Manager, k Key) (*Futex, error) {
	f, err := r.lookup(&k)
	if err != nil || f != nil {
		k.release()
		return f, err
	}
	return r.insertOrAdopt(newFutex(m, k))
}

// removeLocked unlinks f from its tree.
//
// Preconditions: r.mu is locked for writing; f's reference count is zero.
func (r *registry) removeLocked(f *Futex) {
	if !f.onTree {
		return
	}
	if _, ok := r.tree(&f.key).Delete(registryEntry{key: f.key}); !ok {
		panic("futex " + f.key.String() + " marked on tree but not found")
	}
	f.onTree = false
}

// counts returns the number of futexes in each tree.
func (r *registry) counts() (private, shared int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.private.Len(), r.shared.Len()
}
