// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graincache is the bounded LRU of decompressed grain payloads
// (spec.md §4.7, C7), backed by github.com/hashicorp/golang-lru/v2, a
// real ecosystem dependency for exactly this "bounded cache of decoded
// disk blocks" role (no example repo in the retrieval pack wires an LRU
// cache for this purpose directly; see DESIGN.md for the honest
// grounding note).
package graincache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/libyal/govmdk/errs"
)

const component = "graincache"

// MinCapacity is the smallest capacity NewCache accepts: spec.md §4.7
// requires "at least 8 so that sequential reads across a group boundary
// never evict an in-use grain".
const MinCapacity = 8

// DefaultCapacity mirrors the small constant the source picks.
const DefaultCapacity = 256

// Key identifies one decoded grain slot: its owning extent, grain-table
// group, and slot within that group.
type Key struct {
	ExtentIndex int
	GroupIndex  uint32
	SlotIndex   uint32
}

// Cache is a bounded-capacity, single-threaded LRU of decoded grain
// payloads. Callers layering concurrency above it must serialize mutations
// themselves (spec.md §4.7).
type Cache struct {
	lru *lru.Cache[Key, []byte]
}

// NewCache returns a Cache with the given capacity, raised to MinCapacity
// if lower.
func NewCache(capacity int) (*Cache, error) {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	l, err := lru.New[Key, []byte](capacity)
	if err != nil {
		return nil, errs.New(errs.KindIO, component, fmt.Errorf("construct LRU: %w", err))
	}
	return &Cache{lru: l}, nil
}

// Get returns the cached payload for key, if resident.
func (c *Cache) Get(key Key) ([]byte, bool) {
	return c.lru.Get(key)
}

// Put inserts payload under key, evicting the least-recently-used entry if
// the cache is over capacity.
func (c *Cache) Put(key Key, payload []byte) {
	c.lru.Add(key, payload)
}

// Len reports the number of resident entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Contains reports whether key is resident without affecting recency.
func (c *Cache) Contains(key Key) bool {
	return c.lru.Contains(key)
}
