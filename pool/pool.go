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

// Package pool caches fixed-size buddy arenas ("blocks") across execution
// contexts and devices.
//
// Each Pool holds a private working set of blocks for one device (or the
// host) and serves allocations out of them first-fit. Blocks come from a
// process-wide per-device cache that reuses previously released blocks and
// bounds how many are ever constructed, because acquiring device or pinned
// memory is expensive and capacity is finite.
package pool

import (
	"fmt"
	"runtime"
	"sync"

	"k8s.io/klog/v2"

	"github.com/cloudwego/cudabuddy/buddy"
	"github.com/cloudwego/cudabuddy/cudart"
)

const (
	// BlockLevel is the fixed size exponent of every pooled block:
	// each block is a 1<<BlockLevel byte buddy arena.
	BlockLevel uint8 = 20

	// MaxDeviceNum is the largest supported device ordinal plus one.
	MaxDeviceNum = 256
)

// Pool is a per-context allocation handle bound to one device (or the
// host). It owns its blocks exclusively until Release hands the fully
// unreserved ones back to the shared cache. Safe for concurrent use.
type Pool struct {
	mu     sync.RWMutex
	device int
	loc    cudart.Location
	blocks []*buddy.Allocator
}

// New returns a pool bound to the given device ordinal. A negative device
// binds to pinned host memory.
func New(device int) (*Pool, error) {
	if device >= MaxDeviceNum {
		return nil, fmt.Errorf("cudabuddy: unsupported device %d", device)
	}
	loc := cudart.Device
	if device < 0 {
		device = -1
		loc = cudart.Host
	}
	p := &Pool{device: device, loc: loc}
	// a dropped pool hands its idle blocks back to the shared cache at the
	// next collection instead of stranding them outside both tiers
	runtime.SetFinalizer(p, (*Pool).Release)
	return p, nil
}

// Alloc reserves at least size bytes and returns the address, or 0 when
// the request exceeds the block size or every block (existing and
// constructible) is exhausted.
func (p *Pool) Alloc(size int) uintptr {
	return p.AllocAligned(size, 1)
}

// AllocAligned is Alloc with an address alignment requirement.
func (p *Pool) AllocAligned(size, alignment int) uintptr {
	inflated := size
	if alignment > 1 {
		// no arena can satisfy the inflated size either, so rejecting here
		// avoids constructing blocks all the way to the ceiling first
		inflated += alignment - 1
	}
	if inflated > 1<<BlockLevel {
		klog.Warningf("cudabuddy: too large size %d for %d byte blocks", size, 1<<BlockLevel)
		return 0
	}
	if p.capacityLevel() == 0 {
		klog.Warningf("cudabuddy: %s pool capacity not configured", p.loc)
		return 0
	}

	// first-fit over the blocks already owned; the read lock lets
	// independent arenas be mutated concurrently by different callers
	p.mu.RLock()
	prev := len(p.blocks)
	for _, b := range p.blocks {
		if ptr := b.AllocAligned(size, alignment); ptr != 0 {
			p.mu.RUnlock()
			return ptr
		}
	}
	p.mu.RUnlock()

	block, err := p.global().getBlock(p.loc, p.capacityLevel())
	if err != nil {
		klog.Errorf("cudabuddy: block construction failed: %v", err)
		return 0
	}
	if block == nil {
		// The cache had nothing for us, but a sibling call may have grown
		// the working set meanwhile; retry once when it did. Best effort:
		// under contention this may fail even though capacity frees up a
		// moment later, and callers must handle 0 anyway.
		p.mu.RLock()
		grown := len(p.blocks) > prev
		p.mu.RUnlock()
		if !grown {
			return 0
		}
		return p.AllocAligned(size, alignment)
	}

	p.mu.Lock()
	p.blocks = append(p.blocks, block)
	p.mu.Unlock()
	return p.AllocAligned(size, alignment)
}

// Free releases an address obtained from this pool. It returns false for
// addresses not owned by any of the pool's blocks.
func (p *Pool) Free(ptr uintptr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.blocks {
		if b.Free(ptr) {
			return true
		}
	}
	return false
}

// Full reports whether every owned block has no outstanding allocations.
func (p *Pool) Full() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, b := range p.blocks {
		if !b.Full() {
			return false
		}
	}
	return true
}

// Release hands every fully unreserved block back to the shared cache,
// synchronizing the stream first so no asynchronous work still references
// the memory being recycled. Blocks with live allocations stay put. It
// returns true iff the pool holds no blocks afterwards.
func (p *Pool) Release() bool {
	runtime.SetFinalizer(p, nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.blocks) == 0 {
		return true
	}
	// all blocks share the calling thread's stream, one sync covers them
	p.blocks[0].SyncStream()
	g := p.global()
	for i := 0; i < len(p.blocks); {
		if !p.blocks[i].Full() {
			i++
			continue
		}
		b := p.blocks[i]
		last := len(p.blocks) - 1
		p.blocks[i] = p.blocks[last]
		p.blocks[last] = nil
		p.blocks = p.blocks[:last]
		g.addBlock(b)
	}
	return len(p.blocks) == 0
}

func (p *Pool) capacityLevel() uint8 {
	if p.loc == cudart.Host {
		return uint8(hostMaxLevel.Load())
	}
	return uint8(deviceMaxLevel.Load())
}

func (p *Pool) global() *globalPool {
	if p.device < 0 {
		return &globalHostPool
	}
	return &globalDevicePools[p.device]
}
