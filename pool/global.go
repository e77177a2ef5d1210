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

package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/cloudwego/cudabuddy/buddy"
	"github.com/cloudwego/cudabuddy/cudart"
)

// globalPool is the process-wide block cache for one device (or the host).
// Released blocks queue up for reuse oldest-first, and allocedBlockNum
// counts every block ever constructed so the configured ceiling holds
// across the whole process lifetime, cache hits included.
type globalPool struct {
	mu              sync.Mutex
	blocks          []*buddy.Allocator
	allocedBlockNum int
}

var (
	// configured capacity levels; 0 means "not configured yet"
	deviceMaxLevel atomic.Uint32
	hostMaxLevel   atomic.Uint32

	globalDevicePools [MaxDeviceNum]globalPool
	globalHostPool    globalPool
)

// SetDevicePoolSize sets the per-device capacity as a power-of-two byte
// exponent. Values below BlockLevel are clamped up to it, and across the
// process the maximum level ever configured wins: capacity only grows.
func SetDevicePoolSize(level uint8) {
	storeMaxLevel(&deviceMaxLevel, level)
}

// SetHostPoolSize is SetDevicePoolSize for the shared host pool.
func SetHostPoolSize(level uint8) {
	storeMaxLevel(&hostMaxLevel, level)
}

func storeMaxLevel(v *atomic.Uint32, level uint8) {
	if level < BlockLevel {
		level = BlockLevel
	}
	for {
		cur := v.Load()
		if uint32(level) <= cur {
			return
		}
		if v.CompareAndSwap(cur, uint32(level)) {
			return
		}
	}
}

// ReleaseGlobalPool destroys every block cached for the given device (the
// host for negative ids), returning their memory to the runtime. Intended
// for process teardown and test cleanup. The constructed-block counter is
// deliberately left alone: capacity consumed stays consumed.
func ReleaseGlobalPool(device int) error {
	if device >= MaxDeviceNum {
		return fmt.Errorf("cudabuddy: invalid device %d", device)
	}
	if device < 0 {
		globalHostPool.clear(cudart.Host)
		return nil
	}
	globalDevicePools[device].clear(cudart.Device)
	return nil
}

// getBlock lends a block out of the cache, reusing the oldest released one
// first and constructing a fresh arena only below the ceiling derived from
// the configured capacity level. A nil, nil return means the ceiling is
// reached and the caller is out of capacity.
func (g *globalPool) getBlock(loc cudart.Location, level uint8) (*buddy.Allocator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.blocks) > 0 {
		b := g.blocks[0]
		g.blocks[0] = nil
		g.blocks = g.blocks[1:]
		cachedBlocks.WithLabelValues(loc.String()).Dec()
		return b, nil
	}

	maxBlockNum := 1 << (level - BlockLevel)
	if g.allocedBlockNum >= maxBlockNum {
		klog.Warningf("cudabuddy: no %s block available, allocated_block_num %d, max_block_num %d, consider increasing the %s pool size",
			loc, g.allocedBlockNum, maxBlockNum, loc)
		exhaustedTotal.WithLabelValues(loc.String()).Inc()
		return nil, nil
	}

	b, err := buddy.New(BlockLevel, loc)
	if err != nil {
		return nil, err
	}
	g.allocedBlockNum++
	blocksConstructed.WithLabelValues(loc.String()).Inc()
	return b, nil
}

// addBlock queues a released block for reuse.
func (g *globalPool) addBlock(b *buddy.Allocator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocks = append(g.blocks, b)
	cachedBlocks.WithLabelValues(b.Location().String()).Inc()
}

func (g *globalPool) clear(loc cudart.Location) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.blocks {
		b.Destroy()
	}
	g.blocks = nil
	cachedBlocks.WithLabelValues(loc.String()).Set(0)
}
