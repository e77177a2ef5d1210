// Package buddy implements a fixed-capacity buddy arena over device or
// pinned-host memory.
//
// An arena of max level L manages one raw buffer of 1<<L bytes through a
// complete binary tree of 1<<(L+1)-1 nodes. Nodes are never materialized:
// parent/child/sibling relations and byte offsets are pure index arithmetic,
// and the per-node state (2 bits) is packed 4 nodes per byte, so the whole
// tree costs 1<<L / 2 bytes regardless of how fragmented the arena gets.
package buddy

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"k8s.io/klog/v2"

	"github.com/cloudwego/cudabuddy/cudart"
)

// MaxLevel is the largest supported arena level. Allocation sizes are
// bounded by a 32-bit byte count, so arenas cannot usefully exceed it.
const MaxLevel = 32

type nodeStatus uint8

const (
	// unused: the whole block is available.
	unused nodeStatus = iota
	// used: the whole block is reserved.
	used
	// usedWithAlignment: reserved, and the returned pointer was shifted
	// inside the block to satisfy an alignment request.
	usedWithAlignment
	// splited: both children are meaningful; the node itself is not
	// directly allocatable.
	splited
)

// Allocator is a single buddy arena. All methods are safe for concurrent
// use; alloc and free are mutually exclusive per arena.
type Allocator struct {
	mu       sync.RWMutex
	usedSize int
	maxLevel uint8
	tree     []byte
	buf      cudart.Buffer
	loc      cudart.Location
}

// New constructs an arena of 1<<maxLevel bytes at the given location.
// The backing buffer and the status tree are acquired here; on failure the
// arena is never published and the error is recoverable.
func New(maxLevel uint8, loc cudart.Location) (*Allocator, error) {
	if maxLevel < 1 || maxLevel > MaxLevel {
		return nil, errors.New("buddy: max level out of range")
	}

	// 1<<(maxLevel+1)-1 nodes at 2 bits each fit in 1<<maxLevel / 2 bytes.
	tree, err := allocTree(1 << (maxLevel - 1))
	if err != nil {
		return nil, fmt.Errorf("buddy: tree alloc failed: %w", err)
	}

	buf, err := cudart.Alloc(loc, 1<<maxLevel)
	if err != nil {
		if uerr := freeTree(tree); uerr != nil {
			klog.Errorf("buddy: tree release failed: %v", uerr)
		}
		return nil, err
	}

	// The tree storage is zeroed, so every node starts out unused.
	return &Allocator{
		maxLevel: maxLevel,
		tree:     tree,
		buf:      buf,
		loc:      loc,
	}, nil
}

// Destroy releases the backing buffer and the status tree. A release
// failure would leave shared device accounting corrupted, so anything but
// the benign runtime-unloading condition terminates the process.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tree != nil {
		if err := freeTree(a.tree); err != nil {
			klog.Fatalf("buddy: tree release failed: %v", err)
		}
		a.tree = nil
	}
	if a.buf.Ptr() != 0 {
		if err := cudart.Release(a.buf); err != nil && !errors.Is(err, cudart.ErrUnloading) {
			klog.Fatalf("buddy: buffer release failed: %v", err)
		}
		a.buf = cudart.Buffer{}
	}
}

// Size returns the arena capacity in bytes.
func (a *Allocator) Size() int { return 1 << a.maxLevel }

// Location returns where the arena's buffer resides.
func (a *Allocator) Location() cudart.Location { return a.loc }

// Contains reports whether ptr lies inside the arena's buffer.
func (a *Allocator) Contains(ptr uintptr) bool {
	return ptr >= a.buf.Ptr() && ptr < a.buf.Ptr()+uintptr(1)<<a.maxLevel
}

// Full reports whether the arena has no outstanding allocations.
func (a *Allocator) Full() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usedSize == 0
}

// SyncStream blocks until all asynchronous work issued on the calling
// thread's stream against this arena's buffer has completed. It tolerates
// an uninitialized runtime, which happens when teardown races arena reuse.
func (a *Allocator) SyncStream() {
	if a.loc != cudart.Device {
		return
	}
	if err := cudart.SyncStream(a.loc); err != nil && !errors.Is(err, cudart.ErrNotInitialized) {
		klog.Fatalf("buddy: stream synchronize failed: %v", err)
	}
}

// Alloc reserves at least size bytes and returns the block's base address,
// or 0 if no block of the rounded-up size is available.
func (a *Allocator) Alloc(size int) uintptr {
	return a.AllocAligned(size, 1)
}

// AllocAligned reserves at least size bytes at an address that is a
// multiple of alignment, or returns 0. A size of 0 is treated as 1.
// Oversized requests fail without error: capacity exhaustion is an
// expected, recoverable condition here.
func (a *Allocator) AllocAligned(size, alignment int) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size <= 0 {
		size = 1
	}
	if alignment > 1 {
		// Inflating by alignment-1 guarantees a suitably aligned address
		// exists inside whatever block the walk lands on.
		size += alignment - 1
	}
	if size > math.MaxUint32 {
		// also keeps nextPow2 from overflowing below
		klog.Warningf("buddy: too large size %d", size)
		return 0
	}
	// the rounded size is what gets reserved, so the 32-bit byte-count
	// ceiling applies to it, not to the request
	size = nextPow2(size)
	if size > math.MaxUint32 {
		klog.Warningf("buddy: too large size %d", size)
		return 0
	}

	length := 1 << a.maxLevel
	if size > length {
		klog.Warningf("buddy: too large size %d", size)
		return 0
	}

	index := 0
	var level uint8
	for {
		if size == length {
			if a.status(index) == unused {
				a.usedSize += size
				ptr := a.buf.Ptr() + uintptr(a.indexOffset(index, level))
				if alignment > 1 {
					if rem := ptr % uintptr(alignment); rem != 0 {
						a.setStatus(index, usedWithAlignment)
						return ptr + uintptr(alignment) - rem
					}
				}
				a.setStatus(index, used)
				return ptr
			}
		} else {
			switch a.status(index) {
			case used, usedWithAlignment:
				// dead end, backtrack below
			case unused:
				a.setStatus(index, splited)
				a.setStatus(leftChild(index), unused)
				a.setStatus(rightChild(index), unused)
				fallthrough
			default: // splited
				index = leftChild(index)
				length >>= 1
				level++
				continue
			}
		}

		if index&1 == 1 {
			// a left child: try its right sibling at the same level
			index++
			continue
		}

		// climb to the nearest ancestor that is a left child and switch
		// to that ancestor's right sibling
		for index != 0 {
			level--
			length <<= 1
			index = parent(index)
			if index&1 == 1 {
				index++
				break
			}
		}
		if index == 0 {
			// back at the root: nothing left to try
			return 0
		}
	}
}

// Free releases the block holding ptr and recombines it with unused
// buddies. It returns false, mutating nothing, for pointers outside the
// arena, pointers never allocated, and repeated frees. For blocks
// allocated with alignment the exact shifted offset is not recorded, so
// any interior offset of the block is accepted (the unshifted block start
// is still rejected).
func (a *Allocator) Free(ptr uintptr) bool {
	if ptr == 0 {
		return true
	}
	if !a.Contains(ptr) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	offset := int(ptr - a.buf.Ptr())
	length := 1 << a.maxLevel
	left := 0
	index := 0

	for level := uint8(0); level <= a.maxLevel; level++ {
		switch st := a.status(index); st {
		case used, usedWithAlignment:
			blockOff := a.indexOffset(index, level)
			if st == usedWithAlignment {
				if offset == blockOff {
					klog.Errorf("buddy: can't free unshifted pointer of an aligned block")
					return false
				}
			} else if offset != blockOff {
				klog.Errorf("buddy: can't free pointer inside an allocated block")
				return false
			}
			a.usedSize -= length
			a.combine(index)
			return true
		case unused:
			klog.V(2).Infof("buddy: can't free unallocated pointer %#x", ptr)
			return false
		default: // splited: descend into the half holding the offset
			length >>= 1
			if offset < left+length {
				index = leftChild(index)
			} else {
				left += length
				index = rightChild(index)
			}
		}
	}
	return false
}

// combine climbs from a just-freed node, merging it with its buddy while
// the buddy is unused, then restores splited on the remaining ancestors.
func (a *Allocator) combine(index int) {
	for index != 0 {
		if a.status(sibling(index)) != unused {
			break
		}
		index = parent(index)
	}
	a.setStatus(index, unused)
	for index > 0 {
		index = parent(index)
		a.setStatus(index, splited)
	}
}

func (a *Allocator) status(index int) nodeStatus {
	return nodeStatus(a.tree[index>>2] >> uint(6-(index&3)*2) & 3)
}

func (a *Allocator) setStatus(index int, s nodeStatus) {
	shift := uint(6 - (index&3)*2)
	a.tree[index>>2] = a.tree[index>>2]&^(3<<shift) | byte(s)<<shift
}

// indexOffset returns the byte offset of the block a node represents.
// Node index at depth level covers 1<<(maxLevel-level) bytes starting at
// ((index+1) - 1<<level) << (maxLevel-level).
func (a *Allocator) indexOffset(index int, level uint8) int {
	return ((index + 1) - 1<<level) << (a.maxLevel - level)
}

func leftChild(index int) int  { return index*2 + 1 }
func rightChild(index int) int { return index*2 + 2 }
func parent(index int) int     { return (index+1)/2 - 1 }

// sibling returns the buddy of a non-root node: left children (odd) pair
// with index+1, right children (even) with index-1.
func sibling(index int) int {
	if index&1 == 1 {
		return index + 1
	}
	return index - 1
}

func nextPow2(x int) int {
	if x&(x-1) == 0 {
		return x
	}
	return 1 << bits.Len(uint(x))
}
