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

//go:build !cuda

package cudart

import (
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

// Alloc acquires a raw buffer of size bytes at the given location.
//
// Without the cuda build tag both locations are served from process memory:
// host buffers come from mcache (pooled, like pinned buffers would be), and
// device buffers from dirtmake (uninitialized, like cudaMalloc memory is).
func Alloc(loc Location, size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("cudart: invalid alloc size %d", size)
	}
	var mem []byte
	if loc == Host {
		mem = mcache.Malloc(size)
	} else {
		mem = dirtmake.Bytes(size, size)
	}
	return Buffer{
		ptr:  uintptr(unsafe.Pointer(&mem[0])),
		size: size,
		loc:  loc,
		mem:  mem,
	}, nil
}

// Release returns a buffer acquired by Alloc.
func Release(b Buffer) error {
	if b.mem == nil {
		return fmt.Errorf("cudart: release of invalid buffer %#x", b.ptr)
	}
	if b.loc == Host {
		mcache.Free(b.mem)
	}
	return nil
}

// SyncStream waits for the calling thread's default stream. Host buffers
// involve no stream, and without a GPU there is nothing to wait for.
func SyncStream(loc Location) error {
	return nil
}
