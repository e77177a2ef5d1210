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

//go:build cuda

package cudart

/*
#cgo LDFLAGS: -lcudart

#include <cuda_runtime.h>

// cudaStreamPerThread is a casting macro, not reachable from cgo directly.
static cudaError_t syncPerThreadStream() {
	return cudaStreamSynchronize(cudaStreamPerThread);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

func wrapError(code C.cudaError_t, op string) error {
	switch code {
	case C.cudaSuccess:
		return nil
	case C.cudaErrorCudartUnloading:
		return ErrUnloading
	case C.cudaErrorInitializationError:
		return ErrNotInitialized
	}
	return fmt.Errorf("cudart: %s failed: %s", op, C.GoString(C.cudaGetErrorString(code)))
}

// Alloc acquires a raw buffer of size bytes at the given location, using
// cudaMalloc for device memory and cudaMallocHost for pinned host memory.
func Alloc(loc Location, size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("cudart: invalid alloc size %d", size)
	}
	var p unsafe.Pointer
	var err error
	if loc == Host {
		err = wrapError(C.cudaMallocHost(&p, C.size_t(size)), "cudaMallocHost")
	} else {
		err = wrapError(C.cudaMalloc(&p, C.size_t(size)), "cudaMalloc")
	}
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{ptr: uintptr(p), size: size, loc: loc}, nil
}

// Release returns a buffer acquired by Alloc. cudaFree synchronizes the
// device internally, so no explicit stream sync is needed first.
func Release(b Buffer) error {
	if b.ptr == 0 {
		return fmt.Errorf("cudart: release of invalid buffer %#x", b.ptr)
	}
	if b.loc == Host {
		return wrapError(C.cudaFreeHost(unsafe.Pointer(b.ptr)), "cudaFreeHost")
	}
	return wrapError(C.cudaFree(unsafe.Pointer(b.ptr)), "cudaFree")
}

// SyncStream blocks until all work issued on the calling thread's default
// stream has completed. Host buffers involve no stream.
func SyncStream(loc Location) error {
	if loc == Host {
		return nil
	}
	return wrapError(C.syncPerThreadStream(), "cudaStreamSynchronize")
}
