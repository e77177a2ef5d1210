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

// Package cudart wraps the raw memory primitives of the CUDA runtime.
//
// Two implementations are provided and selected by the `cuda` build tag:
// the default one backs buffers with ordinary process memory so that the
// rest of the module is fully testable on machines without a GPU, and the
// cgo one calls the real runtime (cudaMalloc/cudaMallocHost and the
// per-thread default stream).
package cudart

import "errors"

var (
	// ErrUnloading reports that the runtime is already shutting down.
	// Callers must treat it as benign during teardown.
	ErrUnloading = errors.New("cudart: runtime is unloading")

	// ErrNotInitialized reports that the runtime has not been (or is no
	// longer) initialized. Stream synchronization tolerates it as a no-op.
	ErrNotInitialized = errors.New("cudart: runtime not initialized")
)

// Location tells where a buffer resides.
type Location uint8

const (
	// Device is GPU device memory.
	Device Location = iota
	// Host is page-locked (pinned) host memory.
	Host
)

func (l Location) String() string {
	if l == Host {
		return "host"
	}
	return "device"
}

// Buffer is a handle to one raw allocation. The zero Buffer is invalid.
type Buffer struct {
	ptr  uintptr
	size int
	loc  Location

	// mem keeps the backing slice reachable in the non-cuda implementation.
	mem []byte
}

// Ptr returns the base address of the buffer.
func (b Buffer) Ptr() uintptr { return b.ptr }

// Size returns the buffer size in bytes.
func (b Buffer) Size() int { return b.size }

// Location returns where the buffer resides.
func (b Buffer) Location() Location { return b.loc }
