package buddy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/cudabuddy/cudart"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   uint8
		wantErr bool
	}{
		{"level_0", 0, true},
		{"level_33", 33, true},
		{"level_1", 1, false},
		{"level_3", 3, false},
		{"level_12", 12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.level, cudart.Host)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1<<tt.level, a.Size())
			assert.True(t, a.Full())
			a.Destroy()
		})
	}
}

// runs the same assertions for both locations, as the backend decides what
// "device" means under the active build tag.
func testLocations(t *testing.T, f func(t *testing.T, loc cudart.Location)) {
	for _, loc := range []cudart.Location{cudart.Host, cudart.Device} {
		t.Run(loc.String(), func(t *testing.T) { f(t, loc) })
	}
}

func TestAllocFree(t *testing.T) {
	testLocations(t, func(t *testing.T, loc cudart.Location) {
		a, err := New(3, loc)
		require.NoError(t, err)
		defer a.Destroy()
		require.True(t, a.Full())

		for _, size := range []int{8, 4, 2, 1, 1} {
			ptrs := make([]uintptr, 0, 8/size)
			seen := make(map[uintptr]bool)
			for i := 0; i < 8/size; i++ {
				ptr := a.Alloc(size)
				require.NotZero(t, ptr, "size=%d i=%d", size, i)
				require.True(t, a.Contains(ptr))
				require.False(t, seen[ptr], "duplicate pointer %#x", ptr)
				seen[ptr] = true
				// blocks sit at offsets that are multiples of their own size
				assert.Zero(t, (ptr-a.buf.Ptr())%uintptr(size))
				ptrs = append(ptrs, ptr)
			}

			// arena is exhausted now
			assert.Zero(t, a.Alloc(1))

			for _, ptr := range ptrs {
				require.True(t, a.Free(ptr))
			}
			require.True(t, a.Full())
		}
	})
}

func TestAllocWholeArena(t *testing.T) {
	testLocations(t, func(t *testing.T, loc cudart.Location) {
		a, err := New(3, loc)
		require.NoError(t, err)
		defer a.Destroy()

		ptr := a.Alloc(8)
		require.NotZero(t, ptr)
		require.True(t, a.Contains(ptr))
		assert.Zero(t, a.Alloc(1))

		require.True(t, a.Free(ptr))
		require.True(t, a.Full())
	})
}

func TestAllocAligned(t *testing.T) {
	testLocations(t, func(t *testing.T, loc cudart.Location) {
		a, err := New(3, loc)
		require.NoError(t, err)
		defer a.Destroy()

		for _, alignment := range []int{2, 3, 8} {
			for _, size := range []int{4, 2, 1, 1} {
				if size+alignment-1 > a.Size() {
					continue
				}
				ptr := a.AllocAligned(size, alignment)
				require.NotZero(t, ptr, "size=%d alignment=%d", size, alignment)
				assert.Zero(t, ptr%uintptr(alignment))
				require.True(t, a.Contains(ptr))
				require.True(t, a.Free(ptr))
				require.True(t, a.Full())
			}
		}
	})
}

func TestAllocTooLarge(t *testing.T) {
	a, err := New(3, cudart.Host)
	require.NoError(t, err)
	defer a.Destroy()

	assert.Zero(t, a.Alloc(16))
	assert.Zero(t, a.Alloc(9)) // rounds up to 16
	assert.Zero(t, a.AllocAligned(8, 4))
	assert.Zero(t, a.Alloc(1<<33))
	assert.True(t, a.Full())
}

func TestAllocRoundedCeiling(t *testing.T) {
	// only a level-32 arena can tell the 32-bit ceiling apart from the
	// capacity check; the device location keeps the buffer unzeroed
	a, err := New(32, cudart.Device)
	require.NoError(t, err)
	defer a.Destroy()

	// 3<<30 itself fits in 32 bits but rounds up to 1<<32, which doesn't
	assert.Zero(t, a.Alloc(3<<30))
	assert.True(t, a.Full())

	ptr := a.Alloc(1 << 30)
	require.NotZero(t, ptr)
	require.True(t, a.Free(ptr))
	require.True(t, a.Full())
}

func TestFreeInvalid(t *testing.T) {
	a, err := New(3, cudart.Host)
	require.NoError(t, err)
	defer a.Destroy()

	assert.True(t, a.Free(0))

	ptr := a.Alloc(2)
	require.NotZero(t, ptr)

	// outside the arena
	assert.False(t, a.Free(a.buf.Ptr()+8))
	// inside an allocated block but not its start
	assert.False(t, a.Free(ptr+1))
	// never-allocated region
	assert.False(t, a.Free(a.buf.Ptr()+4))
	// the live allocation is untouched by all of the above
	assert.False(t, a.Full())

	require.True(t, a.Free(ptr))
	// double free
	assert.False(t, a.Free(ptr))
	assert.True(t, a.Full())
}

func TestCoalesce(t *testing.T) {
	a, err := New(3, cudart.Host)
	require.NoError(t, err)
	defer a.Destroy()

	// buddies must recombine regardless of which one is freed last
	for _, leftFirst := range []bool{true, false} {
		p1 := a.Alloc(4)
		p2 := a.Alloc(4)
		require.NotZero(t, p1)
		require.NotZero(t, p2)
		if leftFirst {
			require.True(t, a.Free(p1))
			require.True(t, a.Free(p2))
		} else {
			require.True(t, a.Free(p2))
			require.True(t, a.Free(p1))
		}

		ptr := a.Alloc(8)
		require.NotZero(t, ptr, "leftFirst=%v", leftFirst)
		require.True(t, a.Free(ptr))
		require.True(t, a.Full())
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	// 4 goroutines each hold at most one 8-byte block of a 32-byte arena,
	// so no allocation may ever fail
	a, err := New(5, cudart.Host)
	require.NoError(t, err)
	defer a.Destroy()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				ptr := a.Alloc(8)
				if !assert.NotZero(t, ptr) {
					return
				}
				assert.True(t, a.Contains(ptr))
				assert.True(t, a.Free(ptr))
			}
		}()
	}
	wg.Wait()
	require.True(t, a.Full())
}
