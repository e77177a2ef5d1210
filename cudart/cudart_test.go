package cudart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationString(t *testing.T) {
	assert.Equal(t, "device", Device.String())
	assert.Equal(t, "host", Host.String())
}

func TestAllocRelease(t *testing.T) {
	for _, loc := range []Location{Host, Device} {
		t.Run(loc.String(), func(t *testing.T) {
			b, err := Alloc(loc, 4096)
			require.NoError(t, err)
			assert.NotZero(t, b.Ptr())
			assert.Equal(t, 4096, b.Size())
			assert.Equal(t, loc, b.Location())

			require.NoError(t, SyncStream(loc))
			require.NoError(t, Release(b))
		})
	}
}

func TestAllocInvalidSize(t *testing.T) {
	_, err := Alloc(Host, 0)
	assert.Error(t, err)
	_, err = Alloc(Device, -1)
	assert.Error(t, err)
}

func TestReleaseInvalidBuffer(t *testing.T) {
	assert.Error(t, Release(Buffer{}))
}
