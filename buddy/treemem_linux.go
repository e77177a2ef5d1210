//go:build linux

package buddy

import "golang.org/x/sys/unix"

// allocTree maps n bytes of anonymous memory for the status tree. The
// mapping is zero-initialized by the kernel, which is exactly the "all
// nodes unused" starting state, and untouched pages stay unbacked, so big
// arenas don't pay for tree storage they never split down to.
func allocTree(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func freeTree(b []byte) error {
	return unix.Munmap(b)
}
