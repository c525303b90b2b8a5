//go:build unix

package arena

import (
	"golang.org/x/sys/unix"
)

func mapped(size int) (*Arena, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &Arena{
		buf:     buf,
		pool:    PoolMapped,
		release: func() error { return unix.Munmap(buf) },
	}, nil
}
