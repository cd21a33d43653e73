package xfsdev

import (
	"os"

	"golang.org/x/sys/unix"
)

func fileAdvisor(f *os.File) func(off, length int64) {
	fd := int(f.Fd())
	return func(off, length int64) {
		_ = unix.Fadvise(fd, off, length, unix.FADV_WILLNEED)
	}
}
