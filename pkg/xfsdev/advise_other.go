// +build !linux

package xfsdev

import (
	"os"
)

func fileAdvisor(f *os.File) func(off, length int64) {
	return func(off, length int64) {}
}
