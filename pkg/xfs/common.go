package xfs

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrCorrupt is the cause of every decode failure caused by on-disk
// metadata that does not make sense. Callers test for it with errors.Cause.
var ErrCorrupt = errors.New("corrupt metadata")

func corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorrupt, format, args...)
}

// IsCorrupt reports whether err was caused by malformed metadata rather than
// a failure of the underlying device.
func IsCorrupt(err error) bool {
	return errors.Cause(err) == ErrCorrupt
}

func divide(x, y int64) int64 {
	return (x + y - 1) / y
}

func align(x, y int64) int64 {
	return divide(x, y) * y
}

func isPowerOfTwo(x int64) bool {
	return x > 0 && x&(x-1) == 0
}

func generateUID() ([16]byte, error) {

	var uid [16]byte

	id, err := uuid.NewRandom()
	if err != nil {
		return uid, err
	}

	copy(uid[:], id[:])
	return uid, nil

}

func writeBE(w io.Writer, v interface{}) {
	err := binary.Write(w, binary.BigEndian, v)
	if err != nil {
		panic(err)
	}
}
