package repair

import (
	"fmt"

	"github.com/ansel1/merry"
)

// Class says how a repair error affects the rest of the run.
type Class int

const (
	// ClassNone marks errors that were never classified.
	ClassNone Class = iota
	// ClassCorrupt is damage that was repaired locally.
	ClassCorrupt
	// ClassIO is a device failure. The affected unit is skipped.
	ClassIO
	// ClassIrreparable is damage that stops later passes from running.
	ClassIrreparable
	// ClassResource is running out of space or inodes during a rebuild.
	ClassResource
)

const classKey = "repair-class"

func (c Class) String() string {
	switch c {
	case ClassCorrupt:
		return "corruption"
	case ClassIO:
		return "i/o failure"
	case ClassIrreparable:
		return "irreparable corruption"
	case ClassResource:
		return "resource exhaustion"
	default:
		return "unclassified"
	}
}

func withClass(err error, c Class) error {
	if err == nil {
		return nil
	}
	return merry.WrapSkipping(err, 1).WithValue(classKey, c)
}

func classErrorf(c Class, format string, args ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, args...), 1).WithValue(classKey, c)
}

// ClassOf returns the class attached to err or to any error it wraps.
func ClassOf(err error) Class {

	for err != nil {

		if c, ok := merry.Value(err, classKey).(Class); ok {
			return c
		}

		causer, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = causer.Cause()

	}

	return ClassNone

}
