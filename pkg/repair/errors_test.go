package repair

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {

	assert.Equal(t, ClassNone, ClassOf(nil))
	assert.Equal(t, ClassNone, ClassOf(io.EOF))
	assert.Nil(t, withClass(nil, ClassIO))

	err := withClass(io.ErrUnexpectedEOF, ClassIO)
	assert.Equal(t, ClassIO, ClassOf(err))

	wrapped := errors.Wrapf(err, "writing directory %d", 128)
	assert.Equal(t, ClassIO, ClassOf(wrapped))
	assert.Contains(t, wrapped.Error(), "unexpected EOF")

	err = classErrorf(ClassResource, "ag %d: no space left", 3)
	assert.Equal(t, ClassResource, ClassOf(errors.Wrap(err, "phase6")))
	assert.Equal(t, "ag 3: no space left", err.Error())
	assert.Equal(t, "resource exhaustion", ClassResource.String())

}
