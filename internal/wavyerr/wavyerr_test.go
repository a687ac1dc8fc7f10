package wavyerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(New(CodeInvalidArchive, "bad archive")))
	assert.Equal(t, 404, HTTPStatus(New(CodeNotFound, "missing")))
	assert.Equal(t, 200, HTTPStatus(New(CodeAlreadyExists, "dup")))
	assert.Equal(t, 500, HTTPStatus(New(CodeDbError, "boom")))
}

func TestHTTPStatusDefaultsTo500ForUnknownErrors(t *testing.T) {
	assert.Equal(t, 500, HTTPStatus(errors.New("plain")))
}

func TestWrapPreservesUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeStorageFull, "writing asset", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeStorageFull, CodeOf(err))
}

func TestIsServerFault(t *testing.T) {
	assert.True(t, IsServerFault(New(CodeIoError, "x")))
	assert.False(t, IsServerFault(New(CodeNotFound, "x")))
	assert.False(t, IsServerFault(New(CodeAlreadyExists, "x")))
}
