package skerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("sentinel")

func TestWrap_NilError_ReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(nil))
	require.NoError(t, Wrapf(nil, "context"))
}

func TestWrap_SentinelSurvivesErrorsIs(t *testing.T) {
	err := Wrapf(Wrap(errSentinel), "loading link")
	assert.True(t, errors.Is(err, errSentinel))
}

func TestUnwrap_ReturnsInnermostError(t *testing.T) {
	err := Wrapf(Wrap(errSentinel), "outer")
	assert.Equal(t, errSentinel, Unwrap(err))
}

func TestFmt_MessageIsFormatted(t *testing.T) {
	err := Fmt("code %q is reserved", "admin")
	assert.Equal(t, `code "admin" is reserved`, err.Error())
}
